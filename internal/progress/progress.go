// Package progress は長時間処理の進捗を表す共通の語彙を提供します。
package progress

// Stage は処理の段階を表します。
type Stage string

const (
	StageLoading    Stage = "loading"
	StageProcessing Stage = "processing"
	StageEncoding   Stage = "encoding"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// 各段階の開始位置（%）。processing は LoadingEnd から EncodingStart までを按分します。
const (
	LoadingStart    = 0
	LoadingEnd      = 20
	ProcessingSpan  = EncodingStart - LoadingEnd
	EncodingStart   = 90
	EncodingEnd     = 99
	CompletePercent = 100
)

// Valid は既知の段階かどうかを返します。
func (s Stage) Valid() bool {
	switch s {
	case StageLoading, StageProcessing, StageEncoding, StageComplete, StageError:
		return true
	}
	return false
}

// Terminal は complete / error のような最終段階かどうかを返します。
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Update は1回分の進捗通知です。percent は助言的な値で、単調増加は保証されません。
type Update struct {
	Percent int    `json:"percent"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message,omitempty"`
}

// Reporter は進捗更新用コールバックです。nil でも構いません。
type Reporter func(Update)

// Report は percent を 0〜100 に丸めてから通知します。
// complete は常に 100、error は常に 0 として送ります。
func Report(r Reporter, stage Stage, percent int, message string) {
	if r == nil {
		return
	}
	switch stage {
	case StageComplete:
		percent = CompletePercent
	case StageError:
		percent = 0
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r(Update{Percent: percent, Stage: stage, Message: message})
}

// Step は total 単位のうち i 番目に着手した時点の percent を返します。
// base + (i / total) * span をループ位置だけから計算するため、累積値を持ちません。
func Step(base, span, i, total int) int {
	if total <= 0 {
		return base
	}
	if i < 0 {
		i = 0
	}
	if i > total {
		i = total
	}
	return base + (i*span)/total
}

// Processing は processing 段階の i/total 地点の percent を返します。
func Processing(i, total int) int {
	return Step(LoadingEnd, ProcessingSpan, i, total)
}

// Chain は複数の Reporter へ同じ更新を配ります。nil は読み飛ばします。
func Chain(reporters ...Reporter) Reporter {
	active := make([]Reporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(u Update) {
		for _, r := range active {
			r(u)
		}
	}
}
