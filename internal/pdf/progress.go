package pdf

import (
	"sync"

	"github.com/yourusername/paperkit/internal/progress"
)

// State は1回の処理に対する呼び出し側の状態です。
// StateConfiguring / StateProcessing / StateComplete / StateFailed のいずれかです。
type State interface {
	isState()
}

// StateConfiguring は入力を受け付けてまだ処理を始めていない状態です。
type StateConfiguring struct{}

// StateProcessing は処理中の状態です。
type StateProcessing struct {
	Progress progress.Update
}

// StateComplete は処理が成功した状態です。
type StateComplete struct {
	Result Result
}

// StateFailed は処理が失敗した状態です。
type StateFailed struct {
	Message string
	Err     error
}

func (StateConfiguring) isState() {}
func (StateProcessing) isState()  {}
func (StateComplete) isState()    {}
func (StateFailed) isState()      {}

// Tracker は進捗通知と最終結果から State を組み立てます。
// 状態が変わるたびに OnChange が呼ばれます。終端状態のあとの進捗は無視します。
type Tracker struct {
	OnChange func(State)

	mu    sync.Mutex
	state State
}

// NewTracker は StateConfiguring から始まる Tracker を作成します。
func NewTracker(onChange func(State)) *Tracker {
	return &Tracker{OnChange: onChange, state: StateConfiguring{}}
}

// State は現在の状態を返します。
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return StateConfiguring{}
	}
	return t.state
}

// Reporter は処理に渡す progress.Reporter を返します。
// complete / error の通知は Finish で確定させるため読み捨てます。
func (t *Tracker) Reporter() progress.Reporter {
	return func(u progress.Update) {
		if u.Stage.Terminal() {
			return
		}
		t.set(StateProcessing{Progress: u})
	}
}

// Finish は処理結果から終端状態を確定します。
func (t *Tracker) Finish(res Result) State {
	var st State
	if res.Success {
		st = StateComplete{Result: res}
	} else {
		st = StateFailed{Message: res.Error, Err: res.Err}
	}
	t.set(st)
	return st
}

func (t *Tracker) set(st State) {
	t.mu.Lock()
	switch t.state.(type) {
	case StateComplete, StateFailed:
		t.mu.Unlock()
		return
	}
	t.state = st
	onChange := t.OnChange
	t.mu.Unlock()

	if onChange != nil {
		onChange(st)
	}
}
