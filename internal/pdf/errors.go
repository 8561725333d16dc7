package pdf

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類です。
type ErrorKind string

const (
	KindInput     ErrorKind = "input"     // 読めない・対応していない入力
	KindSelection ErrorKind = "selection" // 有効なページがない、または文書が空になる
	KindGeometry  ErrorKind = "geometry"  // トリミング余白がページを超える等
	KindResource  ErrorKind = "resource"  // 描画面やワーカー等の資源が使えない
	KindCodec     ErrorKind = "codec"     // 文書ライブラリ側の失敗
)

// errors.Is で分類を判定するための番兵です。
var (
	ErrInput     = errors.New("pdf: input error")
	ErrSelection = errors.New("pdf: selection error")
	ErrGeometry  = errors.New("pdf: geometry error")
	ErrResource  = errors.New("pdf: resource error")
	ErrCodec     = errors.New("pdf: codec error")
)

var kindSentinels = map[ErrorKind]error{
	KindInput:     ErrInput,
	KindSelection: ErrSelection,
	KindGeometry:  ErrGeometry,
	KindResource:  ErrResource,
	KindCodec:     ErrCodec,
}

// エラーコード。HTTP レスポンスとジョブレコードにそのまま載ります。
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeUnsupportedFile = "UNSUPPORTED_FILE"
	CodeLimitExceeded   = "LIMIT_EXCEEDED"
	CodeLossyNotAllowed = "LOSSY_NOT_ACCEPTED"
	CodeNoPages         = "NO_PAGES_SELECTED"
	CodeEmptyDocument   = "EMPTY_DOCUMENT"
	CodeInvalidGeometry = "INVALID_GEOMETRY"
	CodeResource        = "RESOURCE_UNAVAILABLE"
	CodeUnsupportedPDF  = "UNSUPPORTED_PDF"
)

var codeKinds = map[string]ErrorKind{
	CodeInvalidInput:    KindInput,
	CodeUnsupportedFile: KindInput,
	CodeLimitExceeded:   KindInput,
	CodeLossyNotAllowed: KindInput,
	CodeNoPages:         KindSelection,
	CodeEmptyDocument:   KindSelection,
	CodeInvalidGeometry: KindGeometry,
	CodeResource:        KindResource,
	CodeUnsupportedPDF:  KindCodec,
}

// Error は利用者へ返すメッセージ付きのエラーです。
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func newError(code, message string, err error) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInput
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は分類の番兵と一致するかを判定します。
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}
