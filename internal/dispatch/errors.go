package dispatch

import "errors"

var (
	// ErrTransport はバックグラウンドワーカー自体が異常終了したときに保留中の全タスクへ返されます。
	ErrTransport = errors.New("dispatch: background worker failed")
	// ErrClosed は Close 後の呼び出し、または Close で打ち切られたタスクに返されます。
	ErrClosed = errors.New("dispatch: dispatcher closed")
	// ErrUnknownKind は登録されていない種別のタスクに返されます。
	ErrUnknownKind = errors.New("dispatch: unknown task kind")
	// ErrSchema はメッセージがスキーマに合致しないときに返されます。
	ErrSchema = errors.New("dispatch: malformed message")
)

// CodedError はワーカーから呼び出し元へ分類コードを伝えたいエラーが実装します。
// コードはレスポンスの code フィールドに載り、TaskError.Code で受け取れます。
type CodedError interface {
	error
	Code() string
}

// TaskError はワーカーが報告したタスク単位の失敗です。
type TaskError struct {
	Kind    string
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return e.Kind + ": " + e.Message
}
