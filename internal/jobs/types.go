package jobs

import (
	"time"

	"github.com/yourusername/paperkit/internal/pdf"
	"github.com/yourusername/paperkit/internal/progress"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Record は GET /api/jobs/:id が返すジョブの現在状態です。
// Progress は最後に書き込まれた進捗で、キュー待ちの間はゼロ値です。
// Meta には完了時の統計（MergeStats など）が入ります。
type Record struct {
	JobID       string            `json:"jobId"`
	Operation   pdf.OperationType `json:"operation"`
	Status      Status            `json:"status"`
	Progress    progress.Update   `json:"progress"`
	DownloadURL string            `json:"downloadUrl,omitempty"`
	Meta        any               `json:"meta,omitempty"`
	Error       *ErrorInfo        `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// Terminal は完了または失敗したジョブかどうかを返します。
func (r *Record) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// TaskPayload はキューに載せるジョブのペイロードです。
type TaskPayload struct {
	JobID     string            `json:"jobId"`
	Operation pdf.OperationType `json:"operation"`
}
