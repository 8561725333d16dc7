// Package jobs はサイズの大きい変換を非同期ジョブとして実行します。
//
// ジョブは asynq のキューで受け渡し、状態は Redis のレコードとして公開します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/pdf"
	"github.com/yourusername/paperkit/internal/progress"
)

// JobRunner はワークスペースに用意されたジョブを実行します。
type JobRunner interface {
	RunJob(ctx context.Context, jobID string, report progress.Reporter) (*pdf.JobResult, error)
}

// Worker は asynq のタスクを受け取り、変換結果をレコードに反映します。
type Worker struct {
	runner  JobRunner
	store   RecordStore
	baseURL string
	logger  zerolog.Logger
}

// NewWorker は Worker を作成します。baseURL が空ならダウンロード URL は API の相対パスになります。
func NewWorker(runner JobRunner, store RecordStore, baseURL string, logger zerolog.Logger) *Worker {
	return &Worker{
		runner:  runner,
		store:   store,
		baseURL: baseURL,
		logger:  logger.With().Str("component", "jobs.worker").Logger(),
	}
}

// ProcessTask implements asynq.Handler.
// 変換の失敗は入力に起因するため再試行しません。
func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	logger := w.logger.With().Str("job_id", payload.JobID).Str("operation", string(payload.Operation)).Logger()

	if err := w.store.Update(ctx, payload.JobID, func(r *Record) {
		r.Status = StatusRunning
		r.Progress = progress.Update{Stage: progress.StageLoading}
	}); err != nil {
		return err
	}

	var lastPercent = -1
	var lastStage progress.Stage
	tracker := pdf.NewTracker(func(st pdf.State) {
		p, ok := st.(pdf.StateProcessing)
		if !ok {
			return
		}
		// 同じ値の連続書き込みは省く
		if p.Progress.Percent == lastPercent && p.Progress.Stage == lastStage {
			return
		}
		lastPercent, lastStage = p.Progress.Percent, p.Progress.Stage
		if err := w.store.Update(ctx, payload.JobID, mutationFor(st, "")); err != nil {
			logger.Warn().Err(err).Msg("failed to update progress")
		}
	})

	result, runErr := w.runner.RunJob(ctx, payload.JobID, tracker.Reporter())
	final := tracker.Finish(jobOutcome(result, runErr))

	var downloadURL string
	if result != nil {
		downloadURL = w.downloadURL(result)
	}
	if err := w.store.Update(ctx, payload.JobID, mutationFor(final, downloadURL)); err != nil {
		return err
	}

	if runErr != nil {
		logger.Info().Err(runErr).Msg("job failed")
		return fmt.Errorf("job %s: %v: %w", payload.JobID, runErr, asynq.SkipRetry)
	}
	logger.Info().Int64("bytes", result.OutputSize).Msg("job completed")
	return nil
}

func jobOutcome(result *pdf.JobResult, err error) pdf.Result {
	if err != nil {
		return pdf.Result{Success: false, Error: err.Error(), Err: err}
	}
	if result == nil {
		err = errors.New("job finished without result")
		return pdf.Result{Success: false, Error: err.Error(), Err: err}
	}
	return pdf.Result{Success: true, Stats: result.Meta}
}

// mutationFor は State をジョブレコードへの変更に変換します。
func mutationFor(st pdf.State, downloadURL string) func(*Record) {
	switch s := st.(type) {
	case pdf.StateConfiguring:
		return func(r *Record) {
			r.Status = StatusQueued
			r.Progress = progress.Update{}
		}
	case pdf.StateProcessing:
		return func(r *Record) {
			r.Status = StatusRunning
			r.Progress = s.Progress
		}
	case pdf.StateComplete:
		return func(r *Record) {
			r.Status = StatusSucceeded
			r.Progress = progress.Update{Percent: progress.CompletePercent, Stage: progress.StageComplete}
			r.DownloadURL = downloadURL
			r.Meta = s.Result.Stats
			r.Error = nil
		}
	case pdf.StateFailed:
		return func(r *Record) {
			r.Status = StatusFailed
			r.Progress = progress.Update{Stage: progress.StageError}
			r.Error = errorInfo(s.Err, s.Message)
		}
	default:
		panic(fmt.Sprintf("jobs: unknown state %T", st))
	}
}

func errorInfo(err error, message string) *ErrorInfo {
	var apiErr *pdf.Error
	if errors.As(err, &apiErr) {
		return &ErrorInfo{Code: apiErr.Code, Kind: string(apiErr.Kind), Message: apiErr.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Code: "JOB_CANCELED", Message: "ジョブが中断されました。"}
	}
	if message == "" && err != nil {
		message = err.Error()
	}
	return &ErrorInfo{Code: "INTERNAL_ERROR", Message: message}
}

func (w *Worker) downloadURL(result *pdf.JobResult) string {
	if w.baseURL == "" {
		return fmt.Sprintf("/api/jobs/%s/download", result.JobID)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(w.baseURL, "/"), result.JobID, url.PathEscape(result.OutputFilename))
}

// asynqLogger は asynq のログを zerolog に流します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
