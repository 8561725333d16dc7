package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/config"
	"github.com/yourusername/paperkit/internal/pdf"
)

const (
	taskTypePDF = "pdf:process"
	queueName   = "pdf"
	// キューの同時実行数
	workerConcurrency = 4
)

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  RecordStore
	logger zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner JobRunner, store RecordStore, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger = logger.With().Str("component", "jobs").Logger()

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: workerConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: asynqLogger{logger: logger},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn().Err(err).Str("type", task.Type()).Msg("task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(taskTypePDF, NewWorker(runner, store, cfg.JobResultBaseURL, logger))

	return &Manager{
		client: asynq.NewClient(opt),
		server: server,
		mux:    mux,
		store:  store,
		logger: logger,
	}, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
// シグナル処理は呼び出し側の Shutdown に任せる
func (m *Manager) StartWorkers() {
	if err := m.server.Start(m.mux); err != nil {
		m.logger.Error().Err(err).Msg("failed to start asynq server")
	}
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Schedule implements pdf.JobScheduler.
func (m *Manager) Schedule(ctx context.Context, op pdf.OperationType, jobID string) error {
	_, err := m.Enqueue(ctx, &TaskPayload{JobID: jobID, Operation: op})
	return err
}

// Enqueue は queued 状態のレコードを作成してからジョブをキューに投入します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("payload.JobID is required")
	}

	record := &Record{
		JobID:     payload.JobID,
		Operation: payload.Operation,
	}
	mutationFor(pdf.NewTracker(nil).State(), "")(record)
	if err := m.store.Upsert(ctx, record); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypePDF, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1), asynq.TaskID(payload.JobID))
	if err != nil {
		return "", err
	}
	m.logger.Debug().Str("job_id", payload.JobID).Str("task_id", info.ID).Msg("job enqueued")
	return info.ID, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}
