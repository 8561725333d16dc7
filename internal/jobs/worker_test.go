package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/pdf"
	"github.com/yourusername/paperkit/internal/progress"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	history []Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[jobID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memoryStore) Upsert(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stampRecord(record, time.Now().UTC(), time.Minute)
	s.records[record.JobID] = *record
	s.history = append(s.history, *record)
	return nil
}

func (s *memoryStore) Update(ctx context.Context, jobID string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	mutate(&r)
	s.records[jobID] = r
	s.history = append(s.history, r)
	return nil
}

type fakeRunner struct {
	updates []progress.Update
	result  *pdf.JobResult
	err     error
}

func (f *fakeRunner) RunJob(ctx context.Context, jobID string, report progress.Reporter) (*pdf.JobResult, error) {
	for _, u := range f.updates {
		report(u)
	}
	return f.result, f.err
}

func newTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(TaskPayload{JobID: jobID, Operation: pdf.OperationCompress})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypePDF, body)
}

func seed(t *testing.T, store *memoryStore, jobID string) {
	t.Helper()
	record := &Record{JobID: jobID, Operation: pdf.OperationCompress}
	mutationFor(pdf.StateConfiguring{}, "")(record)
	if err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestWorkerMarksJobDone(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "job-1")
	runner := &fakeRunner{
		updates: []progress.Update{
			{Stage: progress.StageLoading, Percent: 20},
			{Stage: progress.StageProcessing, Percent: 50, Message: "2/4"},
			{Stage: progress.StageProcessing, Percent: 50, Message: "2/4"},
			{Stage: progress.StageComplete, Percent: 100},
		},
		result: &pdf.JobResult{JobID: "job-1", OutputFilename: "compressed.pdf", OutputSize: 10, Meta: map[string]int{"pages": 4}},
	}
	w := NewWorker(runner, store, "", zerolog.Nop())

	if err := w.ProcessTask(context.Background(), newTask(t, "job-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	record, _ := store.Get(context.Background(), "job-1")
	if record.Status != StatusSucceeded || record.Progress.Percent != 100 || record.Progress.Stage != progress.StageComplete {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.DownloadURL != "/api/jobs/job-1/download" {
		t.Fatalf("download url = %q", record.DownloadURL)
	}
	if record.Meta == nil || record.Error != nil {
		t.Fatalf("unexpected record: %+v", record)
	}

	var processing int
	for _, r := range store.history {
		if r.Progress.Stage == progress.StageProcessing {
			processing++
		}
		if r.Progress.Stage == progress.StageComplete && r.Status != StatusSucceeded {
			t.Fatalf("complete stage written before the result: %+v", r)
		}
	}
	if processing != 1 {
		t.Fatalf("processing writes = %d, want 1 (duplicates skipped)", processing)
	}
}

func TestWorkerMarksJobFailed(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "job-2")
	runner := &fakeRunner{
		updates: []progress.Update{{Stage: progress.StageLoading, Percent: 20}},
		err:     &pdf.Error{Kind: pdf.KindInput, Code: pdf.CodeLossyNotAllowed, Message: "同意が必要です"},
	}
	w := NewWorker(runner, store, "", zerolog.Nop())

	err := w.ProcessTask(context.Background(), newTask(t, "job-2"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}

	record, _ := store.Get(context.Background(), "job-2")
	if record.Status != StatusFailed || record.Error == nil {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Error.Code != pdf.CodeLossyNotAllowed || record.Error.Kind != string(pdf.KindInput) {
		t.Fatalf("unexpected error info: %+v", record.Error)
	}
	if record.DownloadURL != "" {
		t.Fatalf("failed job has download url %q", record.DownloadURL)
	}
}

func TestWorkerRejectsBadPayload(t *testing.T) {
	w := NewWorker(&fakeRunner{}, newMemoryStore(), "", zerolog.Nop())
	if err := w.ProcessTask(context.Background(), asynq.NewTask(taskTypePDF, []byte("{"))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
	if err := w.ProcessTask(context.Background(), asynq.NewTask(taskTypePDF, []byte(`{"operation":"merge"}`))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}

func TestWorkerNeedsRecord(t *testing.T) {
	w := NewWorker(&fakeRunner{}, newMemoryStore(), "", zerolog.Nop())
	if err := w.ProcessTask(context.Background(), newTask(t, "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMutationForCoversEveryState(t *testing.T) {
	cases := []struct {
		state  pdf.State
		status Status
		stage  progress.Stage
	}{
		{pdf.StateConfiguring{}, StatusQueued, ""},
		{pdf.StateProcessing{Progress: progress.Update{Stage: progress.StageEncoding, Percent: 95}}, StatusRunning, progress.StageEncoding},
		{pdf.StateComplete{Result: pdf.Result{Success: true}}, StatusSucceeded, progress.StageComplete},
		{pdf.StateFailed{Message: "boom", Err: context.Canceled}, StatusFailed, progress.StageError},
	}
	for _, tc := range cases {
		var r Record
		mutationFor(tc.state, "")(&r)
		if r.Status != tc.status || r.Progress.Stage != tc.stage {
			t.Fatalf("%T: got %s/%s, want %s/%s", tc.state, r.Status, r.Progress.Stage, tc.status, tc.stage)
		}
	}

	var r Record
	mutationFor(pdf.StateFailed{Message: "boom", Err: context.Canceled}, "")(&r)
	if r.Error.Code != "JOB_CANCELED" {
		t.Fatalf("canceled job code = %s", r.Error.Code)
	}
	mutationFor(pdf.StateFailed{Message: "boom", Err: errors.New("disk")}, "")(&r)
	if r.Error.Code != "INTERNAL_ERROR" || r.Error.Message != "boom" {
		t.Fatalf("unexpected error info: %+v", r.Error)
	}
	if !r.Terminal() {
		t.Fatal("failed record should be terminal")
	}
}

func TestDownloadURLWithBase(t *testing.T) {
	w := NewWorker(&fakeRunner{}, newMemoryStore(), "https://files.example.com/results/", zerolog.Nop())
	got := w.downloadURL(&pdf.JobResult{JobID: "abc", OutputFilename: "split parts.zip"})
	if want := "https://files.example.com/results/abc/split%20parts.zip"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestStampRecordKeepsCreation(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &Record{CreatedAt: created}
	now := created.Add(time.Minute)
	stampRecord(r, now, 10*time.Minute)
	if !r.CreatedAt.Equal(created) || !r.UpdatedAt.Equal(now) || !r.ExpiresAt.Equal(created.Add(10*time.Minute)) {
		t.Fatalf("unexpected timestamps: %+v", r)
	}
	if jobKey("abc") != "job:abc" {
		t.Fatalf("unexpected key: %s", jobKey("abc"))
	}
}
