package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/paperkit/internal/progress"
)

type squareIn struct {
	N int `json:"n"`
}

type squareOut struct {
	Value int `json:"value"`
}

type codedErr struct{ code string }

func (e codedErr) Error() string { return "bad input" }
func (e codedErr) Code() string  { return e.code }

func newTestDispatcher(t *testing.T, started chan<- struct{}) *Dispatcher {
	t.Helper()
	handlers := Registry{
		"square": func(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
			var in squareIn
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, err
			}
			report(progress.Update{Stage: progress.StageLoading, Percent: 10})
			report(progress.Update{Stage: progress.StageProcessing, Percent: 50})
			return squareOut{Value: in.N * in.N}, nil
		},
		"fail": func(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
			return nil, errors.New("cannot do that")
		},
		"coded": func(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
			return nil, fmt.Errorf("wrapped: %w", codedErr{code: "bad-input"})
		},
		"block": func(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
			if started != nil {
				started <- struct{}{}
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"explode": func(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
			panic("worker crashed")
		},
	}
	d := New(handlers, Options{Family: "test", Concurrency: 8})
	t.Cleanup(d.Close)
	return d
}

func TestExecuteDeliversProgressThenResult(t *testing.T) {
	d := newTestDispatcher(t, nil)

	var updates []progress.Update
	out, err := Call[squareOut](context.Background(), d, "square", squareIn{N: 7}, func(u progress.Update) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if out.Value != 49 {
		t.Fatalf("value = %d, want 49", out.Value)
	}
	if len(updates) != 2 || updates[0].Percent != 10 || updates[1].Stage != progress.StageProcessing {
		t.Fatalf("unexpected updates: %#v", updates)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", d.Pending())
	}
}

func TestWorkerIsCreatedLazilyAndReused(t *testing.T) {
	d := newTestDispatcher(t, nil)
	if d.Generation() != 0 {
		t.Fatalf("worker created before first Execute")
	}
	for i := 0; i < 3; i++ {
		if _, err := d.Execute(context.Background(), "square", squareIn{N: i}, nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if d.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", d.Generation())
	}
}

func TestTaskErrorRejectsOnlyThatTask(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Execute(context.Background(), "fail", nil, nil)
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected TaskError, got %v", err)
	}
	if taskErr.Kind != "fail" || !strings.Contains(taskErr.Message, "cannot do that") {
		t.Fatalf("unexpected task error: %#v", taskErr)
	}

	if _, err := Call[squareOut](context.Background(), d, "square", squareIn{N: 2}, nil); err != nil {
		t.Fatalf("dispatcher unusable after task error: %v", err)
	}
}

func TestTaskErrorCarriesCode(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Execute(context.Background(), "coded", nil, nil)
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected TaskError, got %v", err)
	}
	if taskErr.Code != "bad-input" || !strings.Contains(taskErr.Message, "bad input") {
		t.Fatalf("unexpected task error: %#v", taskErr)
	}

	_, err = d.Execute(context.Background(), "fail", nil, nil)
	if !errors.As(err, &taskErr) || taskErr.Code != "" {
		t.Fatalf("plain error should carry no code: %#v", err)
	}
}

func TestUnknownKind(t *testing.T) {
	d := newTestDispatcher(t, nil)
	_, err := d.Execute(context.Background(), "nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown task kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestConcurrentExecuteIsMultiplexed(t *testing.T) {
	d := newTestDispatcher(t, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := Call[squareOut](context.Background(), d, "square", squareIn{N: i}, nil)
			if err != nil {
				errs <- err
				return
			}
			if out.Value != i*i {
				errs <- errors.New("result routed to the wrong caller")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if d.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", d.Generation())
	}
}

func TestTransportFaultRejectsAllPendingAndRecreatesWorker(t *testing.T) {
	started := make(chan struct{}, 3)
	d := newTestDispatcher(t, started)

	const blocked = 3
	results := make(chan error, blocked)
	for i := 0; i < blocked; i++ {
		go func() {
			_, err := d.Execute(context.Background(), "block", nil, nil)
			results <- err
		}()
	}
	for i := 0; i < blocked; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("blocked tasks did not start")
		}
	}

	if _, err := d.Execute(context.Background(), "explode", nil, nil); !errors.Is(err, ErrTransport) {
		t.Fatalf("explode: expected ErrTransport, got %v", err)
	}
	for i := 0; i < blocked; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrTransport) {
				t.Fatalf("pending task: expected ErrTransport, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending task was not rejected")
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("pending table not cleared: %d", d.Pending())
	}

	out, err := Call[squareOut](context.Background(), d, "square", squareIn{N: 3}, nil)
	if err != nil || out.Value != 9 {
		t.Fatalf("dispatcher did not recover: %v %#v", err, out)
	}
	if d.Generation() != 2 {
		t.Fatalf("generation = %d, want 2", d.Generation())
	}
}

func TestMessageForUnknownIDIsIgnored(t *testing.T) {
	d := newTestDispatcher(t, nil)
	if _, err := d.Execute(context.Background(), "square", squareIn{N: 1}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	d.mu.Lock()
	w := d.worker
	d.mu.Unlock()
	stray, _ := json.Marshal(Response{V: SchemaVersion, ID: 9999, Kind: ResponseSuccess, Result: json.RawMessage(`{}`)})
	w.out <- stray

	out, err := Call[squareOut](context.Background(), d, "square", squareIn{N: 4}, nil)
	if err != nil || out.Value != 16 {
		t.Fatalf("unexpected result after stray message: %v %#v", err, out)
	}
	if d.Generation() != 1 {
		t.Fatalf("stray message must not recreate the worker")
	}
}

func TestCallerCancellationForgetsTask(t *testing.T) {
	started := make(chan struct{}, 1)
	d := newTestDispatcher(t, started)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Execute(ctx, "block", nil, nil)
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", d.Pending())
	}
}

func TestCloseRejectsPendingAndLaterCalls(t *testing.T) {
	started := make(chan struct{}, 1)
	d := newTestDispatcher(t, started)

	done := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), "block", nil, nil)
		done <- err
	}()
	<-started
	d.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending task not rejected on Close")
	}
	if _, err := d.Execute(context.Background(), "square", squareIn{N: 1}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestDecodeResponseIsStrict(t *testing.T) {
	cases := map[string]string{
		"unknown field":     `{"v":1,"id":1,"kind":"success","extra":true}`,
		"wrong version":     `{"v":2,"id":1,"kind":"success"}`,
		"progress w/o body": `{"v":1,"id":1,"kind":"progress"}`,
		"error w/o message": `{"v":1,"id":1,"kind":"error"}`,
		"unknown kind":      `{"v":1,"id":1,"kind":"partial"}`,
		"not json":          `nope`,
	}
	for name, frame := range cases {
		if _, err := decodeResponse([]byte(frame)); !errors.Is(err, ErrSchema) {
			t.Fatalf("%s: expected ErrSchema, got %v", name, err)
		}
	}

	resp, err := decodeResponse([]byte(`{"v":1,"id":3,"kind":"progress","progress":{"percent":5,"stage":"loading"}}`))
	if err != nil || resp.Progress.Percent != 5 {
		t.Fatalf("valid progress rejected: %v", err)
	}
}
