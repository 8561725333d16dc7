package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/yourusername/paperkit/internal/progress"
)

// Handler はワーカー内で1種別のタスクを処理します。
// report で送った進捗は呼び出し側の onProgress に届きます。
type Handler func(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error)

// Registry は種別名から Handler への対応表です。
type Registry map[string]Handler

const outboxSize = 64

// worker はバックグラウンド実行コンテキストです。
// 要求・応答はどちらも JSON フレームとしてチャネルを通ります。
type worker struct {
	handlers Registry
	in       chan []byte
	out      chan []byte
	done     chan struct{}
	sem      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
	err      error
	wg       sync.WaitGroup
}

func startWorker(handlers Registry, concurrency int) *worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		handlers: handlers,
		in:       make(chan []byte),
		out:      make(chan []byte, outboxSize),
		done:     make(chan struct{}),
		sem:      make(chan struct{}, concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case <-w.done:
			return
		case frame := <-w.in:
			req, err := decodeRequest(frame)
			if err != nil {
				// ID が読めたものだけ失敗を返す。読めないフレームは相関できないので捨てる。
				if req != nil && req.ID != 0 {
					w.send(Response{ID: req.ID, Kind: ResponseError, Error: err.Error()})
				}
				continue
			}
			select {
			case w.sem <- struct{}{}:
			case <-w.done:
				return
			}
			w.wg.Add(1)
			go w.run(req)
		}
	}
}

func (w *worker) run(req *Request) {
	defer w.wg.Done()
	defer func() { <-w.sem }()
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("%w: task %d (%s) panicked: %v", ErrTransport, req.ID, req.Kind, r))
		}
	}()

	h, ok := w.handlers[req.Kind]
	if !ok {
		w.send(Response{ID: req.ID, Kind: ResponseError, Error: fmt.Sprintf("%v: %s", ErrUnknownKind, req.Kind)})
		return
	}

	report := func(u progress.Update) {
		w.send(Response{ID: req.ID, Kind: ResponseProgress, Progress: &u})
	}
	result, err := h(w.ctx, req.Payload, report)
	if err != nil {
		w.send(Response{ID: req.ID, Kind: ResponseError, Error: err.Error(), Code: errorCode(err)})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		w.send(Response{ID: req.ID, Kind: ResponseError, Error: "encode result: " + err.Error()})
		return
	}
	w.send(Response{ID: req.ID, Kind: ResponseSuccess, Result: raw})
}

func (w *worker) send(resp Response) {
	select {
	case <-w.done:
		return
	default:
	}
	resp.V = SchemaVersion
	frame, err := encodeFrame(resp)
	if err != nil {
		frame, _ = encodeFrame(Response{V: SchemaVersion, ID: resp.ID, Kind: ResponseError, Error: "encode response: " + err.Error()})
	}
	select {
	case w.out <- frame:
	case <-w.done:
	}
}

// fail はワーカーを停止させます。最初の1回だけ有効です。
func (w *worker) fail(err error) {
	w.failOnce.Do(func() {
		w.err = err
		close(w.done)
		w.cancel()
	})
}

func errorCode(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
