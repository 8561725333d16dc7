// Package dispatch は CPU 負荷の高い処理をバックグラウンドワーカーへ渡し、
// 進捗付きで結果を待てる形にします。
//
// 1つの Dispatcher は1つのタスクファミリーを担当し、最初の Execute で
// ワーカーを遅延生成して以降の呼び出しで使い回します。複数の Execute は
// 相関 ID によって同じワーカー上で並行に多重化されます。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/progress"
)

// Options は Dispatcher の設定です。
type Options struct {
	Family      string
	Concurrency int
	Logger      *zerolog.Logger
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingTask struct {
	kind       string
	worker     *worker
	onProgress progress.Reporter
	done       chan outcome
}

// Dispatcher は保留中タスクの表を持ち、ワーカーからの応答を呼び出し元へ振り分けます。
type Dispatcher struct {
	family      string
	handlers    Registry
	concurrency int
	logger      zerolog.Logger

	mu         sync.Mutex
	worker     *worker
	generation int
	pending    map[uint64]*pendingTask
	nextID     uint64
	closed     bool
}

// New は Dispatcher を作成します。ワーカーはまだ起動しません。
func New(handlers Registry, opts Options) *Dispatcher {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	family := opts.Family
	if family == "" {
		family = "default"
	}
	return &Dispatcher{
		family:      family,
		handlers:    handlers,
		concurrency: opts.Concurrency,
		logger:      logger.With().Str("family", family).Logger(),
		pending:     make(map[uint64]*pendingTask),
	}
}

// Execute は kind のタスクをワーカーで実行し、終端応答を待ちます。
// 途中の進捗は onProgress に渡されます。ctx が終了した場合は待機をやめて ctx.Err() を返しますが、
// ワーカー側の処理は中断されず、遅れて届いた応答は無視されます。
func (d *Dispatcher) Execute(ctx context.Context, kind string, payload any, onProgress progress.Reporter) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrSchema, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	w := d.ensureWorkerLocked()
	d.nextID++
	id := d.nextID
	task := &pendingTask{
		kind:       kind,
		worker:     w,
		onProgress: onProgress,
		done:       make(chan outcome, 1),
	}
	d.pending[id] = task
	d.mu.Unlock()

	frame, err := encodeFrame(Request{V: SchemaVersion, ID: id, Kind: kind, Payload: raw})
	if err != nil {
		d.forget(id)
		return nil, fmt.Errorf("%w: encode request: %v", ErrSchema, err)
	}

	select {
	case w.in <- frame:
	case <-w.done:
		// 障害処理が task を拒否するので、下の待機で受け取る
	case <-ctx.Done():
		d.forget(id)
		return nil, ctx.Err()
	}

	select {
	case o := <-task.done:
		return o.result, o.err
	case <-ctx.Done():
		d.forget(id)
		return nil, ctx.Err()
	}
}

// Call は Execute の結果を T にデコードして返します。
func Call[T any](ctx context.Context, d *Dispatcher, kind string, payload any, onProgress progress.Reporter) (T, error) {
	var out T
	raw, err := d.Execute(ctx, kind, payload, onProgress)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode result: %v", ErrSchema, err)
	}
	return out, nil
}

// Close はワーカーを停止し、保留中のタスクを ErrClosed で打ち切ります。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	w := d.worker
	d.mu.Unlock()
	if w != nil {
		w.fail(ErrClosed)
	}
}

// Pending は終端応答を待っているタスク数を返します。
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Generation はこれまでに生成したワーカーの数を返します。
func (d *Dispatcher) Generation() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

func (d *Dispatcher) ensureWorkerLocked() *worker {
	if d.worker != nil {
		return d.worker
	}
	w := startWorker(d.handlers, d.concurrency)
	d.worker = w
	d.generation++
	d.logger.Debug().Int("generation", d.generation).Msg("background worker started")
	go d.route(w)
	return w
}

func (d *Dispatcher) route(w *worker) {
	for {
		select {
		case frame := <-w.out:
			// 停止後に積まれたフレームは配らない。保留タスクは fault でまとめて拒否する。
			select {
			case <-w.done:
				d.fault(w)
				return
			default:
			}
			d.deliver(frame)
		case <-w.done:
			d.fault(w)
			return
		}
	}
}

func (d *Dispatcher) deliver(frame []byte) {
	resp, err := decodeResponse(frame)
	if err != nil {
		d.logger.Warn().Err(err).Msg("discarding malformed worker message")
		return
	}

	d.mu.Lock()
	task, ok := d.pending[resp.ID]
	if ok && resp.Kind != ResponseProgress {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug().Uint64("id", resp.ID).Str("kind", string(resp.Kind)).Msg("ignoring message for unknown task")
		return
	}

	switch resp.Kind {
	case ResponseProgress:
		if task.onProgress != nil {
			task.onProgress(*resp.Progress)
		}
	case ResponseSuccess:
		task.done <- outcome{result: resp.Result}
	case ResponseError:
		task.done <- outcome{err: &TaskError{Kind: task.kind, Code: resp.Code, Message: resp.Error}}
	}
}

// fault は停止したワーカーに属する保留タスクをすべて拒否し、ワーカー参照を捨てます。
func (d *Dispatcher) fault(w *worker) {
	d.mu.Lock()
	if d.worker == w {
		d.worker = nil
	}
	rejected := make([]*pendingTask, 0, len(d.pending))
	for id, task := range d.pending {
		if task.worker == w {
			delete(d.pending, id)
			rejected = append(rejected, task)
		}
	}
	d.mu.Unlock()

	reason := ErrTransport
	if errors.Is(w.err, ErrClosed) {
		reason = ErrClosed
	} else {
		d.logger.Error().Err(w.err).Int("rejected", len(rejected)).Msg("background worker failed")
	}
	for _, task := range rejected {
		task.done <- outcome{err: reason}
	}
}

func (d *Dispatcher) forget(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}
