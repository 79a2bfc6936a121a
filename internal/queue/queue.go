// Package queue provides serial execution contexts. Each Queue runs its tasks
// one at a time, in submission order, on a dedicated goroutine. Tasks receive
// a context tagged with the queue that runs them so callers can detect
// re-entrancy. Sync additionally recognizes its own worker goroutine, so
// callbacks that lost their context can still call back in safely.
package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Sync when the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// tag is the per-queue context key. Each Queue allocates its own so that two
// queues can never be mistaken for one another.
type tag struct{ name string }

// Queue is a serial task queue. The zero value is not usable; call New.
type Queue struct {
	name string
	tag  *tag
	log  *slog.Logger

	worker atomic.Uint64 // goroutine id of run

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func(context.Context)
	closed bool
	done   chan struct{}
}

// New creates a Queue and starts its worker goroutine.
func New(name string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		name: name,
		tag:  &tag{name: name},
		log:  log.With("component", "queue", "queue", name),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Name returns the label the queue was created with.
func (q *Queue) Name() string { return q.name }

func (q *Queue) run() {
	defer close(q.done)
	q.worker.Store(goroutineID())
	ctx := context.WithValue(context.Background(), q.tag, q)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(ctx, task)
	}
}

func (q *Queue) exec(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", "panic", r)
		}
	}()
	task(ctx)
}

// Async enqueues fn. It reports false if the queue is closed and fn was
// dropped.
func (q *Queue) Async(fn func(ctx context.Context)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

// Sync enqueues fn and blocks until it has run or ctx is done. When called
// from q's own worker, for example by a callback several frames below a
// task, fn runs inline with a context tagged for q.
func (q *Queue) Sync(ctx context.Context, fn func(ctx context.Context)) error {
	if q.OnWorker() {
		if ctx == nil {
			ctx = context.Background()
		}
		fn(context.WithValue(ctx, q.tag, q))
		return nil
	}
	finished := make(chan struct{})
	if !q.Async(func(qctx context.Context) {
		defer close(finished)
		fn(qctx)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnWorker reports whether the caller is running on q's worker goroutine.
func (q *Queue) OnWorker() bool {
	id := goroutineID()
	return id != 0 && q.worker.Load() == id
}

var goroutineSpace = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header, as
// x/net/http2 does for its goroutine lock.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutineSpace)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// IsCurrent reports whether ctx belongs to a task running on q.
func (q *Queue) IsCurrent(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(q.tag).(*Queue)
	return v == q
}

// Do runs fn inline when ctx is already on q, otherwise enqueues it.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context)) {
	if q.IsCurrent(ctx) {
		fn(ctx)
		return
	}
	q.Async(fn)
}

// DoSync runs fn inline when ctx is already on q, otherwise runs it on q and
// waits for completion.
func (q *Queue) DoSync(ctx context.Context, fn func(ctx context.Context)) error {
	if q.IsCurrent(ctx) {
		fn(ctx)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return q.Sync(ctx, fn)
}

// Close stops accepting new tasks, lets queued tasks drain, and waits for the
// worker to exit. Close must not be called from a task on q.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
