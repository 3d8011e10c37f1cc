package engine

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/clock"
	"golang.org/x/sync/errgroup"
)

// worker — неограниченная FIFO-очередь задач с одной горутиной-исполнителем.
// post никогда не блокирует: его вызывают горутина чтения сокета и таймеры.
type worker struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	drain   bool
}

func newWorker() *worker {
	w := &worker{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go w.run()
	return w
}

// post ставит задачу в очередь. После stop возвращает false.
func (w *worker) post(f func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, f)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// call выполняет f в горутине worker и ждёт завершения.
func (w *worker) call(f func()) bool {
	done := make(chan struct{})
	if !w.post(func() { defer close(done); f() }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-w.done:
		// Очередь остановлена без исполнения оставшихся задач.
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		stopped, drain := w.stopped, w.drain
		w.mu.Unlock()

		if stopped && !drain {
			return
		}
		for _, f := range batch {
			f()
		}
		if stopped && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-w.wake
	}
}

// stop запрещает новые задачи. drain=true дорабатывает уже поставленные.
func (w *worker) stop(drain bool) {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.drain = drain
	}
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// wait ждёт выхода горутины.
func (w *worker) wait() { <-w.done }

// loopClock переносит срабатывание таймеров в цикл сессии.
// Остановленный таймер не сработает, даже если его задача уже в очереди.
type loopClock struct {
	inner clock.Clock
	loop  *worker
}

type loopTimer struct {
	inner   clock.Timer
	stopped bool // только из цикла
}

func (c loopClock) Now() time.Time { return c.inner.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	t := &loopTimer{}
	t.inner = c.inner.AfterFunc(d, func() {
		c.loop.post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			f()
		})
	})
	return t
}

func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.inner.Stop()
	return true
}

// loopRunner выполняет HTTP-вызовы в отдельных горутинах и возвращает результат в цикл.
type loopRunner struct {
	ctx  context.Context
	loop *worker
	g    *errgroup.Group
}

func (r loopRunner) Run(call func(ctx context.Context) (any, error), done func(any, error)) {
	r.g.Go(func() error {
		res, err := call(r.ctx)
		r.loop.post(func() { done(res, err) })
		return nil
	})
}
