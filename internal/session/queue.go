package session

import (
	"context"
	"fmt"
	"sync"

	sheeterr "sheetcore/internal/errors"
)

type queueKey struct{}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// queue runs operations one at a time on a single goroutine, in arrival
// order. Operations submitted from inside a running operation execute inline.
type queue struct {
	tasks   chan task
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

func newQueue(size int) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		tasks:   make(chan task, size),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

func (q *queue) start() {
	go q.loop()
}

func (q *queue) loop() {
	defer close(q.stopped)
	for {
		select {
		case <-q.ctx.Done():
			for {
				select {
				case t := <-q.tasks:
					t.done <- sheeterr.ErrClosed
				default:
					return
				}
			}
		case t := <-q.tasks:
			if q.ctx.Err() != nil {
				t.done <- sheeterr.ErrClosed
				continue
			}
			t.done <- q.run(t)
		}
	}
}

func (q *queue) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session operation panicked: %v", r)
		}
	}()
	return t.fn(context.WithValue(t.ctx, queueKey{}, q))
}

// do runs fn on the queue and waits for its result.
func (q *queue) do(ctx context.Context, fn func(context.Context) error) error {
	if owner, _ := ctx.Value(queueKey{}).(*queue); owner == q {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.tasks <- t:
	case <-q.ctx.Done():
		return sheeterr.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-q.stopped:
		select {
		case err := <-t.done:
			return err
		default:
			return sheeterr.ErrClosed
		}
	}
}

// stop halts the loop after the running operation and fails queued ones.
func (q *queue) stop() {
	q.once.Do(q.cancel)
}
