package bridge

import (
	"context"
	"errors"

	"github.com/matthewbaird/nbcopilot/internal/wire"
)

// errQueueStopped is returned by push after stop.
var errQueueStopped = errors.New("bridge: queue stopped")

// queue hands a connection's messages to a single consumer goroutine so each
// one is fully processed before the next starts.
type queue struct {
	items   chan wire.Message
	stopped chan struct{}
	done    chan struct{}
}

func newQueue(bufSize int) *queue {
	if bufSize < 1 {
		bufSize = 64
	}
	return &queue{
		items:   make(chan wire.Message, bufSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// push blocks while the buffer is full. Dropping would reorder edits.
func (q *queue) push(ctx context.Context, msg wire.Message) error {
	select {
	case <-q.stopped:
		return errQueueStopped
	default:
	}
	select {
	case q.items <- msg:
		return nil
	case <-q.stopped:
		return errQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs handle for each message until stop. Messages already queued
// when stop is called are still handled.
func (q *queue) start(ctx context.Context, handle func(context.Context, wire.Message)) {
	go func() {
		defer close(q.done)
		for {
			select {
			case msg := <-q.items:
				handle(ctx, msg)
			case <-q.stopped:
				for {
					select {
					case msg := <-q.items:
						handle(ctx, msg)
					default:
						return
					}
				}
			}
		}
	}()
}

// stop must be called once, after the last push, and waits for the consumer
// to drain.
func (q *queue) stop() {
	close(q.stopped)
	<-q.done
}
