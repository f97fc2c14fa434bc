package events

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

var ErrBufferFull = errors.New("event buffer full")

// AsyncPublisher queues events and delivers them from a single goroutine
// so that a slow subscriber never stalls the caller. Events are dropped
// when the queue is full.
type AsyncPublisher struct {
	next    Publisher
	queue   chan Event
	logger  *log.Logger
	dropped atomic.Int64
}

func NewAsyncPublisher(next Publisher, size int, logger *log.Logger) *AsyncPublisher {
	if size <= 0 {
		size = 1
	}
	return &AsyncPublisher{
		next:   next,
		queue:  make(chan Event, size),
		logger: logger,
	}
}

func (a *AsyncPublisher) Publish(_ context.Context, evt Event) error {
	if evt.SentAt.IsZero() {
		evt.SentAt = time.Now()
	}
	select {
	case a.queue <- evt:
		return nil
	default:
		a.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *AsyncPublisher) Dropped() int64 {
	return a.dropped.Load()
}

// Run delivers queued events until ctx is cancelled.
func (a *AsyncPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-a.queue:
			if err := a.next.Publish(ctx, evt); err != nil {
				a.logger.Printf("Failed to deliver %s event to user %d: %v", evt.Type, evt.UserID, err)
			}
		}
	}
}
