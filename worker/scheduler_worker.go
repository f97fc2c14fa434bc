package worker

import (
	"context"
	"log"
	"time"

	"mailpulse/utils"
)

// Dispatcher sends scheduled messages that have come due.
type Dispatcher interface {
	DispatchDue(ctx context.Context) (int, error)
}

type SchedulerWorker struct {
	Dispatcher Dispatcher
	Interval   time.Duration
	Logger     *log.Logger
}

func NewSchedulerWorker(dispatcher Dispatcher, interval time.Duration, logger *log.Logger) *SchedulerWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SchedulerWorker{
		Dispatcher: dispatcher,
		Interval:   interval,
		Logger:     logger,
	}
}

// Start checks for due messages on every tick until ctx is cancelled.
func (sw *SchedulerWorker) Start(ctx context.Context) {
	sw.Logger.Println("Scheduler worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	sw.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Scheduler worker shutting down...")
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single dispatch pass.
func (sw *SchedulerWorker) RunOnce(ctx context.Context) int {
	sent, err := sw.Dispatcher.DispatchDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.Logger.Printf("Error dispatching scheduled emails: %v", err)
			utils.LogError("scheduler_dispatch", err, nil)
		}
		return sent
	}
	if sent > 0 {
		sw.Logger.Printf("Dispatched %d scheduled emails", sent)
	}
	return sent
}
