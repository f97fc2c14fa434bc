package worker

import (
	"context"
	"log"
	"time"

	"mailpulse/models"
	"mailpulse/utils"
)

// Processor stores one inbound message and reconciles it if it is a reply.
type Processor interface {
	Process(ctx context.Context, pm utils.ParsedMessage) (*models.Message, error)
}

type InboxWorker struct {
	Poller    utils.Poller
	Processor Processor
	Interval  time.Duration
	Logger    *log.Logger
}

func NewInboxWorker(poller utils.Poller, processor Processor, interval time.Duration, logger *log.Logger) *InboxWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &InboxWorker{
		Poller:    poller,
		Processor: processor,
		Interval:  interval,
		Logger:    logger,
	}
}

func (iw *InboxWorker) Start(ctx context.Context) {
	iw.Logger.Println("Starting inbox worker...")
	ticker := time.NewTicker(iw.Interval)
	defer ticker.Stop()

	iw.Poll(ctx)
	for {
		select {
		case <-ticker.C:
			iw.Poll(ctx)
		case <-ctx.Done():
			iw.Logger.Println("Stopping inbox worker...")
			return
		}
	}
}

// Poll fetches unseen mail once and processes each message. A message
// that fails to process is logged and skipped.
func (iw *InboxWorker) Poll(ctx context.Context) int {
	msgs, err := iw.Poller.FetchUnseen(ctx)
	if err != nil {
		iw.Logger.Printf("Failed to fetch inbound mail: %v", err)
		utils.LogError("imap_fetch", err, nil)
		return 0
	}

	processed := 0
	for _, pm := range msgs {
		if ctx.Err() != nil {
			break
		}
		if _, err := iw.Processor.Process(ctx, pm); err != nil {
			iw.Logger.Printf("Failed to process message from %s: %v", pm.From, err)
			utils.LogError("inbound_process", err, map[string]interface{}{
				"from":    pm.From,
				"subject": pm.Subject,
			})
			continue
		}
		processed++
	}
	return processed
}
