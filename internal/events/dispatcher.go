package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/store"
)

// Dispatcher drains the ingest-event outbox into NATS. Events are
// appended to the outbox in the same transaction as the message insert,
// so the dispatcher may replay after a crash; MsgId dedup on the broker
// absorbs the replays.
type Dispatcher struct {
	store     *store.Store
	publisher *Publisher
	log       *logrus.Entry
}

func NewDispatcher(s *store.Store, p *Publisher) *Dispatcher {
	return &Dispatcher{
		store:     s,
		publisher: p,
		log:       logrus.WithField("component", "outbox-dispatcher"),
	}
}

// Run loops until ctx is canceled, publishing pending events in batches.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.log.WithError(err).Error("dequeuing outbox")
			sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("publish failed, scheduling retry")
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.store.MarkOutboxPublished(ctx, msg.ID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Error("marking published")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
