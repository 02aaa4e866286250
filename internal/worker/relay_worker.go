// Package worker runs the background loop that keeps this instance's live
// lists in step with writes made on other instances.
package worker

import (
	"context"
	"errors"
	"time"

	"tracker/internal/amqp"
	applog "tracker/internal/log"
)

// Consumer delivers relayed change messages until ctx is done.
type Consumer interface {
	ConsumeChanges(ctx context.Context, handler func(context.Context, *amqp.ChangeMessage) error) error
}

// LiveFeed is the local feed the worker refreshes.
type LiveFeed interface {
	Changed(ctx context.Context, ownerID string)
	Owners() []string
}

// RelayWorker consumes the change relay and periodically re-runs every
// live query, so a message lost while the broker was unreachable only
// delays an update until the next resync.
type RelayWorker struct {
	consumer       Consumer
	handler        func(context.Context, *amqp.ChangeMessage) error
	feed           LiveFeed
	resyncInterval time.Duration
	logger         *applog.Logger
}

// NewRelayWorker builds a worker. consumer and handler may be nil when the
// relay is off; resyncInterval <= 0 disables the periodic resync.
func NewRelayWorker(consumer Consumer, handler func(context.Context, *amqp.ChangeMessage) error, feed LiveFeed, resyncInterval time.Duration, logger *applog.Logger) *RelayWorker {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &RelayWorker{
		consumer:       consumer,
		handler:        handler,
		feed:           feed,
		resyncInterval: resyncInterval,
		logger:         logger.WithComponent(applog.ComponentAMQP),
	}
}

// Run blocks until ctx is done or the consumer fails for good. A cancelled
// context is a clean stop and returns nil.
func (w *RelayWorker) Run(ctx context.Context) error {
	if w.consumer == nil || w.handler == nil {
		w.logger.Info("Change relay disabled, worker idle")
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.resyncLoop(ctx)
	}()

	w.logger.Info("Relay worker started", "resync_interval", w.resyncInterval)
	err := w.consumer.ConsumeChanges(ctx, w.handler)
	cancel()
	<-done

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.logger.Info("Relay worker stopped")
		return nil
	}
	return err
}

// Resync re-runs the live query of every subscribed owner and returns how
// many owners were refreshed.
func (w *RelayWorker) Resync(ctx context.Context) int {
	if w.feed == nil {
		return 0
	}
	owners := w.feed.Owners()
	for _, owner := range owners {
		w.feed.Changed(ctx, owner)
	}
	if len(owners) > 0 {
		w.logger.DebugContext(ctx, "Resynced live lists", applog.FieldCount, len(owners))
	}
	return len(owners)
}

func (w *RelayWorker) resyncLoop(ctx context.Context) {
	if w.resyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Resync(ctx)
		case <-ctx.Done():
			return
		}
	}
}
