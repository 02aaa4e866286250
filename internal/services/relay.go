package services

import (
	"context"
	"fmt"

	"tracker/internal/amqp"
	applog "tracker/internal/log"
	"tracker/internal/store"
)

// Publisher sends change notifications to other instances.
type Publisher interface {
	PublishChange(ctx context.Context, msg *amqp.ChangeMessage) error
}

// ChangeNotifier is a store.Notifier that relays local writes to other
// instances. Publish failures are logged; the write has already succeeded.
type ChangeNotifier struct {
	publisher Publisher
	origin    string
	logger    *applog.Logger
}

func NewChangeNotifier(publisher Publisher, origin string, logger *applog.Logger) *ChangeNotifier {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &ChangeNotifier{
		publisher: publisher,
		origin:    origin,
		logger:    logger.WithComponent(applog.ComponentAMQP),
	}
}

func (n *ChangeNotifier) Changed(ctx context.Context, ownerID string) {
	if n.publisher == nil {
		return
	}
	msg := amqp.NewChangeMessage(ownerID, "", amqp.OpChanged, n.origin)
	if err := n.publisher.PublishChange(ctx, msg); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish change message",
			applog.FieldOwnerID, ownerID,
			applog.FieldError, err)
	}
}

// RelayHandler applies change messages from other instances to the local
// feed. Messages this instance published itself are skipped.
type RelayHandler struct {
	target store.Notifier
	origin string
	logger *applog.Logger
}

func NewRelayHandler(target store.Notifier, origin string, logger *applog.Logger) *RelayHandler {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &RelayHandler{
		target: target,
		origin: origin,
		logger: logger.WithComponent(applog.ComponentAMQP),
	}
}

// Handle matches the amqp.Client consumer signature.
func (h *RelayHandler) Handle(ctx context.Context, msg *amqp.ChangeMessage) error {
	if msg == nil || msg.OwnerID == "" {
		return fmt.Errorf("change message without owner")
	}
	if msg.Origin == h.origin {
		return nil
	}
	h.logger.DebugContext(ctx, "Applying remote change",
		applog.FieldOwnerID, msg.OwnerID,
		applog.FieldOrigin, msg.Origin,
		applog.FieldOperation, msg.Operation)
	h.target.Changed(ctx, msg.OwnerID)
	return nil
}
