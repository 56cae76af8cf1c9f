package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ouka/pkg/activity"
	"ouka/pkg/delivery"
	"ouka/pkg/federation"
)

// InboxHandler processes an authenticated activity delivered to a local
// actor's inbox. Errors wrapping activity.ErrValidation are reported to the
// sender as 400.
type InboxHandler interface {
	HandleInbox(ctx context.Context, local *federation.LocalActor, sender federation.Actor, doc activity.Document) error
}

// InboxHandlerFunc adapts a function to InboxHandler.
type InboxHandlerFunc func(ctx context.Context, local *federation.LocalActor, sender federation.Actor, doc activity.Document) error

func (f InboxHandlerFunc) HandleInbox(ctx context.Context, local *federation.LocalActor, sender federation.Actor, doc activity.Document) error {
	return f(ctx, local, sender, doc)
}

// FollowResponder accepts every Follow of a local actor. Other activities
// are acknowledged and dropped.
type FollowResponder struct {
	queue  Enqueuer
	logger *zap.Logger
}

func NewFollowResponder(queue Enqueuer, logger *zap.Logger) *FollowResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowResponder{queue: queue, logger: logger}
}

func (f *FollowResponder) HandleInbox(ctx context.Context, local *federation.LocalActor, sender federation.Actor, doc activity.Document) error {
	if doc.Type() != "Follow" {
		f.logger.Debug("Ignoring inbox activity",
			zap.String("actor", local.URI()),
			zap.String("sender", sender.URI()),
			zap.String("type", doc.Type()))
		return nil
	}

	if object := doc.Object(); federation.NormalizeURI(object) != local.URI() {
		return fmt.Errorf("%w: follow of %q delivered to %s", activity.ErrValidation, object, local.URI())
	}

	accept, err := activity.NewAccept(local.URI(), doc)
	if err != nil {
		return err
	}
	if err := f.queue.Enqueue(delivery.Job{
		Source:    local,
		Activity:  accept,
		Receivers: []string{sender.URI()},
	}); err != nil {
		return fmt.Errorf("failed to queue accept: %w", err)
	}

	f.logger.Info("Accepted follow",
		zap.String("actor", local.URI()),
		zap.String("follower", sender.URI()))
	return nil
}
