package invites

import (
	"context"
	"errors"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/pkg/logger"
)

// Router is what the watcher hands decoded pushes to.
type Router interface {
	ReportInvite(ctx context.Context, inv calls.Invite) error
	Cancel(ctx context.Context, callID string) bool
}

// Watcher turns raw push payloads into invites and cancellations.
//
// Malformed payloads are logged and dropped; pushes are not redelivered,
// so there is nothing to retry.
type Watcher struct {
	router Router
	clock  func() time.Time
}

func NewWatcher(router Router) *Watcher {
	return &Watcher{router: router, clock: time.Now}
}

// HandlePush decodes and routes one payload. The returned message is zero on decode failure.
func (w *Watcher) HandlePush(ctx context.Context, raw []byte) (Message, error) {
	if w.router == nil {
		return Message{}, errors.New("invites: router not configured")
	}
	log := logger.From(ctx)

	msg, err := Decode(raw, w.clock().UTC())
	if err != nil {
		log.Warn("push dropped", "err", err, "bytes", len(raw))
		return Message{}, err
	}

	switch msg.Kind {
	case KindCancellation:
		removed := w.router.Cancel(ctx, msg.Cancellation.CorrelationID)
		log.Info("push cancellation", "call_id", msg.Cancellation.CorrelationID, "reason", msg.Cancellation.Reason, "removed", removed)
		return msg, nil
	default:
		if err := w.router.ReportInvite(ctx, msg.Invite); err != nil {
			log.Warn("invite not reported", "call_id", msg.Invite.ID, "err", err)
			return msg, err
		}
		return msg, nil
	}
}
