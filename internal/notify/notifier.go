// Package notify fans operator alerts out to the configured channels
// (Telegram, Discord). Events can be filtered so operators only receive the
// kinds they care about; manual-intervention alerts always go through.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"carrybot/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// titles maps event kinds to a human-readable alert title.
var titles = map[string]string{
	domain.EventOpportunityFound:   "Opportunity",
	domain.EventPositionOpened:     "Position opened",
	domain.EventPositionClosed:     "Position closed",
	domain.EventUrgentClose:        "URGENT close",
	domain.EventManualIntervention: "MANUAL INTERVENTION",
	domain.EventDegradedStart:      "Degraded start",
}

// Notifier dispatches alerts to every configured sender. Delivery failures
// are logged, never propagated: an unreachable Telegram must not stall a
// trade.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier returns a Notifier delivering to senders. Only the listed
// event kinds pass the filter; an empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With("component", "notifier"),
	}
}

// Send delivers message for the given event kind to every sender, subject to
// the event filter. Manual-intervention alerts bypass the filter.
func (n *Notifier) Send(ctx context.Context, event, message string) {
	if event != domain.EventManualIntervention &&
		len(n.events) > 0 && !n.events[event] {
		n.logger.Debug("event filtered out", "event", event)
		return
	}

	title, ok := titles[event]
	if !ok {
		title = event
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				"sender", s.Name(), "event", event, "error", err)
			continue
		}
		n.logger.Debug("notification sent", "sender", s.Name(), "event", event)
	}
}
