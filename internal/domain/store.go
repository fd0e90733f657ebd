package domain

import (
	"context"
	"time"
)

// TradeStore is the persistent trade log: an append-only record of opened and
// closed legs. The execution orchestrator is the sole writer; the monitor and
// scanner are read-only consumers.
type TradeStore interface {
	Append(ctx context.Context, rec PositionRecord) error
	MarkClosed(ctx context.Context, id string, closedAt time.Time) error
	GetByID(ctx context.Context, id string) (PositionRecord, error)
	// OpenByVenue returns open records for the venue, most recent first.
	OpenByVenue(ctx context.Context, venue Venue) ([]PositionRecord, error)
	// OpenBySymbol returns open records for the symbol across all venues.
	OpenBySymbol(ctx context.Context, symbol string) ([]PositionRecord, error)
	// ListClosedBefore returns closed records with ClosedAt before cutoff,
	// oldest first, for archival.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]PositionRecord, error)
	// DeleteClosedBefore removes archived closed records.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of lifecycle decisions
// (opportunity taken, urgent close, compensating close, degraded start).
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
}
