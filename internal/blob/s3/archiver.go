package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"carrybot/internal/domain"
)

// archiveBatchLimit caps how many records one archive pass reads.
const archiveBatchLimit = 10_000

// BlobWriter is the upload surface the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves closed trade-log records older than the retention window
// into JSONL objects, then deletes them from the primary store. The delete
// only runs after the upload succeeded, so a failed upload costs nothing but
// a retry.
type Archiver struct {
	writer BlobWriter
	trades domain.TradeStore
	audit  domain.AuditStore
	// retention is how long closed records stay in the primary store.
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver returns an Archiver. audit may be nil.
func NewArchiver(writer BlobWriter, trades domain.TradeStore, audit domain.AuditStore, retention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		trades:    trades,
		audit:     audit,
		retention: retention,
		logger:    logger.With("component", "archiver"),
	}
}

// ArchiveOnce runs one archive pass and returns how many records it moved.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.retention)
	records, err := a.trades.ListClosedBefore(ctx, cutoff, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := fmt.Sprintf("archive/trades/%s.jsonl", time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	deleted, err := a.trades.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		// The archive object exists; only the cleanup failed. Next pass
		// re-archives the same rows, which is harmless duplication.
		return len(records), fmt.Errorf("s3blob: archive cleanup: %w", err)
	}

	a.logger.Info("trade records archived",
		"count", len(records), "deleted", deleted, "path", path)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "trades_archived", map[string]any{
			"count": len(records), "path": path, "cutoff": cutoff,
		}); err != nil {
			a.logger.Warn("audit log write failed", "error", err)
		}
	}
	return len(records), nil
}

// Run archives on the given interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("archive pass failed", "error", err)
			}
		}
	}
}

// marshalJSONL encodes records one JSON document per line.
func marshalJSONL(records []domain.PositionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
