package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carrybot/internal/domain"
)

// TradeStore implements domain.TradeStore on PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore returns a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, pair_id, symbol, venue, side, status,
	size_usd, entry_price, leverage, opened_at, closed_at`

func scanTradeRow(row pgx.Row) (domain.PositionRecord, error) {
	var rec domain.PositionRecord
	var venue, side, status string
	err := row.Scan(
		&rec.ID, &rec.PairID, &rec.Symbol, &venue, &side, &status,
		&rec.SizeUSD, &rec.EntryPrice, &rec.Leverage, &rec.OpenedAt, &rec.ClosedAt,
	)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	rec.Venue = domain.Venue(venue)
	rec.Side = domain.Side(side)
	rec.Status = domain.PositionStatus(status)
	return rec, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.PositionRecord, error) {
	defer rows.Close()
	var out []domain.PositionRecord
	for rows.Next() {
		rec, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append inserts a new leg record.
func (s *TradeStore) Append(ctx context.Context, rec domain.PositionRecord) error {
	const query = `
		INSERT INTO trade_log (
			id, pair_id, symbol, venue, side, status,
			size_usd, entry_price, leverage, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PairID, rec.Symbol, string(rec.Venue), string(rec.Side), string(rec.Status),
		rec.SizeUSD, rec.EntryPrice, rec.Leverage, rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: append trade %s on %s/%s: %w",
				rec.ID, rec.Venue, rec.Symbol, domain.ErrPositionOpen)
		}
		return fmt.Errorf("postgres: append trade %s: %w", rec.ID, err)
	}
	return nil
}

// isUniqueViolation reports whether err is the idx_trade_log_open_unique
// constraint firing: a second open leg for the same venue and symbol.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// MarkClosed flips an open record to closed.
func (s *TradeStore) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	const query = `
		UPDATE trade_log SET status = 'closed', closed_at = $2
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark closed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark closed %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches one record.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+tradeCols+" FROM trade_log WHERE id = $1", id)
	rec, err := scanTradeRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PositionRecord{}, fmt.Errorf("postgres: trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return rec, nil
}

// OpenByVenue returns open records for a venue, most recent first.
func (s *TradeStore) OpenByVenue(ctx context.Context, venue domain.Venue) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeCols+" FROM trade_log WHERE venue = $1 AND status = 'open' ORDER BY opened_at DESC",
		string(venue))
	if err != nil {
		return nil, fmt.Errorf("postgres: open by venue %s: %w", venue, err)
	}
	return scanTradeRows(rows)
}

// OpenBySymbol returns open records for a symbol across venues.
func (s *TradeStore) OpenBySymbol(ctx context.Context, symbol string) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeCols+" FROM trade_log WHERE symbol = $1 AND status = 'open' ORDER BY opened_at DESC",
		symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: open by symbol %s: %w", symbol, err)
	}
	return scanTradeRows(rows)
}

// ListClosedBefore returns closed records older than cutoff, oldest first.
func (s *TradeStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeCols+" FROM trade_log WHERE status = 'closed' AND closed_at < $1 ORDER BY closed_at ASC LIMIT $2",
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before %s: %w", cutoff, err)
	}
	return scanTradeRows(rows)
}

// DeleteClosedBefore removes archived closed records and reports how many.
func (s *TradeStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM trade_log WHERE status = 'closed' AND closed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
