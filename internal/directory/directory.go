// Package directory maintains an in-memory snapshot of per-venue market
// parameters with an on-disk JSON backup for cold starts.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"carrybot/internal/domain"
)

type key struct {
	venue  domain.Venue
	symbol string
}

// Directory caches market parameters for every tracked symbol on every
// configured venue. Reads are lock-free against a snapshot map that Refresh
// swaps atomically, so a slow refresh never blocks the scanner.
type Directory struct {
	readers []domain.VenueReader
	symbols []string
	logger  *slog.Logger

	mu       sync.RWMutex
	snapshot map[key]domain.MarketParams
	updated  time.Time
}

// New returns a Directory over the given venue readers and tracked symbols.
// The snapshot is empty until Refresh or LoadFile succeeds.
func New(readers []domain.VenueReader, symbols []string, logger *slog.Logger) *Directory {
	return &Directory{
		readers:  readers,
		symbols:  symbols,
		logger:   logger.With("component", "directory"),
		snapshot: make(map[key]domain.MarketParams),
	}
}

// Get returns the cached parameters for symbol on venue. It returns
// domain.ErrNotFound when the pair is not in the current snapshot.
func (d *Directory) Get(venue domain.Venue, symbol string) (domain.MarketParams, error) {
	d.mu.RLock()
	p, ok := d.snapshot[key{venue, symbol}]
	d.mu.RUnlock()
	if !ok {
		return domain.MarketParams{}, fmt.Errorf("market %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	return p, nil
}

// All returns a copy of the current snapshot.
func (d *Directory) All() []domain.MarketParams {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.MarketParams, 0, len(d.snapshot))
	for _, p := range d.snapshot {
		out = append(out, p)
	}
	return out
}

// LastUpdated reports when the snapshot was last replaced. The zero time
// means no refresh or load has succeeded yet.
func (d *Directory) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updated
}

// Refresh fetches fresh parameters from every venue concurrently and builds
// a new snapshot. Entries for a venue that is unreachable are carried over
// from the previous snapshot so one venue outage does not blank the others.
// The swap happens only after all fetches settle; readers observing the
// directory mid-refresh always see a complete snapshot.
func (d *Directory) Refresh(ctx context.Context) error {
	next := make(map[key]domain.MarketParams, len(d.readers)*len(d.symbols))
	var nextMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	failed := make([]bool, len(d.readers))
	for i, r := range d.readers {
		g.Go(func() error {
			for _, sym := range d.symbols {
				p, err := r.GetMarketParams(gctx, sym)
				if err != nil {
					if errors.Is(err, domain.ErrNotFound) {
						// Venue does not list this symbol.
						continue
					}
					d.logger.Warn("market params fetch failed",
						"venue", r.Venue(), "symbol", sym, "error", err)
					failed[i] = true
					continue
				}
				p.FetchedAt = time.Now().UTC()
				nextMu.Lock()
				next[key{r.Venue(), sym}] = p
				nextMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	for i, r := range d.readers {
		if !failed[i] {
			continue
		}
		for _, sym := range d.symbols {
			k := key{r.Venue(), sym}
			if _, fresh := next[k]; fresh {
				continue
			}
			if prev, ok := d.snapshot[k]; ok {
				next[k] = prev
			}
		}
	}
	d.snapshot = next
	d.updated = time.Now().UTC()
	d.mu.Unlock()

	d.logger.Info("market directory refreshed", "markets", len(next))
	return nil
}

// fileSnapshot is the on-disk JSON shape.
type fileSnapshot struct {
	UpdatedAt time.Time             `json:"updated_at"`
	Markets   []domain.MarketParams `json:"markets"`
}

// SaveFile writes the current snapshot to path. The write goes through a
// temp file and rename so a crash never leaves a truncated snapshot behind.
func (d *Directory) SaveFile(path string) error {
	d.mu.RLock()
	snap := fileSnapshot{
		UpdatedAt: d.updated,
		Markets:   make([]domain.MarketParams, 0, len(d.snapshot)),
	}
	for _, p := range d.snapshot {
		snap.Markets = append(snap.Markets, p)
	}
	d.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal market snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write market snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace market snapshot: %w", err)
	}
	return nil
}

// LoadFile replaces the snapshot with the contents of a previously saved
// file. A missing or corrupt file is reported but treated as a degraded
// start: the directory stays empty and the next Refresh repopulates it.
func (d *Directory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Warn("no market snapshot on disk, starting empty", "path", path)
			return nil
		}
		return fmt.Errorf("read market snapshot: %w", err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		d.logger.Warn("market snapshot corrupt, starting empty", "path", path, "error", err)
		return nil
	}

	next := make(map[key]domain.MarketParams, len(snap.Markets))
	for _, p := range snap.Markets {
		next[key{p.Venue, p.Symbol}] = p
	}
	d.mu.Lock()
	d.snapshot = next
	d.updated = snap.UpdatedAt
	d.mu.Unlock()

	d.logger.Info("market directory loaded from disk",
		"markets", len(next), "snapshot_age", time.Since(snap.UpdatedAt).Round(time.Second))
	return nil
}
