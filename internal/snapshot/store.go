// Package snapshot persists the last-known device coordinates so the app can
// decide at startup whether to begin in browse mode.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaberg/nova-driver/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS last_location (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	accuracy_m REAL NOT NULL,
	fix_at INTEGER NOT NULL,
	saved_at INTEGER NOT NULL
)`

// Store is a single-row SQLite table holding the newest fix.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; the location watch is the only producer.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save replaces the stored fix.
func (s *Store) Save(ctx context.Context, c domain.Coordinates) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	fixAt := c.FixTimestamp
	if fixAt.IsZero() {
		fixAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO last_location (id, lat, lng, accuracy_m, fix_at, saved_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			accuracy_m = excluded.accuracy_m,
			fix_at = excluded.fix_at,
			saved_at = excluded.saved_at`,
		c.Lat, c.Lng, c.AccuracyMeters, fixAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored fix; ok is false when nothing was saved yet.
func (s *Store) Load(ctx context.Context) (domain.Coordinates, bool, error) {
	if s == nil || s.sqlDB == nil {
		return domain.Coordinates{}, false, fmt.Errorf("snapshot store is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT lat, lng, accuracy_m, fix_at FROM last_location WHERE id = 1`)

	var c domain.Coordinates
	var fixAt int64
	if err := row.Scan(&c.Lat, &c.Lng, &c.AccuracyMeters, &fixAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Coordinates{}, false, nil
		}
		return domain.Coordinates{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	c.FixTimestamp = time.UnixMilli(fixAt).UTC()
	return c, true, nil
}

// Bootstrap is the startup decision derived from the snapshot.
type Bootstrap struct {
	Browse bool
	Seed   *domain.Coordinates
}

// Decide starts in browse mode unless a fix younger than maxAge exists.
func Decide(c domain.Coordinates, ok bool, now time.Time, maxAge time.Duration) Bootstrap {
	if !ok || now.Sub(c.FixTimestamp) > maxAge {
		return Bootstrap{Browse: true}
	}
	seed := c
	return Bootstrap{Seed: &seed}
}
