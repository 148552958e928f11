package spool

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/hublink/internal/infrastructure/config"
)

// Spool configuration constants.
const (
	// dirPermissions is the permission mode for the spool directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the spool file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying spool connectivity.
	connectionTimeout = 5 * time.Second
)

// schema creates the outbox table. Entries drain in insertion order; the
// created_at column carries a nanosecond timestamp for that ordering.
const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	qos        INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_created_at ON outbox(created_at);
`

// Spool is a store-and-forward buffer for telemetry published while the hub
// connection is down.
//
// Entries persist across restarts: events spooled before a crash still
// publish once the agent reconnects. The spool is bounded; beyond MaxEntries
// the oldest entries are pruned to make room for new ones.
//
// Thread Safety:
//   - All methods are safe for concurrent use (single sqlite writer).
type Spool struct {
	db         *sql.DB
	path       string
	maxEntries int
}

// Open creates or opens a spool database at the configured path.
//
// It performs the following setup:
//  1. Creates the spool directory if it doesn't exist
//  2. Opens the database file with WAL mode and busy timeout
//  3. Creates the outbox table if not present
//  4. Sets appropriate file permissions (0600)
//
// Parameters:
//   - cfg: Spool configuration from config.yaml
//
// Returns:
//   - *Spool: Ready spool
//   - error: If the database cannot be opened or initialized
func Open(cfg config.SpoolConfig) (*Spool, error) {
	// Ensure directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	// Build connection string with pragmas
	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening spool database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying spool database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("initializing spool schema: %w", err)
	}

	// Set file permissions (owner read/write only)
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional: first run creates file later

	return &Spool{
		db:         db,
		path:       cfg.Path,
		maxEntries: cfg.MaxEntries,
	}, nil
}

// Enqueue stores one event for later publishing.
//
// When the spool is at capacity, the oldest entries are pruned first: recent
// telemetry is worth more than stale telemetry.
//
// Parameters:
//   - topic: The fully built telemetry topic
//   - payload: The serialized event body
//   - qos: The QoS the event would have been published with
//
// Returns:
//   - error: If the insert or prune fails
func (s *Spool) Enqueue(topic string, payload []byte, qos byte) error {
	if s.maxEntries > 0 {
		if err := s.pruneFor(1); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox (id, topic, payload, qos, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), topic, payload, qos, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	return nil
}

// pruneFor removes the oldest entries so that headroom new inserts fit
// within maxEntries.
func (s *Spool) pruneFor(headroom int) error {
	count, err := s.Len()
	if err != nil {
		return err
	}
	excess := count + headroom - s.maxEntries
	if excess <= 0 {
		return nil
	}

	_, err = s.db.Exec(
		`DELETE FROM outbox WHERE id IN (
			SELECT id FROM outbox ORDER BY created_at ASC, rowid ASC LIMIT ?
		)`,
		excess,
	)
	if err != nil {
		return fmt.Errorf("pruning spool: %w", err)
	}
	return nil
}

// Drain publishes every spooled entry in insertion order, removing each as
// it succeeds.
//
// Drain stops at the first publish failure and leaves the remaining entries
// in place for the next attempt; the failed entry is also kept.
//
// Parameters:
//   - publish: The transport publish function
//
// Returns:
//   - int: Number of entries successfully published and removed
//   - error: The publish or database error that stopped the drain
func (s *Spool) Drain(publish func(topic string, payload []byte, qos byte) error) (int, error) {
	rows, err := s.db.Query(`SELECT id, topic, payload, qos FROM outbox ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return 0, fmt.Errorf("reading spool: %w", err)
	}

	type entry struct {
		id      string
		topic   string
		payload []byte
		qos     byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.topic, &e.payload, &e.qos); err != nil {
			rows.Close() //nolint:errcheck // Best effort cleanup on error path
			return 0, fmt.Errorf("scanning spool entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("reading spool: %w", err)
	}

	published := 0
	for _, e := range entries {
		if err := publish(e.topic, e.payload, e.qos); err != nil {
			return published, fmt.Errorf("publishing spooled event: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, e.id); err != nil {
			return published, fmt.Errorf("removing spooled event: %w", err)
		}
		published++
	}
	return published, nil
}

// Len returns the number of spooled entries.
func (s *Spool) Len() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting spool entries: %w", err)
	}
	return count, nil
}

// HealthCheck verifies the spool database is reachable.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Spool) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("spool health check: %w", err)
	}
	return nil
}

// Close closes the spool database.
func (s *Spool) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing spool database: %w", err)
	}
	return nil
}

// Path returns the spool file path.
func (s *Spool) Path() string {
	return s.path
}
