package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store backed by modernc.org/sqlite (a
// pure-Go driver, so it needs no cgo toolchain). Intended for a single
// exchange process persisting its own round history locally.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// path, enables WAL mode so readers never block the round loop's
// writer, and ensures the rounds table exists. Pass ":memory:" for an
// ephemeral database, useful in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite database: %w", err)
	}
	// SQLite allows exactly one writer; the round loop is already
	// single-threaded about writes, so this just prevents the driver
	// from pooling connections it cannot use concurrently anyway.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTable(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS rounds (
			round_number INTEGER PRIMARY KEY,
			started_at   TIMESTAMP NOT NULL,
			duration_ms  INTEGER NOT NULL,
			visited      TEXT NOT NULL,
			changed      TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: creating rounds table: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRound upserts record by RoundNumber.
func (s *SQLiteStore) SaveRound(ctx context.Context, record RoundRecord) error {
	visited, err := jsoniter.Marshal(record.Visited)
	if err != nil {
		return fmt.Errorf("store: marshaling visited: %w", err)
	}
	changed, err := jsoniter.Marshal(record.Changed)
	if err != nil {
		return fmt.Errorf("store: marshaling changed: %w", err)
	}

	const query = `
		INSERT INTO rounds (round_number, started_at, duration_ms, visited, changed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(round_number) DO UPDATE SET
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			visited = excluded.visited,
			changed = excluded.changed
	`
	_, err = s.db.ExecContext(ctx, query,
		record.RoundNumber, record.StartedAt, record.Duration.Milliseconds(), visited, changed)
	if err != nil {
		return fmt.Errorf("store: saving round %d: %w", record.RoundNumber, err)
	}
	return nil
}

// LoadRound retrieves a saved round by number.
func (s *SQLiteStore) LoadRound(ctx context.Context, roundNumber int) (RoundRecord, error) {
	const query = `SELECT round_number, started_at, duration_ms, visited, changed FROM rounds WHERE round_number = ?`
	row := s.db.QueryRowContext(ctx, query, roundNumber)
	return scanRound(row)
}

// RecentRounds returns up to limit rounds, newest first.
func (s *SQLiteStore) RecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	query := `SELECT round_number, started_at, duration_ms, visited, changed FROM rounds ORDER BY round_number DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying recent rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (RoundRecord, error) {
	var (
		r            RoundRecord
		durationMs   int64
		visitedJSON  string
		changedJSON  string
		startedAtRaw time.Time
	)
	if err := row.Scan(&r.RoundNumber, &startedAtRaw, &durationMs, &visitedJSON, &changedJSON); err != nil {
		if err == sql.ErrNoRows {
			return RoundRecord{}, ErrNotFound
		}
		return RoundRecord{}, fmt.Errorf("store: scanning round: %w", err)
	}
	r.StartedAt = startedAtRaw
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if err := jsoniter.Unmarshal([]byte(visitedJSON), &r.Visited); err != nil {
		return RoundRecord{}, fmt.Errorf("store: unmarshaling visited: %w", err)
	}
	if err := jsoniter.Unmarshal([]byte(changedJSON), &r.Changed); err != nil {
		return RoundRecord{}, fmt.Errorf("store: unmarshaling changed: %w", err)
	}
	return r, nil
}
