package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	jsoniter "github.com/json-iterator/go"
)

// MySQLStore is a Store backed by a shared MySQL database, for
// deployments running several exchange processes (or wanting round
// history to survive the machine, not just the process).
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn (see
// github.com/go-sql-driver/mysql's DSN format) and ensures the rounds
// table exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening mysql connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: connecting to mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTable(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTable(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS rounds (
			round_number INT PRIMARY KEY,
			started_at   DATETIME NOT NULL,
			duration_ms  BIGINT NOT NULL,
			visited      TEXT NOT NULL,
			changed      TEXT NOT NULL
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: creating rounds table: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// SaveRound upserts record by RoundNumber.
func (s *MySQLStore) SaveRound(ctx context.Context, record RoundRecord) error {
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
		ON DUPLICATE KEY UPDATE
			started_at = VALUES(started_at),
			duration_ms = VALUES(duration_ms),
			visited = VALUES(visited),
			changed = VALUES(changed)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.RoundNumber, record.StartedAt, record.Duration.Milliseconds(), visited, changed)
	if err != nil {
		return fmt.Errorf("store: saving round %d: %w", record.RoundNumber, err)
	}
	return nil
}

// LoadRound retrieves a saved round by number.
func (s *MySQLStore) LoadRound(ctx context.Context, roundNumber int) (RoundRecord, error) {
	const query = `SELECT round_number, started_at, duration_ms, visited, changed FROM rounds WHERE round_number = ?`
	row := s.db.QueryRowContext(ctx, query, roundNumber)
	return scanRound(row)
}

// RecentRounds returns up to limit rounds, newest first.
func (s *MySQLStore) RecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
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
