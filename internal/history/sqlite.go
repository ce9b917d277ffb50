package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps history in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  id TEXT NOT NULL,
  node_id TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL,
  data BLOB
);

CREATE INDEX IF NOT EXISTS history_kind_id ON history(kind, id);
CREATE INDEX IF NOT EXISTS history_kind_at ON history(kind, at);
`)
	return err
}

// Write appends r.
func (s *SQLiteStore) Write(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history(kind, id, node_id, state, attempts, error, at, data)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, r.Kind, r.ID, r.NodeID, r.State, r.Attempts, r.Error, r.At.UnixNano(), []byte(r.Data))
	if err != nil {
		return fmt.Errorf("history: insert %s/%s: %w", r.Kind, r.ID, err)
	}
	return nil
}

// Read returns records matching q, oldest first.
func (s *SQLiteStore) Read(ctx context.Context, q Query) ([]Record, error) {
	where := "WHERE kind=?"
	args := []any{q.Kind}
	if q.ID != "" {
		where += " AND id=?"
		args = append(args, q.ID)
	}
	stmt := `
SELECT kind, id, node_id, state, attempts, error, at, data FROM (
  SELECT * FROM history ` + where + ` ORDER BY at DESC, seq DESC`
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	stmt += `
) ORDER BY at ASC, seq ASC;`

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			at   int64
			data []byte
		)
		if err := rows.Scan(&r.Kind, &r.ID, &r.NodeID, &r.State, &r.Attempts, &r.Error, &at, &data); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.At = time.Unix(0, at).UTC()
		if len(data) > 0 {
			r.Data = data
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
