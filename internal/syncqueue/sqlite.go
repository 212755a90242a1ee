package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batches (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	id       TEXT NOT NULL UNIQUE,
	payload  TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	reason  TEXT NOT NULL,
	at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const highWaterKey = "high_water"

// SQLiteStore keeps the outbox in a local SQLite file so pending batches
// survive process restarts.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, xerrors.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("migrate sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return xerrors.Errorf("encode batch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, payload, attempts) VALUES (?, ?, ?)`,
		batch.ID.String(), string(payload), batch.Attempts); err != nil {
		return xerrors.Errorf("insert batch %s: %w", batch.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = MAX(value, excluded.value)`,
		highWaterKey, int64(batch.maxSequence())); err != nil {
		return xerrors.Errorf("record high water: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) HighWater(ctx context.Context) (uint64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, highWaterKey).Scan(&value)
	if xerrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Errorf("query high water: %w", err)
	}
	return uint64(value), nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, attempts FROM batches ORDER BY seq`)
	if err != nil {
		return nil, xerrors.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var payload string
		var attempts int
		if err := rows.Scan(&payload, &attempts); err != nil {
			return nil, xerrors.Errorf("scan batch: %w", err)
		}
		var b Batch
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return nil, xerrors.Errorf("decode batch: %w", err)
		}
		b.Attempts = attempts
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *SQLiteStore) SetAttempts(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET attempts = ? WHERE id = ?`, attempts, id.String())
	if err != nil {
		return xerrors.Errorf("update attempts %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id.String())
	if err != nil {
		return xerrors.Errorf("delete batch %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin dead letter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT payload, attempts FROM batches WHERE id = ?`, id.String()).Scan(&payload, &attempts)
	if xerrors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("load batch %s: %w", id, err)
	}

	var b Batch
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return xerrors.Errorf("decode batch: %w", err)
	}
	b.Attempts = attempts
	encoded, err := json.Marshal(b)
	if err != nil {
		return xerrors.Errorf("encode batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, payload, reason, at) VALUES (?, ?, ?, ?)`,
		id.String(), string(encoded), reason, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return xerrors.Errorf("insert dead letter %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id.String()); err != nil {
		return xerrors.Errorf("delete batch %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, reason, at FROM dead_letters ORDER BY at, id`)
	if err != nil {
		return nil, xerrors.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var payload, reason, at string
		if err := rows.Scan(&payload, &reason, &at); err != nil {
			return nil, xerrors.Errorf("scan dead letter: %w", err)
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(payload), &dl.Batch); err != nil {
			return nil, xerrors.Errorf("decode dead letter: %w", err)
		}
		dl.Reason = reason
		if dl.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, xerrors.Errorf("parse dead letter time: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batches`); err != nil {
		return xerrors.Errorf("clear batches: %w", err)
	}
	return nil
}
