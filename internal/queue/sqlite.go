package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store used in production. The database is
// opened lazily on the first operation and memoized for the process
// lifetime, so callers never need an explicit init step.
type SQLiteStore struct {
	path   string
	cipher *Cipher

	once    sync.Once
	initErr error
	db      *sql.DB

	mu     sync.Mutex
	lastTS int64
}

// NewSQLiteStore creates a store backed by the SQLite file at path.
// cipher may be nil; when set, header snapshots are sealed before they
// reach disk.
func NewSQLiteStore(path string, cipher *Cipher) *SQLiteStore {
	return &SQLiteStore{path: path, cipher: cipher}
}

func (s *SQLiteStore) lazyInit() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = fmt.Errorf("queue: open db: %w", err)
			return
		}

		// WAL mode for crash durability without blocking readers
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			s.initErr = fmt.Errorf("queue: wal mode: %w", err)
			return
		}

		if err := migrate(db); err != nil {
			db.Close()
			s.initErr = fmt.Errorf("queue: migrate: %w", err)
			return
		}

		s.db = db
	})
	return s.initErr
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queued_requests (
			id           TEXT PRIMARY KEY,
			method       TEXT NOT NULL,
			url          TEXT NOT NULL,
			body         BLOB,
			content_type TEXT NOT NULL DEFAULT '',
			headers      BLOB,
			ts           INTEGER NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_requests_ts ON queued_requests(ts)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id           TEXT PRIMARY KEY,
			method       TEXT NOT NULL,
			url          TEXT NOT NULL,
			body         BLOB,
			content_type TEXT NOT NULL DEFAULT '',
			headers      BLOB,
			ts           INTEGER NOT NULL,
			retry_count  INTEGER NOT NULL,
			last_error   TEXT NOT NULL,
			abandoned_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// nextTimestamp returns a strictly increasing enqueue clock. Wall time
// can repeat within a nanosecond tick or step backwards; ordering is a
// correctness requirement, so collisions are bumped forward.
func (s *SQLiteStore) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *SQLiteStore) encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal headers: %w", err)
	}
	if s.cipher != nil {
		return s.cipher.Seal(raw), nil
	}
	return raw, nil
}

func (s *SQLiteStore) decodeHeaders(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	raw := blob
	if s.cipher != nil {
		var err error
		raw, err = s.cipher.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("queue: unseal headers: %w", err)
		}
	}
	var h map[string]string
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("queue: unmarshal headers: %w", err)
	}
	return h, nil
}

// Add persists a new request and returns its assigned ID.
func (s *SQLiteStore) Add(ctx context.Context, req Request) (string, error) {
	if err := s.lazyInit(); err != nil {
		return "", err
	}

	req.ID = uuid.New().String()
	req.Timestamp = s.nextTimestamp()
	req.RetryCount = 0

	headers, err := s.encodeHeaders(req.Headers)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queued_requests (id, method, url, body, content_type, headers, ts, retry_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`,
		req.ID, req.Method, req.URL, req.Body, req.ContentType, headers, req.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("queue: insert request: %w", err)
	}
	return req.ID, nil
}

const selectColumns = `id, method, url, body, content_type, headers, ts, retry_count, last_error`

func (s *SQLiteStore) scanRequests(rows *sql.Rows) ([]Request, error) {
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var headers []byte
		if err := rows.Scan(&r.ID, &r.Method, &r.URL, &r.Body, &r.ContentType,
			&headers, &r.Timestamp, &r.RetryCount, &r.LastError); err != nil {
			return nil, fmt.Errorf("queue: scan request: %w", err)
		}
		h, err := s.decodeHeaders(headers)
		if err != nil {
			return nil, err
		}
		r.Headers = h
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: rows iteration: %w", err)
	}
	return out, nil
}

// All returns every pending request.
func (s *SQLiteStore) All(ctx context.Context) ([]Request, error) {
	if err := s.lazyInit(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM queued_requests`)
	if err != nil {
		return nil, fmt.Errorf("queue: query requests: %w", err)
	}
	return s.scanRequests(rows)
}

// ByTimestamp returns every pending request in enqueue order.
func (s *SQLiteStore) ByTimestamp(ctx context.Context) ([]Request, error) {
	if err := s.lazyInit(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM queued_requests ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: query requests: %w", err)
	}
	return s.scanRequests(rows)
}

// Remove deletes a request by ID. Unknown IDs are a no-op.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if err := s.lazyInit(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: delete request: %w", err)
	}
	return nil
}

// Update merges the non-nil fields of patch into the stored request.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) error {
	if err := s.lazyInit(); err != nil {
		return err
	}

	set := ""
	var args []any
	if patch.URL != nil {
		set += "url = ?"
		args = append(args, *patch.URL)
	}
	if patch.RetryCount != nil {
		if set != "" {
			set += ", "
		}
		set += "retry_count = ?"
		args = append(args, *patch.RetryCount)
	}
	if patch.LastError != nil {
		if set != "" {
			set += ", "
		}
		set += "last_error = ?"
		args = append(args, *patch.LastError)
	}
	if set == "" {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE queued_requests SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("queue: update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry atomically bumps retry_count and returns the new value.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	if err := s.lazyInit(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_requests SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("queue: increment retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM queued_requests WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue: read retry count: %w", err)
	}
	return count, nil
}

// Clear empties the pending queue.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if err := s.lazyInit(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_requests`); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}

// Size returns the number of pending requests.
func (s *SQLiteStore) Size(ctx context.Context) (int, error) {
	if err := s.lazyInit(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}

// Bury moves a request into dead_letters with its final error.
func (s *SQLiteStore) Bury(ctx context.Context, id, lastError string) error {
	if err := s.lazyInit(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin bury: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, method, url, body, content_type, headers, ts, retry_count, last_error, abandoned_at)
		 SELECT id, method, url, body, content_type, headers, ts, retry_count, ?, ?
		 FROM queued_requests WHERE id = ?`,
		lastError, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("queue: bury: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: bury delete: %w", err)
	}
	return tx.Commit()
}

// DeadLetters returns abandoned requests, oldest abandonment first.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := s.lazyInit(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+`, abandoned_at FROM dead_letters ORDER BY abandoned_at ASC, ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var headers []byte
		var abandonedAt int64
		if err := rows.Scan(&d.ID, &d.Method, &d.URL, &d.Body, &d.ContentType,
			&headers, &d.Timestamp, &d.RetryCount, &d.LastError, &abandonedAt); err != nil {
			return nil, fmt.Errorf("queue: scan dead letter: %w", err)
		}
		h, err := s.decodeHeaders(headers)
		if err != nil {
			return nil, err
		}
		d.Headers = h
		d.AbandonedAt = time.UnixMilli(abandonedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: rows iteration: %w", err)
	}
	return out, nil
}

// PurgeDeadLetters discards the dead-letter list.
func (s *SQLiteStore) PurgeDeadLetters(ctx context.Context) error {
	if err := s.lazyInit(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`); err != nil {
		return fmt.Errorf("queue: purge dead letters: %w", err)
	}
	return nil
}

// Close closes the database if it was ever opened.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
