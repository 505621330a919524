package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id        INTEGER NOT NULL PRIMARY KEY,
	name      TEXT    NOT NULL DEFAULT '',
	surname   TEXT    NOT NULL DEFAULT '',
	last_seen INTEGER NOT NULL DEFAULT 0
)`

// SQLStore keeps users in a SQLite table keyed by identifier.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the users table.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("load users: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) HasSeen(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user %d: %w", id, err)
	}
	return true, nil
}

func (s *SQLStore) Upsert(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, surname, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			surname = excluded.surname,
			last_seen = excluded.last_seen`,
		u.ID, u.Name, u.Surname, u.LastSeen.Unix())
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, at.Unix(), id); err != nil {
		return fmt.Errorf("touch user %d: %w", id, err)
	}
	return nil
}

// Get returns the stored row for id.
func (s *SQLStore) Get(ctx context.Context, id int64) (User, bool, error) {
	var (
		u        User
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, surname, last_seen FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Surname, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("get user %d: %w", id, err)
	}
	u.LastSeen = time.Unix(lastSeen, 0)
	return u, true, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
