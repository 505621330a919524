// Package store persists the set of users the proxy has ever seen.
package store

import (
	"context"
	"time"
)

// User is one row of the seen users table.
type User struct {
	ID       int64
	Name     string
	Surname  string
	LastSeen time.Time
}

// UserStore is the durable backing of the all-time users set. Implementations must be
// safe for concurrent use; Upsert and Touch are idempotent.
type UserStore interface {
	// Load returns every stored identifier, used to hydrate memory at startup.
	Load(ctx context.Context) ([]int64, error)
	// HasSeen reports whether id is already stored.
	HasSeen(ctx context.Context, id int64) (bool, error)
	// Upsert inserts or replaces the user, including its last-seen time.
	Upsert(ctx context.Context, u User) error
	// Touch refreshes the last-seen time of id.
	Touch(ctx context.Context, id int64, at time.Time) error
	Close() error
}

// Nop keeps nothing; the in-memory set stays the only record.
type Nop struct{}

func (Nop) Load(context.Context) ([]int64, error) { return nil, nil }

func (Nop) HasSeen(context.Context, int64) (bool, error) { return false, nil }

func (Nop) Upsert(context.Context, User) error { return nil }

func (Nop) Touch(context.Context, int64, time.Time) error { return nil }

func (Nop) Close() error { return nil }
