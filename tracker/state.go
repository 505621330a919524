// Package tracker holds the process-wide analytics state: the current window's request and
// token counters, and the all-time set of observed users.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"vkproxy/store"
)

// persistTimeout bounds one store call. Persistence outlives the request that triggered it.
const persistTimeout = 5 * time.Second

// PersistenceFailure reports a user store operation that did not complete. It never fails the
// response being transformed.
type PersistenceFailure struct {
	Op     string
	UserID int64
	Err    error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist user %d (%s): %v", e.UserID, e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// Snapshot is one window's worth of counters.
type Snapshot struct {
	Requests   uint64
	Bytes      uint64
	Online     int
	UsersTotal int64
}

// State is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	requests uint64
	bytes    uint64
	tokens   map[string]struct{}

	usersMu sync.Mutex
	users   map[int64]time.Time
	total   atomic.Int64

	store  store.UserStore
	logger *slog.Logger
	now    func() time.Time

	// OnNewUser, when set, is called once per newly observed user.
	OnNewUser func()
	// OnSnapshot, when set, receives every summary produced by Run.
	OnSnapshot func(Snapshot)
}

// NewState creates an empty state persisting through st. A nil st keeps users in memory only.
func NewState(st store.UserStore, logger *slog.Logger) *State {
	if st == nil {
		st = store.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		tokens: make(map[string]struct{}),
		users:  make(map[int64]time.Time),
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Hydrate loads every stored identifier into memory. Their last-seen time stays unknown until
// they are observed again.
func (s *State) Hydrate(ctx context.Context) error {
	ids, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("hydrate users: %w", err)
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	for _, id := range ids {
		if _, ok := s.users[id]; !ok {
			s.users[id] = time.Time{}
			s.total.Add(1)
		}
	}
	s.logger.Info("Users loaded", "count", len(ids))
	return nil
}

// RecordRequest counts one request carrying size response bytes.
func (s *State) RecordRequest(size int) {
	s.mu.Lock()
	s.requests++
	if size > 0 {
		s.bytes += uint64(size)
	}
	s.mu.Unlock()
}

// RecordToken adds token to the current window's distinct tokens.
func (s *State) RecordToken(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()
}

// SnapshotAndReset returns the current window and starts a new one.
func (s *State) SnapshotAndReset() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Requests: s.requests,
		Bytes:    s.bytes,
		Online:   len(s.tokens),
	}
	s.requests = 0
	s.bytes = 0
	s.tokens = make(map[string]struct{})
	s.mu.Unlock()

	snap.UsersTotal = s.total.Load()
	return snap
}

// UsersTotal is the number of distinct users ever observed.
func (s *State) UsersTotal() int64 {
	return s.total.Load()
}

// LastSeen returns when id was last observed by this process.
func (s *State) LastSeen(id int64) (time.Time, bool) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	at, ok := s.users[id]
	return at, ok
}

// ObserveUser records a sighting of u and reports whether it was never seen before. The
// check, persist and insert steps run under one lock, so concurrent sightings of the same new
// user classify it as new exactly once. A returned error is a *PersistenceFailure. A user whose
// insert failed stays unknown, and the next sighting tries again.
func (s *State) ObserveUser(ctx context.Context, u store.User) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	now := s.now()

	s.usersMu.Lock()
	if _, ok := s.users[u.ID]; ok {
		s.users[u.ID] = now
		s.usersMu.Unlock()
		return false, s.touch(ctx, u.ID, now)
	}

	seen, err := s.store.HasSeen(ctx, u.ID)
	if err != nil {
		s.logger.Warn("User lookup failed, treating as new", "user", u.ID, "error", err)
	}
	if seen {
		s.remember(u.ID, now)
		s.usersMu.Unlock()
		return false, s.touch(ctx, u.ID, now)
	}
	defer s.usersMu.Unlock()

	// insert and last-seen are coalesced into one idempotent write
	u.LastSeen = now
	if err := s.store.Upsert(ctx, u); err != nil {
		failure := &PersistenceFailure{Op: "upsert", UserID: u.ID, Err: err}
		s.logger.Error("Failed to persist user", "error", failure)
		return false, failure
	}
	s.remember(u.ID, now)

	s.logger.Info("New user", "id", u.ID, "name", u.Name, "surname", u.Surname)
	if s.OnNewUser != nil {
		s.OnNewUser()
	}
	return true, nil
}

// remember adds id to the in-memory set. usersMu must be held.
func (s *State) remember(id int64, at time.Time) {
	s.users[id] = at
	s.total.Add(1)
}

func (s *State) touch(ctx context.Context, id int64, at time.Time) error {
	if err := s.store.Touch(ctx, id, at); err != nil {
		failure := &PersistenceFailure{Op: "touch", UserID: id, Err: err}
		s.logger.Error("Failed to update last seen", "error", failure)
		return failure
	}
	return nil
}

// Run logs a summary and resets the window every interval until ctx is done.
func (s *State) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report(s.SnapshotAndReset())
		}
	}
}

func (s *State) report(snap Snapshot) {
	s.logger.Info(fmt.Sprintf("Requests: %s. Users online: %s. Users total: %s. Traffic: %s",
		humanize.Comma(int64(snap.Requests)),
		humanize.Comma(int64(snap.Online)),
		humanize.Comma(snap.UsersTotal),
		humanize.Bytes(snap.Bytes)))
	if s.OnSnapshot != nil {
		s.OnSnapshot(snap)
	}
}
