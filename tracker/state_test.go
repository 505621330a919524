package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkproxy/store"
)

// countingStore records every call and can fail on demand.
type countingStore struct {
	mu      sync.Mutex
	ids     map[int64]bool
	inserts int
	touches map[int64]int
	delay   time.Duration
	fail    error
}

func newCountingStore(ids ...int64) *countingStore {
	s := &countingStore{ids: make(map[int64]bool), touches: make(map[int64]int)}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *countingStore) Load(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.ids {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *countingStore) HasSeen(_ context.Context, id int64) (bool, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id], nil
}

func (s *countingStore) Upsert(_ context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.ids[u.ID] = true
	s.inserts++
	return nil
}

func (s *countingStore) Touch(_ context.Context, id int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.touches[id]++
	return nil
}

func (s *countingStore) Close() error { return nil }

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestObserveUserConcurrentDistinctUsers(t *testing.T) {
	var buf bytes.Buffer
	st := newCountingStore()
	st.delay = time.Millisecond
	state := NewState(st, bufferLogger(&buf))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		newCount int
	)
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			isNew, err := state.ObserveUser(context.Background(), store.User{ID: id})
			assert.NoError(t, err)
			if isNew {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 100, newCount)
	assert.Equal(t, 100, st.inserts)
	assert.Equal(t, 100, strings.Count(buf.String(), "New user"))
	assert.Equal(t, int64(100), state.UsersTotal())
}

func TestObserveUserSameUserRace(t *testing.T) {
	var buf bytes.Buffer
	st := newCountingStore()
	st.delay = time.Millisecond
	state := NewState(st, bufferLogger(&buf))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := state.ObserveUser(context.Background(), store.User{ID: 1, Name: "Ivan"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, st.inserts)
	assert.Equal(t, 49, st.touches[1])
	assert.Equal(t, 1, strings.Count(buf.String(), "New user"))
}

func TestObserveUserReplayOnlyTouches(t *testing.T) {
	st := newCountingStore()
	state := NewState(st, bufferLogger(&bytes.Buffer{}))

	clock := time.Unix(1000, 0)
	state.now = func() time.Time { return clock }

	isNew, err := state.ObserveUser(context.Background(), store.User{ID: 5})
	require.NoError(t, err)
	assert.True(t, isNew)

	clock = clock.Add(time.Minute)
	isNew, err = state.ObserveUser(context.Background(), store.User{ID: 5})
	require.NoError(t, err)
	assert.False(t, isNew)

	assert.Equal(t, 1, st.inserts)
	assert.Equal(t, 1, st.touches[5])
	seen, ok := state.LastSeen(5)
	require.True(t, ok)
	assert.Equal(t, clock, seen)
}

func TestObserveUserKnownToStore(t *testing.T) {
	st := newCountingStore(9)
	state := NewState(st, bufferLogger(&bytes.Buffer{}))

	isNew, err := state.ObserveUser(context.Background(), store.User{ID: 9})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Zero(t, st.inserts)
	assert.Equal(t, 1, st.touches[9])
	assert.Equal(t, int64(1), state.UsersTotal())
}

func TestObserveUserPersistenceFailure(t *testing.T) {
	var buf bytes.Buffer
	st := newCountingStore()
	st.fail = errors.New("disk full")
	state := NewState(st, bufferLogger(&buf))

	isNew, err := state.ObserveUser(context.Background(), store.User{ID: 3})
	assert.False(t, isNew)

	var failure *PersistenceFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "upsert", failure.Op)
	assert.Equal(t, int64(3), failure.UserID)

	_, ok := state.LastSeen(3)
	assert.False(t, ok)
	assert.Zero(t, state.UsersTotal())
	assert.Contains(t, buf.String(), "Failed to persist user")
	assert.NotContains(t, buf.String(), "New user")
}

func TestObserveUserRetriesInsertAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	st := newCountingStore()
	st.fail = errors.New("disk full")
	state := NewState(st, bufferLogger(&buf))

	_, err := state.ObserveUser(context.Background(), store.User{ID: 3})
	require.Error(t, err)

	st.mu.Lock()
	st.fail = nil
	st.mu.Unlock()

	isNew, err := state.ObserveUser(context.Background(), store.User{ID: 3, Name: "Pavel"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 1, st.inserts)
	assert.Zero(t, st.touches[3])
	assert.True(t, st.ids[3])
	assert.Equal(t, int64(1), state.UsersTotal())
	assert.Equal(t, 1, strings.Count(buf.String(), "New user"))

	// persisted now, later sightings only touch
	isNew, err = state.ObserveUser(context.Background(), store.User{ID: 3})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 1, st.inserts)
	assert.Equal(t, 1, st.touches[3])
}

func TestObserveUserRetriesWithFileStore(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "missing", "users.json")
	fs, err := store.OpenFile(blocked)
	require.NoError(t, err)
	state := NewState(fs, bufferLogger(&bytes.Buffer{}))

	// the parent directory does not exist yet, so the write fails
	_, err = state.ObserveUser(context.Background(), store.User{ID: 9})
	require.Error(t, err)
	seen, err := fs.HasSeen(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "missing"), 0o755))

	isNew, err := state.ObserveUser(context.Background(), store.User{ID: 9})
	require.NoError(t, err)
	assert.True(t, isNew)
	seen, err = fs.HasSeen(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, seen)

	reopened, err := store.OpenFile(blocked)
	require.NoError(t, err)
	ids, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)
}

func TestObserveUserSurvivesCanceledRequest(t *testing.T) {
	st := newCountingStore()
	state := NewState(st, bufferLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := state.ObserveUser(ctx, store.User{ID: 11})
	require.NoError(t, err)
	assert.Equal(t, 1, st.inserts)
}

func TestHydrate(t *testing.T) {
	state := NewState(newCountingStore(1, 2, 3), bufferLogger(&bytes.Buffer{}))
	require.NoError(t, state.Hydrate(context.Background()))
	assert.Equal(t, int64(3), state.UsersTotal())

	isNew, err := state.ObserveUser(context.Background(), store.User{ID: 2})
	require.NoError(t, err)
	assert.False(t, isNew)
}

func TestRecordAndSnapshot(t *testing.T) {
	state := NewState(nil, bufferLogger(&bytes.Buffer{}))

	state.RecordRequest(100)
	state.RecordToken("a")
	state.RecordRequest(50)
	state.RecordToken("b")
	state.RecordRequest(0)
	state.RecordToken("a")
	state.RecordRequest(10)
	state.RecordToken("c")
	state.RecordRequest(0)
	state.RecordToken("")

	snap := state.SnapshotAndReset()
	assert.Equal(t, uint64(5), snap.Requests)
	assert.Equal(t, uint64(160), snap.Bytes)
	assert.Equal(t, 3, snap.Online)

	assert.Equal(t, Snapshot{}, state.SnapshotAndReset())
}

func TestSnapshotAndResetLosesNothing(t *testing.T) {
	state := NewState(nil, bufferLogger(&bytes.Buffer{}))

	const workers, perWorker = 8, 1000
	var (
		wg    sync.WaitGroup
		total uint64
		stop  = make(chan struct{})
		done  = make(chan struct{})
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				state.RecordRequest(1)
				state.RecordToken(fmt.Sprintf("token-%d", w))
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(stop)
	}()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				total += state.SnapshotAndReset().Requests
			}
		}
	}()
	<-done
	total += state.SnapshotAndReset().Requests

	assert.Equal(t, uint64(workers*perWorker), total)
}

func TestRunReportsAndResets(t *testing.T) {
	var buf bytes.Buffer
	state := NewState(nil, bufferLogger(&buf))
	snaps := make(chan Snapshot, 4)
	state.OnSnapshot = func(s Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	}

	state.RecordRequest(2048)
	state.RecordToken("tok")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		state.Run(ctx, 10*time.Millisecond)
	}()

	select {
	case snap := <-snaps:
		assert.Equal(t, uint64(1), snap.Requests)
		assert.Equal(t, 1, snap.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("no summary produced")
	}
	cancel()
	<-stopped
	assert.Contains(t, buf.String(), "Requests: 1. Users online: 1. Users total: 0. Traffic: 2.0 kB")
}
