package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps identifiers in a set and user details in one hash per user.
//
//	<prefix>users        SET of identifiers
//	<prefix>user:<id>    HASH name, surname, last_seen (unix seconds)
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an already connected client. The store owns the client from here on.
func NewRedis(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) setKey() string { return s.prefix + "users" }

func (s *RedisStore) userKey(id int64) string {
	return s.prefix + "user:" + strconv.FormatInt(id, 10)
}

func (s *RedisStore) Load(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("load users: bad member %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) HasSeen(ctx context.Context, id int64) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.setKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("lookup user %d: %w", id, err)
	}
	return ok, nil
}

func (s *RedisStore) Upsert(ctx context.Context, u User) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.setKey(), u.ID)
		pipe.HSet(ctx, s.userKey(u.ID),
			"name", u.Name,
			"surname", u.Surname,
			"last_seen", u.LastSeen.Unix())
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, id int64, at time.Time) error {
	if err := s.client.HSet(ctx, s.userKey(id), "last_seen", at.Unix()).Err(); err != nil {
		return fmt.Errorf("touch user %d: %w", id, err)
	}
	return nil
}

// Get returns the stored details for id.
func (s *RedisStore) Get(ctx context.Context, id int64) (User, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return User{}, false, fmt.Errorf("get user %d: %w", id, err)
	}
	if len(fields) == 0 {
		return User{}, false, nil
	}
	lastSeen, _ := strconv.ParseInt(fields["last_seen"], 10, 64)
	return User{
		ID:       id,
		Name:     fields["name"],
		Surname:  fields["surname"],
		LastSeen: time.Unix(lastSeen, 0),
	}, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
