package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"realtime-hub/domain"
)

type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores one JSON record per user under prefix and keeps the
// set of present users alongside. Records expire after ttl; zero keeps them.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) userKey(id string) string {
	return fmt.Sprintf("%spresence:%s", s.prefix, id)
}

func (s *RedisStore) onlineKey() string {
	return s.prefix + "presence:online"
}

func (s *RedisStore) Save(ctx context.Context, p domain.Presence) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.userKey(p.UserID), b, s.ttl)
	if p.Status.Present() {
		pipe.SAdd(ctx, s.onlineKey(), p.UserID)
	} else {
		pipe.SRem(ctx, s.onlineKey(), p.UserID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence %s: %w", p.UserID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (domain.Presence, bool, error) {
	val, err := s.rdb.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Presence{}, false, nil
	}
	if err != nil {
		return domain.Presence{}, false, fmt.Errorf("get presence %s: %w", userID, err)
	}
	var p domain.Presence
	if err := json.Unmarshal(val, &p); err != nil {
		return domain.Presence{}, false, err
	}
	return p, true, nil
}

// Online returns the present users. Set members whose record expired are
// pruned.
func (s *RedisStore) Online(ctx context.Context) ([]domain.Presence, error) {
	ids, err := s.rdb.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Presence{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.userKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load online: %w", err)
	}

	out := make([]domain.Presence, 0, len(ids))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var p domain.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		if p.Status.Present() {
			out = append(out, p)
		}
	}
	if len(stale) > 0 {
		s.rdb.SRem(ctx, s.onlineKey(), stale...)
	}
	sortByUser(out)
	return out, nil
}
