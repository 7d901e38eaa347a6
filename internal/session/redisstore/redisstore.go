// Package redisstore keeps flow contexts and name reservations in Redis so that
// in-flight registrations and verifications survive a bot restart.
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"quest-bot/internal/session"
)

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 20})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return rdb, nil
}

// Store serializes contexts as JSON under <prefix>:<user id>.
type Store[C any] struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New creates a store for one flow. ttl 0 keeps contexts until deleted.
func New[C any](rdb redis.Cmdable, prefix string, ttl time.Duration) *Store[C] {
	return &Store[C]{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store[C]) key(userID int64) string {
	return s.prefix + ":" + strconv.FormatInt(userID, 10)
}

func (s *Store[C]) Get(ctx context.Context, userID int64) (C, bool, error) {
	var c C
	raw, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return c, false, nil
	}
	if err != nil {
		return c, false, errors.Wrapf(err, "get %s", s.key(userID))
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, false, errors.Wrapf(err, "decode %s", s.key(userID))
	}
	return c, true, nil
}

func (s *Store[C]) Save(ctx context.Context, userID int64, c C) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "encode %s", s.key(userID))
	}
	return errors.Wrapf(s.rdb.Set(ctx, s.key(userID), raw, s.ttl).Err(), "set %s", s.key(userID))
}

func (s *Store[C]) Delete(ctx context.Context, userID int64) error {
	return errors.Wrapf(s.rdb.Del(ctx, s.key(userID)).Err(), "del %s", s.key(userID))
}

// refreshIfOwner extends the claim when the caller already holds it.
var refreshIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  if tonumber(ARGV[2]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Reservations claims names with SET NX, expiring after ttl.
type Reservations struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewReservations(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Reservations {
	return &Reservations{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Reservations) key(name string) string {
	return r.prefix + ":" + name
}

func (r *Reservations) Reserve(ctx context.Context, name string, owner int64) (bool, error) {
	val := strconv.FormatInt(owner, 10)
	won, err := r.rdb.SetNX(ctx, r.key(name), val, r.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "reserve %q", name)
	}
	if won {
		return true, nil
	}
	n, err := refreshIfOwner.Run(ctx, r.rdb, []string{r.key(name)}, val, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "refresh %q", name)
	}
	return n == 1, nil
}

func (r *Reservations) Release(ctx context.Context, name string, owner int64) error {
	err := releaseIfOwner.Run(ctx, r.rdb, []string{r.key(name)}, strconv.FormatInt(owner, 10)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return errors.Wrapf(err, "release %q", name)
}

var (
	_ session.Store[struct{}] = (*Store[struct{}])(nil)
	_ session.Reservations    = (*Reservations)(nil)
)
