// Package redis хранит сессию консоли в Redis: одна сессия на профиль,
// общая для нескольких процессов одного оператора.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pribylovaa/examprep-console/internal/session"
)

const defaultPrefix = "console:session:"

// Store — session.Store поверх Redis Hash с полями at, rt, uid, exp (unix ms).
type Store struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// New создаёт клиент Redis из URL (например, redis://:pass@host:6379/0) и проверяет связь.
// ttl ограничивает жизнь записи, 0 — без TTL.
func New(ctx context.Context, redisURL, profile string, ttl time.Duration) (*Store, error) {
	const op = "session.redis.New"

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return NewWithClient(rdb, profile, ttl), nil
}

// NewWithClient оборачивает готовый клиент.
func NewWithClient(rdb *redis.Client, profile string, ttl time.Duration) *Store {
	if profile == "" {
		profile = "default"
	}

	return &Store{rdb: rdb, key: defaultPrefix + profile, ttl: ttl}
}

func (s *Store) Get(ctx context.Context) (session.Session, error) {
	const op = "session.redis.Get"

	m, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return session.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if len(m) == 0 {
		return session.Session{}, session.ErrNotFound
	}

	uid, err := strconv.ParseInt(m["uid"], 10, 64)
	if err != nil {
		return session.Session{}, fmt.Errorf("%s: uid: %w", op, err)
	}

	expMs, err := strconv.ParseInt(m["exp"], 10, 64)
	if err != nil {
		return session.Session{}, fmt.Errorf("%s: exp: %w", op, err)
	}

	return session.Session{
		AccessToken:  m["at"],
		RefreshToken: m["rt"],
		UserID:       uid,
		ExpiresAt:    time.UnixMilli(expMs).UTC(),
	}, nil
}

// Set заменяет hash целиком в одной транзакции: читатель видит либо старую, либо новую сессию.
func (s *Store) Set(ctx context.Context, sess session.Session) error {
	const op = "session.redis.Set"

	kv := map[string]string{
		"at":  sess.AccessToken,
		"rt":  sess.RefreshToken,
		"uid": strconv.FormatInt(sess.UserID, 10),
		"exp": strconv.FormatInt(sess.ExpiresAt.UnixMilli(), 10),
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key, kv)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	const op = "session.redis.Clear"

	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close закрывает клиент Redis.
func (s *Store) Close() error { return s.rdb.Close() }

var _ session.Store = (*Store)(nil)
