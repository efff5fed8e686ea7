package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Session struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// token opaco -> sesión. Token desconocido o vencido: ErrUnauthenticated.
type SessionStore interface {
	Put(ctx context.Context, token string, s Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	Close() error
}

// NewSessionStore usa Redis si REDIS_ADDR está definido; si no, una caché LRU en memoria.
func NewSessionStore(ctx context.Context, cfg Config) (SessionStore, error) {
	if cfg.RedisAddr == "" {
		return newLRUSessions(cfg.SessionCacheSize, cfg.SessionTTL), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.RedisAddr)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("sessions in redis")
	return &redisSessions{rdb: rdb, ttl: cfg.SessionTTL}, nil
}

type lruSessions struct {
	cache *expirable.LRU[string, Session]
}

func newLRUSessions(size int, ttl time.Duration) *lruSessions {
	return &lruSessions{cache: expirable.NewLRU[string, Session](size, nil, ttl)}
}

func (l *lruSessions) Put(_ context.Context, token string, s Session) error {
	l.cache.Add(token, s)
	return nil
}

func (l *lruSessions) Get(_ context.Context, token string) (*Session, error) {
	s, ok := l.cache.Get(token)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &s, nil
}

func (l *lruSessions) Delete(_ context.Context, token string) error {
	l.cache.Remove(token)
	return nil
}

func (l *lruSessions) Close() error { return nil }

type redisSessions struct {
	rdb *redis.Client
	ttl time.Duration
}

func sessionKey(token string) string { return "session:" + token }

func (r *redisSessions) Put(ctx context.Context, token string, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return errors.Wrap(r.rdb.Set(ctx, sessionKey(token), b, r.ttl).Err(), "redis set session")
}

func (r *redisSessions) Get(ctx context.Context, token string) (*Session, error) {
	b, err := r.rdb.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get session")
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	return &s, nil
}

func (r *redisSessions) Delete(ctx context.Context, token string) error {
	return errors.Wrap(r.rdb.Del(ctx, sessionKey(token)).Err(), "redis del session")
}

func (r *redisSessions) Close() error { return r.rdb.Close() }
