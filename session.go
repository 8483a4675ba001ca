package browserq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps captured sessions addressable by an opaque id. Load
// reports missing and expired ids identically, as ErrSessionNotFound.
type SessionStore interface {
	Store(ctx context.Context, b SessionBundle) (string, error)
	Load(ctx context.Context, id string) (*SessionBundle, error)
	Delete(ctx context.Context, id string) error
}

// CaptureSession reads cookies and web storage of page into a bundle that
// expires ttl from now.
func CaptureSession(ctx context.Context, page Page, ttl time.Duration) (SessionBundle, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return SessionBundle{}, NewBrowserError("failed to read cookies: %v", err)
	}
	local, err := page.Storage(ctx, StorageLocal)
	if err != nil {
		return SessionBundle{}, NewBrowserError("failed to read localStorage: %v", err)
	}
	session, err := page.Storage(ctx, StorageSession)
	if err != nil {
		return SessionBundle{}, NewBrowserError("failed to read sessionStorage: %v", err)
	}

	if cookies == nil {
		cookies = []Cookie{}
	}
	if local == nil {
		local = map[string]string{}
	}
	if session == nil {
		session = map[string]string{}
	}
	return SessionBundle{
		Cookies:        cookies,
		LocalStorage:   local,
		SessionStorage: session,
		URL:            page.Info(ctx).URL,
		ExpiresAt:      time.Now().Add(ttl).UTC(),
	}, nil
}

func (e *Executor) captureAndStore(ctx context.Context, page Page) (string, error) {
	if e.sessions == nil {
		return "", kindError(ErrNotConfigured, "session store")
	}
	bundle, err := CaptureSession(ctx, page, e.sessionTTL)
	if err != nil {
		return "", err
	}
	return e.sessions.Store(ctx, bundle)
}

// RedisSessionStore stores bundles as JSON strings that Redis expires at
// ExpiresAt. Load also checks the timestamp, so a bundle never outlives it
// even when key expiry lags.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisSessionStore creates a store under the configured key prefix.
func NewRedisSessionStore(rdb *redis.Client, cfg Config) *RedisSessionStore {
	cfg = cfg.withDefaults()
	return &RedisSessionStore{rdb: rdb, prefix: cfg.RedisPrefix, now: time.Now}
}

func (s *RedisSessionStore) key(id string) string { return s.prefix + "session:" + id }

// Store persists b under a new id.
func (s *RedisSessionStore) Store(ctx context.Context, b SessionBundle) (string, error) {
	if b.ExpiresAt.IsZero() {
		b.ExpiresAt = s.now().Add(DefaultSessionTTL).UTC()
	}
	if !b.ExpiresAt.After(s.now()) {
		return "", kindError(ErrInvalidPayload, "session already expired at %s", b.ExpiresAt.Format(time.RFC3339))
	}

	data, err := json.Marshal(b)
	if err != nil {
		return "", NewBrowserError("failed to serialize session: %v", err)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(id), data, 0)
		pipe.ExpireAt(ctx, s.key(id), b.ExpiresAt)
		return nil
	})
	if err != nil {
		return "", NewBrowserError("failed to store session: %v", err)
	}
	return id, nil
}

// Load returns the bundle stored under id.
func (s *RedisSessionStore) Load(ctx context.Context, id string) (*SessionBundle, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kindError(ErrSessionNotFound, "%s", id)
	}
	if err != nil {
		return nil, NewBrowserError("failed to load session: %v", err)
	}

	var b SessionBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, NewBrowserError("failed to parse session: %v", err)
	}
	if !s.now().Before(b.ExpiresAt) {
		_ = s.rdb.Del(ctx, s.key(id)).Err()
		return nil, kindError(ErrSessionNotFound, "%s", id)
	}
	return &b, nil
}

// Delete removes id. Deleting an unknown id is not an error.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return NewBrowserError("failed to delete session: %v", err)
	}
	return nil
}
