package browserq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureSession(t *testing.T) {
	page := newFakePage()
	page.url = "https://example.com/account"
	page.cookies = []Cookie{{Name: "sid", Value: "abc"}}
	page.sessionStorage["step"] = "2"

	before := time.Now()
	b, err := CaptureSession(context.Background(), page, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/account", b.URL)
	assert.Equal(t, page.cookies, b.Cookies)
	assert.Equal(t, map[string]string{"step": "2"}, b.SessionStorage)
	assert.NotNil(t, b.LocalStorage)
	assert.WithinDuration(t, before.Add(time.Minute), b.ExpiresAt, 5*time.Second)
}

func TestRedisSessionStore(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	store := NewRedisSessionStore(rdb, testConfig())

	bundle := SessionBundle{
		Cookies:        []Cookie{{Name: "sid", Value: "abc", Secure: true}},
		LocalStorage:   map[string]string{"cart": "[1,2]"},
		SessionStorage: map[string]string{},
		URL:            "https://shop.example.com/checkout",
		ExpiresAt:      time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond),
	}

	t.Run("round trip", func(t *testing.T) {
		id, err := store.Store(ctx, bundle)
		require.NoError(t, err)
		require.Len(t, id, 32)

		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, bundle.Cookies, got.Cookies)
		assert.Equal(t, bundle.LocalStorage, got.LocalStorage)
		assert.Equal(t, bundle.URL, got.URL)
		assert.True(t, bundle.ExpiresAt.Equal(got.ExpiresAt))

		ttl := mr.TTL("TEST:session:" + id)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Load(ctx, "does-not-exist")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("expired bundle is not served", func(t *testing.T) {
		id, err := store.Store(ctx, bundle)
		require.NoError(t, err)

		store.now = func() time.Time { return bundle.ExpiresAt.Add(time.Second) }
		defer func() { store.now = time.Now }()

		_, err = store.Load(ctx, id)
		require.ErrorIs(t, err, ErrSessionNotFound)
		assert.False(t, mr.Exists("TEST:session:"+id))
	})

	t.Run("expired key", func(t *testing.T) {
		id, err := store.Store(ctx, bundle)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)
		_, err = store.Load(ctx, id)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("already expired bundle is rejected", func(t *testing.T) {
		stale := bundle
		stale.ExpiresAt = time.Now().Add(-time.Second)
		_, err := store.Store(ctx, stale)
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("delete", func(t *testing.T) {
		fresh := bundle
		fresh.ExpiresAt = time.Now().Add(time.Hour)
		id, err := store.Store(ctx, fresh)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, id))
		_, err = store.Load(ctx, id)
		require.ErrorIs(t, err, ErrSessionNotFound)
		require.NoError(t, store.Delete(ctx, id))
	})
}
