package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/common/resilience"
	"github.com/openidx/loginrisk/internal/common/testutil"
)

func newTestStore(t *testing.T, cfg RedisStoreConfig) (*RedisStore, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.NewMockRedis(t)
	return NewRedisStore(mock.Client, cfg, zap.NewNop()), mock
}

func TestRedisStore_IncrementWithTTL(t *testing.T) {
	ctx := context.Background()
	store, mock := newTestStore(t, DefaultRedisStoreConfig())

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrementWithTTL(ctx, "risk:attempts:alice:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, time.Minute, mock.Mini.TTL("risk:attempts:alice:1"))

	mock.FastForward(time.Minute)
	assert.False(t, mock.Mini.Exists("risk:attempts:alice:1"))

	got, err := store.IncrementWithTTL(ctx, "risk:attempts:alice:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRedisStore_IncrementRepairsMissingTTL(t *testing.T) {
	ctx := context.Background()
	store, mock := newTestStore(t, DefaultRedisStoreConfig())

	require.NoError(t, mock.Mini.Set("risk:attempts:bob:1", "4"))
	got, err := store.IncrementWithTTL(ctx, "risk:attempts:bob:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
	assert.Equal(t, time.Minute, mock.Mini.TTL("risk:attempts:bob:1"))
}

func TestRedisStore_ProfileLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, DefaultRedisStoreConfig())

	profile, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, profile)

	n, err := store.IncrementFraudAttempts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	profile, err = store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.False(t, profile.HasCommittedLogin())
	assert.Equal(t, int64(1), profile.FraudAttempts)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CommitLogin(ctx, &UserProfile{
		Identity:         "alice",
		LastKnownAddress: "10.0.0.1",
		LastLoginAt:      at,
		LastUserAgent:    "Mozilla/5.0",
		LastLocation:     "Berlin",
	}, nil))

	profile, err = store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", profile.LastKnownAddress)
	assert.True(t, profile.LastLoginAt.Equal(at))
	assert.Equal(t, "Mozilla/5.0", profile.LastUserAgent)
	assert.Equal(t, "Berlin", profile.LastLocation)
	assert.Equal(t, int64(1), profile.FraudAttempts, "commit must not reset fraud attempts")

	baseline, err := store.GetBaseline(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, baseline)
}

func TestRedisStore_BaselineLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, DefaultRedisStoreConfig())

	first := &BiometricSample{MouseVelocity: 300, MouseDistance: 1500, KeystrokeDwell: 100, KeystrokeFlight: 40}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CommitLogin(ctx, &UserProfile{Identity: "alice", LastLoginAt: at}, first))

	got, err := store.GetBaseline(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *first, got.BiometricSample)
	assert.Equal(t, 1, got.ConfirmedLogins)
	assert.False(t, got.UpdatedAt.IsZero())

	second := &BiometricSample{MouseVelocity: 310.5, MouseDistance: 1490, KeystrokeDwell: 98, KeystrokeFlight: 41}
	require.NoError(t, store.CommitLogin(ctx, &UserProfile{Identity: "alice", LastLoginAt: at.Add(time.Hour)}, second))

	got, err = store.GetBaseline(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, *second, got.BiometricSample)
	assert.Equal(t, 2, got.ConfirmedLogins)

	require.NoError(t, store.DeleteBaseline(ctx, "alice"))
	got, err = store.GetBaseline(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_ConcurrentCommitsCountEveryConfirmation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, DefaultRedisStoreConfig())
	sample := &BiometricSample{MouseVelocity: 300, MouseDistance: 1500, KeystrokeDwell: 100, KeystrokeFlight: 40}

	const logins = 25
	var wg sync.WaitGroup
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.CommitLogin(ctx, &UserProfile{Identity: "alice", LastLoginAt: time.Now()}, sample))
		}()
	}
	wg.Wait()

	got, err := store.GetBaseline(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, logins, got.ConfirmedLogins)
}

func TestRedisStore_CorruptBaseline(t *testing.T) {
	ctx := context.Background()
	store, mock := newTestStore(t, DefaultRedisStoreConfig())

	mock.Mini.HSet("risk:baseline:alice", "mouse_velocity", "fast")
	_, err := store.GetBaseline(ctx, "alice")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInternal))
}

func TestRedisStore_ProfileTTL(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultRedisStoreConfig()
	cfg.ProfileTTL = 24 * time.Hour
	store, mock := newTestStore(t, cfg)

	require.NoError(t, store.CommitLogin(ctx, &UserProfile{Identity: "alice", LastLoginAt: time.Now()},
		&BiometricSample{MouseVelocity: 1, MouseDistance: 1, KeystrokeDwell: 1, KeystrokeFlight: 1}))
	assert.Equal(t, 24*time.Hour, mock.Mini.TTL("risk:profile:alice"))
	assert.Equal(t, 24*time.Hour, mock.Mini.TTL("risk:baseline:alice"))
}

func TestRedisStore_OutageOpensBreaker(t *testing.T) {
	ctx := context.Background()
	store, mock := newTestStore(t, RedisStoreConfig{BreakerThreshold: 2, BreakerReset: time.Hour})
	mock.Break()

	for i := 0; i < 2; i++ {
		_, err := store.GetProfile(ctx, "alice")
		require.Error(t, err)
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrStoreUnavailable))
	}
	assert.Equal(t, resilience.StateOpen, store.Breaker().State())

	_, err := store.IncrementWithTTL(ctx, "k", time.Minute)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrStoreUnavailable))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestRedisStore_MissingKeysDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, RedisStoreConfig{BreakerThreshold: 1, BreakerReset: time.Hour})

	for i := 0; i < 3; i++ {
		b, err := store.GetBaseline(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, b)
	}
	assert.Equal(t, resilience.StateClosed, store.Breaker().State())
}
