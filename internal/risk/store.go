package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/database"
	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/common/resilience"
	"github.com/openidx/loginrisk/internal/metrics"
)

// CounterStore increments TTL-bound counters atomically
type CounterStore interface {
	// IncrementWithTTL increments key and returns the new value. A key created
	// by this call expires after ttl.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ProfileStore reads user profiles and records fraud attempts
type ProfileStore interface {
	// GetProfile returns nil when the identity has never committed a login
	GetProfile(ctx context.Context, identity string) (*UserProfile, error)
	IncrementFraudAttempts(ctx context.Context, identity string) (int64, error)
}

// BaselineStore holds per-identity biometric baselines
type BaselineStore interface {
	// GetBaseline returns nil when no baseline exists
	GetBaseline(ctx context.Context, identity string) (*BiometricBaseline, error)
	DeleteBaseline(ctx context.Context, identity string) error
}

// StateStore is the shared mutable state behind the decision engine
type StateStore interface {
	CounterStore
	ProfileStore
	BaselineStore
	// CommitLogin persists the profile of an accepted login and, when sample
	// is non-nil, replaces the baseline sample and increments its confirmed
	// login count in the same transaction. The fraud attempt counter is never
	// overwritten.
	CommitLogin(ctx context.Context, profile *UserProfile, sample *BiometricSample) error
}

// Redis key prefixes
const (
	attemptKeyPrefix  = "risk:attempts:"
	profileKeyPrefix  = "risk:profile:"
	baselineKeyPrefix = "risk:baseline:"
)

// Profile hash fields
const (
	fieldLastIP        = "last_ip"
	fieldLastLogin     = "last_login"
	fieldUserAgent     = "user_agent"
	fieldLastLocation  = "last_location"
	fieldFraudAttempts = "fraud_attempts"
)

// Baseline hash fields
const (
	fieldMouseVelocity   = "mouse_velocity"
	fieldMouseDistance   = "mouse_distance"
	fieldKeystrokeDwell  = "keystroke_dwell"
	fieldKeystrokeFlight = "keystroke_flight"
	fieldConfirmed       = "confirmed_logins"
	fieldUpdatedAt       = "updated_at"
)

// incrementScript creates the counter with its TTL on first increment. The
// PTTL guard also repairs a key that lost its expiry.
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 or redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisStoreConfig configures a RedisStore
type RedisStoreConfig struct {
	// ProfileTTL expires idle profiles; zero keeps them forever
	ProfileTTL       time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultRedisStoreConfig returns the default store configuration
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// RedisStore implements StateStore on Redis. Every call runs through a
// circuit breaker; failures surface as STORE_UNAVAILABLE errors.
type RedisStore struct {
	redis   *database.RedisClient
	config  RedisStoreConfig
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisStore creates a Redis backed state store
func NewRedisStore(redisClient *database.RedisClient, config RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BreakerThreshold == 0 {
		d := DefaultRedisStoreConfig()
		config.BreakerThreshold, config.BreakerReset = d.BreakerThreshold, d.BreakerReset
	}
	logger = logger.With(zap.String("component", "risk_store"))
	return &RedisStore{
		redis:  redisClient,
		config: config,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "redis_state_store",
			Threshold:    config.BreakerThreshold,
			ResetTimeout: config.BreakerReset,
			Logger:       logger,
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, redis.Nil)
			},
		}),
		logger: logger,
	}
}

// Breaker exposes the store's circuit breaker for readiness reporting
func (s *RedisStore) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

func (s *RedisStore) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	err := s.breaker.Execute(ctx, fn)
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.RecordStoreOperation(operation, err)
	if err != nil {
		return apperrors.StoreUnavailable(operation, err)
	}
	return nil
}

// IncrementWithTTL atomically increments key, setting its TTL on creation
func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := s.do(ctx, "increment", func(ctx context.Context) error {
		var err error
		count, err = incrementScript.Run(ctx, s.redis.Client, []string{key}, ttl.Milliseconds()).Int64()
		return err
	})
	return count, err
}

// GetProfile loads the profile hash of identity
func (s *RedisStore) GetProfile(ctx context.Context, identity string) (*UserProfile, error) {
	var fields map[string]string
	err := s.do(ctx, "get_profile", func(ctx context.Context) error {
		var err error
		fields, err = s.redis.Client.HGetAll(ctx, profileKeyPrefix+identity).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeProfile(identity, fields)
}

func decodeProfile(identity string, fields map[string]string) (*UserProfile, error) {
	profile := &UserProfile{
		Identity:         identity,
		LastKnownAddress: fields[fieldLastIP],
		LastUserAgent:    fields[fieldUserAgent],
		LastLocation:     fields[fieldLastLocation],
	}
	if v := fields[fieldLastLogin]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, apperrors.Internal("corrupt profile", fmt.Errorf("parse %s: %w", fieldLastLogin, err))
		}
		profile.LastLoginAt = t
	}
	if v := fields[fieldFraudAttempts]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, apperrors.Internal("corrupt profile", fmt.Errorf("parse %s: %w", fieldFraudAttempts, err))
		}
		profile.FraudAttempts = n
	}
	return profile, nil
}

// IncrementFraudAttempts bumps the identity's cumulative fraud counter
func (s *RedisStore) IncrementFraudAttempts(ctx context.Context, identity string) (int64, error) {
	var n int64
	err := s.do(ctx, "increment_fraud", func(ctx context.Context) error {
		var err error
		n, err = s.redis.Client.HIncrBy(ctx, profileKeyPrefix+identity, fieldFraudAttempts, 1).Result()
		return err
	})
	return n, err
}

// GetBaseline loads the identity's biometric baseline
func (s *RedisStore) GetBaseline(ctx context.Context, identity string) (*BiometricBaseline, error) {
	var fields map[string]string
	err := s.do(ctx, "get_baseline", func(ctx context.Context) error {
		var err error
		fields, err = s.redis.Client.HGetAll(ctx, baselineKeyPrefix+identity).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeBaseline(fields)
}

func decodeBaseline(fields map[string]string) (*BiometricBaseline, error) {
	var b BiometricBaseline
	targets := []struct {
		field string
		dst   *float64
	}{
		{fieldMouseVelocity, &b.MouseVelocity},
		{fieldMouseDistance, &b.MouseDistance},
		{fieldKeystrokeDwell, &b.KeystrokeDwell},
		{fieldKeystrokeFlight, &b.KeystrokeFlight},
	}
	for _, t := range targets {
		v, err := strconv.ParseFloat(fields[t.field], 64)
		if err != nil {
			return nil, apperrors.Internal("corrupt baseline", fmt.Errorf("parse %s: %w", t.field, err))
		}
		*t.dst = v
	}

	n, err := strconv.Atoi(fields[fieldConfirmed])
	if err != nil {
		return nil, apperrors.Internal("corrupt baseline", fmt.Errorf("parse %s: %w", fieldConfirmed, err))
	}
	b.ConfirmedLogins = n

	if v := fields[fieldUpdatedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, apperrors.Internal("corrupt baseline", fmt.Errorf("parse %s: %w", fieldUpdatedAt, err))
		}
		b.UpdatedAt = t
	}
	return &b, nil
}

// DeleteBaseline removes the identity's baseline; the next sample is
// adopted according to the baseline policy
func (s *RedisStore) DeleteBaseline(ctx context.Context, identity string) error {
	return s.do(ctx, "delete_baseline", func(ctx context.Context) error {
		return s.redis.Client.Del(ctx, baselineKeyPrefix+identity).Err()
	})
}

// CommitLogin writes profile and baseline in one MULTI/EXEC transaction.
// The confirmed login count is incremented server side, so concurrent
// commits for one identity never lose a confirmation.
func (s *RedisStore) CommitLogin(ctx context.Context, profile *UserProfile, sample *BiometricSample) error {
	return s.do(ctx, "commit_login", func(ctx context.Context) error {
		_, err := s.redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			key := profileKeyPrefix + profile.Identity
			pipe.HSet(ctx, key,
				fieldLastIP, profile.LastKnownAddress,
				fieldLastLogin, profile.LastLoginAt.UTC().Format(time.RFC3339Nano),
				fieldUserAgent, profile.LastUserAgent,
				fieldLastLocation, profile.LastLocation,
			)
			if s.config.ProfileTTL > 0 {
				pipe.Expire(ctx, key, s.config.ProfileTTL)
			}
			if sample == nil {
				return nil
			}

			bkey := baselineKeyPrefix + profile.Identity
			pipe.HSet(ctx, bkey,
				fieldMouseVelocity, strconv.FormatFloat(sample.MouseVelocity, 'g', -1, 64),
				fieldMouseDistance, strconv.FormatFloat(sample.MouseDistance, 'g', -1, 64),
				fieldKeystrokeDwell, strconv.FormatFloat(sample.KeystrokeDwell, 'g', -1, 64),
				fieldKeystrokeFlight, strconv.FormatFloat(sample.KeystrokeFlight, 'g', -1, 64),
				fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
			)
			pipe.HIncrBy(ctx, bkey, fieldConfirmed, 1)
			if s.config.ProfileTTL > 0 {
				pipe.Expire(ctx, bkey, s.config.ProfileTTL)
			}
			return nil
		})
		return err
	})
}
