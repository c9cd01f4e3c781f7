package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/rewards-service/pkg/metrics"
	"go.uber.org/zap"
)

// CycleLocker serialises mutating operations on one cycle. Acquire blocks for at most
// the locker's wait budget and returns ErrCycleBusy when the cycle stays held.
type CycleLocker interface {
	Acquire(ctx context.Context, cycleID uuid.UUID) (release func(), err error)
}

const lockPollInterval = 50 * time.Millisecond

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCycleLocker holds a per-cycle lease in Redis with SET NX PX. While the holder is
// alive the lease is extended every third of its TTL, so slow provider calls cannot
// outlive it. The lease expires on its own if the holder dies, and release only deletes
// a lease the holder still owns.
type RedisCycleLocker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	metrics *metrics.Recorder
	logger  *zap.Logger
}

func NewRedisCycleLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration, rec *metrics.Recorder, logger *zap.Logger) *RedisCycleLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:rewards:cycle_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if wait < 0 {
		wait = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCycleLocker{
		client:  client,
		prefix:  trimmedPrefix,
		ttl:     ttl,
		wait:    wait,
		metrics: rec,
		logger:  logger,
	}
}

func (l *RedisCycleLocker) key(cycleID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", l.prefix, cycleID)
}

func (l *RedisCycleLocker) Acquire(ctx context.Context, cycleID uuid.UUID) (func(), error) {
	key := l.key(cycleID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			l.metrics.LockContention()
			return nil, ErrCycleBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	logger := l.logger.With(zap.String("cycle_id", cycleID.String()))
	renewCtx, stopRenewal := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		renewLease(renewCtx, l.renewEvery(), func(ctx context.Context) (bool, error) {
			n, err := extendLockScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			return n == 1, err
		}, logger)
	}()

	return func() {
		stopRenewal()
		<-renewed
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			logger.Warn("cycle lock release failed", zap.Error(err))
		}
	}, nil
}

func (l *RedisCycleLocker) renewEvery() time.Duration {
	if every := l.ttl / 3; every > 0 {
		return every
	}
	return l.ttl
}

// renewLease calls extend every interval until ctx ends. It gives up early once extend
// reports the lease is held by someone else. Failed calls are retried on the next tick.
func renewLease(ctx context.Context, interval time.Duration, extend func(ctx context.Context) (bool, error), logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, interval)
		held, err := extend(callCtx)
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn("cycle lock renewal failed", zap.Error(err))
		case !held:
			logger.Error("cycle lock lease lost while held")
			return
		}
	}
}

// LocalCycleLocker is the in-process fallback used when Redis is not configured. It only
// serialises callers inside one replica.
type LocalCycleLocker struct {
	slots   *xsync.Map[uuid.UUID, chan struct{}]
	wait    time.Duration
	metrics *metrics.Recorder
}

func NewLocalCycleLocker(wait time.Duration, rec *metrics.Recorder) *LocalCycleLocker {
	if wait < 0 {
		wait = 0
	}
	return &LocalCycleLocker{
		slots:   xsync.NewMap[uuid.UUID, chan struct{}](),
		wait:    wait,
		metrics: rec,
	}
}

func (l *LocalCycleLocker) Acquire(ctx context.Context, cycleID uuid.UUID) (func(), error) {
	slot, _ := l.slots.LoadOrStore(cycleID, make(chan struct{}, 1))

	release := func() { <-slot }
	select {
	case slot <- struct{}{}:
		return release, nil
	default:
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		l.metrics.LockContention()
		return nil, ErrCycleBusy
	}
}

var (
	_ CycleLocker = (*RedisCycleLocker)(nil)
	_ CycleLocker = (*LocalCycleLocker)(nil)
)
