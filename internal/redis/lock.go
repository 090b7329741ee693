package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("slot lock not acquired")
	ErrLockLost        = errors.New("slot lock lost")
)

// SlotKey identifies a doctor's bookable slot.
type SlotKey struct {
	DoctorID uuid.UUID
	Date     string // YYYY-MM-DD
	Time     string // HH:MM
}

func (k SlotKey) String() string {
	return fmt.Sprintf("lock:slot:%s:%s:%s", k.DoctorID, k.Date, k.Time)
}

// Locker is used by the appointment manager to guard critical sections per slot
type Locker interface {
	WithSlotLock(ctx context.Context, slot SlotKey, fn func(ctx context.Context) error) error
}

type redisSlotLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSlotLocker creates a locker that uses a per slot Redis key. The key
// lives for ttl and is renewed every ttl/2 while the critical section runs.
func NewRedisSlotLocker(client redis.UniversalClient, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &redisSlotLocker{
		client: client,
		ttl:    ttl,
	}
}

// WithSlotLock runs fn while holding the slot key. It fails fast with
// ErrLockNotAcquired when another holder has the slot. If a renewal finds the
// key gone or owned by someone else, fn's context is cancelled with
// ErrLockLost as its cause.
func (l *redisSlotLocker) WithSlotLock(ctx context.Context, slot SlotKey, fn func(ctx context.Context) error) error {
	key := slot.String()
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	lockCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.keepAlive(lockCtx, key, token, cancel)
	}()

	defer func() {
		cancel(nil)
		<-stopped
		// release even if the caller's context was cancelled meanwhile
		releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer done()
		_ = l.release(releaseCtx, key, token)
	}()

	if err := fn(lockCtx); err != nil {
		if cause := context.Cause(lockCtx); errors.Is(cause, ErrLockLost) {
			return fmt.Errorf("%w: %w", cause, err)
		}
		return err
	}
	return nil
}

func (l *redisSlotLocker) keepAlive(ctx context.Context, key, token string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := l.renew(ctx, key, token)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil || !renewed {
				cancel(ErrLockLost)
				return
			}
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (l *redisSlotLocker) renew(ctx context.Context, key, token string) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew slot lock: %w", err)
	}
	return n == 1, nil
}

func (l *redisSlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}
