package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Only the holder's token may delete the key
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Only the holder's token may push the expiry back
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Redis is a Locker shared by every process using the same server and prefix.
// Keys expire after ttl so a crashed holder cannot block a stage forever. A
// live holder extends its key every third of the ttl until it unlocks.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *Redis) TryLock(ctx context.Context, name string) (Unlock, error) {
	key := r.prefix + name
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			r.release(key, token)
		})
	}, nil
}

// keepAlive extends the lease until stop is closed or the lease is lost
func (r *Redis) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			extended, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				log.WithError(err).WithField("key", key).Warn("Failed to extend lock")
				continue
			}
			if extended == 0 {
				log.WithField("key", key).Error("Lock lost while the stage is still running")
				return
			}
		}
	}
}

func (r *Redis) release(key, token string) {
	// The caller's context may already be cancelled when the stage ends
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		log.WithError(err).WithField("key", key).Error("Failed to release lock")
		return
	}
	if released == 0 {
		log.WithField("key", key).Warn("Lock expired before release")
	}
}
