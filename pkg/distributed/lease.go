package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLeaseHeld = errors.New("lease is held by another holder")

// renewScript extends the key only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease is an exclusive, self-renewing claim on a Redis key. It keeps two
// processes from acting as the same participant.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu       sync.Mutex
	held     bool
	stop     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Lease{
		client: client,
		key:    key,
		token:  newToken(),
		ttl:    ttl,
		lost:   make(chan struct{}),
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (l *Lease) Key() string { return l.key }

// Acquire claims the key without waiting. It fails with ErrLeaseHeld when
// another holder has it. The lease renews itself at half its TTL until
// Release.
func (l *Lease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("acquire %s: %w", l.key, ErrLeaseHeld)
	}

	l.held = true
	l.stop = make(chan struct{})
	go l.renew(l.stop)
	return nil
}

func (l *Lease) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// transient, the next tick tries again before the key expires
				continue
			}
			if n == 0 {
				l.markLost()
				return
			}
		}
	}
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Lost is closed when a renewal finds the key gone or taken over.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops renewal and deletes the key if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	close(l.stop)
	l.mu.Unlock()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", l.key, ErrLeaseHeld)
	}
	return nil
}
