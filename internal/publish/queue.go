// Package publish provides the outbound publish-retry queue.
//
// Objects are drained one at a time through a PublishFunc. A failed object
// goes back to the tail of the queue and the drain waits an exponentially
// growing delay before trying the next head. The queue never runs on its
// own; the host calls Drain.
package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/shardnet/internal/shard"
)

var log = logging.Logger("shardnet-publish")

// Queue errors.
var (
	ErrEmptyObject = errors.New("empty publish object")
)

const (
	// DefaultCapacity is the default number of pending objects.
	DefaultCapacity = 256
	// DefaultBaseDelay is the wait after the first consecutive failure.
	DefaultBaseDelay = time.Second
	// MaxBackoffAttempt caps the backoff exponent.
	MaxBackoffAttempt = 6
)

// Object is one pending publication.
type Object struct {
	Hash string
	Data []byte
}

// NewObject wraps data with its content hash.
func NewObject(data []byte) Object {
	return Object{Hash: shard.HashHex(data), Data: data}
}

// PublishFunc transmits one object. The queue has no opinion on transport.
type PublishFunc func(ctx context.Context, data []byte) error

// Config holds the queue settings.
type Config struct {
	Capacity  int
	BaseDelay time.Duration
	Clock     clock.Clock
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		Capacity:  DefaultCapacity,
		BaseDelay: DefaultBaseDelay,
	}
}

// Queue is a bounded drop-oldest FIFO of pending publications.
type Queue struct {
	capacity int
	base     time.Duration
	clock    clock.Clock

	mu       sync.Mutex
	items    []Object
	failures int
	evicted  uint64

	draining atomic.Bool
}

// New creates a queue. Zero fields in cfg take their defaults.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Queue{
		capacity: cfg.Capacity,
		base:     cfg.BaseDelay,
		clock:    cfg.Clock,
	}
}

// Enqueue appends obj. When the queue is full the oldest pending object is
// evicted and returned.
func (q *Queue) Enqueue(obj Object) (Object, bool, error) {
	if len(obj.Data) == 0 {
		return Object{}, false, ErrEmptyObject
	}
	if obj.Hash == "" {
		obj.Hash = shard.HashHex(obj.Data)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted, ok := q.pushLocked(obj)
	return evicted, ok, nil
}

// EnqueueData hashes data and appends it.
func (q *Queue) EnqueueData(data []byte) (Object, error) {
	obj := NewObject(data)
	if _, _, err := q.Enqueue(obj); err != nil {
		return Object{}, err
	}
	return obj, nil
}

func (q *Queue) pushLocked(obj Object) (Object, bool) {
	var evicted Object
	dropped := false
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items[0] = Object{}
		q.items = q.items[1:]
		q.evicted++
		dropped = true
		log.Debugf("queue full, dropped %s", evicted.Hash)
	}
	q.items = append(q.items, obj)
	return evicted, dropped
}

func (q *Queue) pop() (Object, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Object{}, false
	}
	obj := q.items[0]
	q.items[0] = Object{}
	q.items = q.items[1:]
	return obj, true
}

// Len returns the number of pending objects.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the pending objects in send order.
func (q *Queue) Pending() []Object {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Object, len(q.items))
	copy(out, q.items)
	return out
}

// Failures returns the consecutive failure count.
func (q *Queue) Failures() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failures
}

// Evicted returns how many objects overflow has dropped.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Draining reports whether a drain is in progress.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Delay returns the wait after the given number of consecutive failures.
func (q *Queue) Delay(attempt int) time.Duration {
	return Delay(q.base, attempt)
}

// Delay computes base * 2^(attempt-1) with attempt capped at
// MaxBackoffAttempt. Non-positive attempts wait nothing.
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	attempt = min(attempt, MaxBackoffAttempt)
	return base << (attempt - 1)
}

// Drain publishes pending objects until the queue is empty or ctx is done,
// and returns how many were published. A call made while another drain is
// running returns immediately with zero.
func (q *Queue) Drain(ctx context.Context, publish PublishFunc) (int, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.draining.Store(false)

	published := 0
	for {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		obj, ok := q.pop()
		if !ok {
			return published, nil
		}

		err := publish(ctx, obj.Data)
		if err == nil {
			q.mu.Lock()
			q.failures = 0
			q.mu.Unlock()
			published++
			log.Debugf("published %s", obj.Hash)
			continue
		}

		q.mu.Lock()
		q.failures++
		failures := q.failures
		q.pushLocked(obj)
		q.mu.Unlock()

		wait := q.Delay(failures)
		log.Debugf("publish %s failed (%d in a row), retrying in %s: %v", obj.Hash, failures, wait, err)
		if err := q.sleep(ctx, wait); err != nil {
			return published, err
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	t := q.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
