// ABOUTME: Thread-safe registry mapping bucket keys to lazily created mailboxes
// ABOUTME: Guarantees one bucket per key; optional idle expiry and size bound

package bucket

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// maxSweepInterval caps how often the idle sweeper runs.
const maxSweepInterval = time.Minute

// entry stores a bucket with its last access time and LRU position.
type entry struct {
	bucket     MessageBucket
	lastAccess time.Time
	element    *list.Element
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Buckets int    `json:"buckets"`
	Created uint64 `json:"created"`
	Evicted uint64 `json:"evicted"`
}

// Registry maps bucket keys to buckets. GetOrCreate is an atomic
// insert-if-absent: concurrent callers for one key all receive the same
// bucket and the factory runs once.
//
// By default buckets are never removed. WithIdleTTL and WithMaxBuckets
// enable eviction; an evicted key gets a fresh bucket on its next lookup.
type Registry struct {
	mu         sync.Mutex
	buckets    map[string]*entry
	order      *list.List // keys by last access (least recent at front)
	factory    Factory
	now        func() time.Time
	idleTTL    time.Duration
	maxBuckets int
	created    uint64
	evicted    uint64
	logger     *slog.Logger
	done       chan struct{}
	closed     bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory sets the constructor for new buckets. Defaults to NewMailbox.
func WithFactory(f Factory) Option {
	return func(r *Registry) {
		r.factory = f
	}
}

// WithIdleTTL removes buckets not accessed for d. Zero disables expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// WithMaxBuckets bounds the registry to n buckets, evicting the least
// recently used on insert. Zero means unbounded.
func WithMaxBuckets(n int) Option {
	return func(r *Registry) {
		r.maxBuckets = n
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a Registry. When an idle TTL is set, a background goroutine
// sweeps expired buckets until Close is called.
func New(opts ...Option) *Registry {
	r := &Registry{
		buckets: make(map[string]*entry),
		order:   list.New(),
		factory: NewMailbox,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "bucket_registry")

	if r.idleTTL > 0 {
		go r.sweeper(min(r.idleTTL, maxSweepInterval))
	}
	return r
}

// GetOrCreate returns the bucket for key, creating it if absent.
func (r *Registry) GetOrCreate(key string) MessageBucket {
	r.mu.Lock()
	now := r.now()
	if e, ok := r.buckets[key]; ok {
		r.touchLocked(e, now)
		r.mu.Unlock()
		return e.bucket
	}

	if r.maxBuckets > 0 && len(r.buckets) >= r.maxBuckets {
		r.evictOldestLocked()
	}

	b := r.factory(key)
	r.buckets[key] = &entry{
		bucket:     b,
		lastAccess: now,
		element:    r.order.PushBack(key),
	}
	r.created++
	count := len(r.buckets)
	r.mu.Unlock()

	r.logger.Debug("bucket created", "bucket_id", b.ID(), "buckets", count)
	return b
}

// Get returns the bucket for key without creating one.
func (r *Registry) Get(key string) (MessageBucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buckets[key]
	if !ok {
		return nil, false
	}
	r.touchLocked(e, r.now())
	return e.bucket, true
}

// Remove deletes the bucket for key. Returns false if there was none.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buckets[key]
	if !ok {
		return false
	}
	r.order.Remove(e.element)
	delete(r.buckets, key)
	return true
}

// Len returns the number of buckets held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Buckets: len(r.buckets),
		Created: r.created,
		Evicted: r.evicted,
	}
}

// touchLocked records an access. Must be called with mu held.
func (r *Registry) touchLocked(e *entry, now time.Time) {
	e.lastAccess = now
	r.order.MoveToBack(e.element)
}

// evictOldestLocked removes the least recently used bucket. Must be called with mu held.
func (r *Registry) evictOldestLocked() {
	front := r.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.buckets, key)
	r.evicted++
}

// sweeper periodically removes idle buckets until Close.
func (r *Registry) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

// sweep removes buckets idle longer than the TTL.
// The LRU list is ordered by access, so it stops at the first live entry.
func (r *Registry) sweep() int {
	r.mu.Lock()
	now := r.now()
	removed := 0
	for front := r.order.Front(); front != nil; front = r.order.Front() {
		key, _ := front.Value.(string)
		e := r.buckets[key]
		if now.Sub(e.lastAccess) <= r.idleTTL {
			break
		}
		r.order.Remove(front)
		delete(r.buckets, key)
		r.evicted++
		removed++
	}
	count := len(r.buckets)
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug("idle buckets removed", "removed", removed, "buckets", count)
	}
	return removed
}

// Close stops the idle sweeper. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
