// Package dedup suppresses mesh-flood duplicates. Every gateway in radio
// range republishes the same frame, so the same (source, packet id) pair
// arrives several times within seconds.
package dedup

import (
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultWindow   = 60 * time.Second
	defaultCapacity = 100_000
)

type fingerprint struct {
	node     uint32
	packetID uint32
}

// Filter is a bounded seen-set with per-entry TTL. Overflow evicts the oldest
// entry, which is good enough: the goal is suppressing obvious duplicates,
// not cryptographic uniqueness.
type Filter struct {
	seen *ttlcache.Cache[fingerprint, struct{}]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type Option func(*options)

type options struct {
	window   time.Duration
	capacity uint64
}

func WithWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

func WithCapacity(n uint64) Option {
	return func(o *options) { o.capacity = n }
}

func NewFilter(opts ...Option) *Filter {
	o := options{window: defaultWindow, capacity: defaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[fingerprint, struct{}](o.window),
		ttlcache.WithCapacity[fingerprint, struct{}](o.capacity),
	)
	return &Filter{seen: cache}
}

// Start runs the background expiry loop. Optional; Seen also checks TTLs on
// access, so the loop only bounds memory between lookups.
func (f *Filter) Start() { go f.seen.Start() }

func (f *Filter) Stop() { f.seen.Stop() }

// Seen reports whether this packet was already observed within the window,
// inserting it on a miss. Check and insert are a single cache operation so
// concurrent decoders cannot both claim the first sighting.
func (f *Filter) Seen(node, packetID uint32) bool {
	fp := fingerprint{node: node, packetID: packetID}
	_, existed := f.seen.GetOrSet(fp, struct{}{})
	if existed {
		f.hits.Add(1)
		return true
	}
	f.misses.Add(1)
	return false
}

// Stats returns (duplicates blocked, unique forwarded, current set size).
func (f *Filter) Stats() (hits, misses uint64, size int) {
	return f.hits.Load(), f.misses.Load(), f.seen.Len()
}
