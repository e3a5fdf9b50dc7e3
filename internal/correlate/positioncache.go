package correlate

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
	"github.com/wesense/meshtastic-ingest/internal/persist"
)

const (
	positionTTL = 7 * 24 * time.Hour

	// Snapshot every N puts or T elapsed, whichever comes first.
	// Write-through would cost a disk write per mesh beacon.
	snapshotEveryN = 100
	snapshotEveryT = 300 * time.Second
)

// PositionCache holds each node's last known position. It is exclusively
// owned by the correlator goroutine; nothing here is locked.
type PositionCache struct {
	path  string
	clock clockwork.Clock
	log   *slog.Logger

	entries map[model.NodeID]*model.Position

	putsSinceSnapshot int
	lastSnapshot      time.Time
}

// positionSnapshot is the on-disk format. Keys are the "!hex" node form used
// since the first ingester generation, so old snapshots keep loading.
type positionSnapshot struct {
	Nodes   map[string]*model.Position `json:"nodes_with_position"`
	SavedAt int64                      `json:"saved_at"`
}

func NewPositionCache(path string, clock clockwork.Clock, log *slog.Logger) *PositionCache {
	return &PositionCache{
		path:         path,
		clock:        clock,
		log:          log,
		entries:      make(map[model.NodeID]*model.Position),
		lastSnapshot: clock.Now(),
	}
}

// Load reads the snapshot, dropping entries past the 7-day TTL in one pass.
func (c *PositionCache) Load() error {
	var snap positionSnapshot
	ok, err := persist.LoadJSON(c.path, &snap)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	now := c.clock.Now()
	expired := 0
	for key, pos := range snap.Nodes {
		node, err := parseNodeKey(key)
		if err != nil {
			c.log.Warn("skipping malformed node key in position cache", "key", key)
			continue
		}
		if now.Sub(pos.ReceivedAt) >= positionTTL {
			expired++
			continue
		}
		pos.Node = node
		c.entries[node] = pos
	}
	metrics.PositionCacheSize.Set(float64(len(c.entries)))
	c.log.Info("loaded position cache",
		"path", c.path, "nodes", len(c.entries), "expired", expired,
		"age", now.Unix()-snap.SavedAt)
	return nil
}

// Put stores or overwrites a node's position.
func (c *PositionCache) Put(node model.NodeID, pos *model.Position) {
	c.entries[node] = pos
	metrics.PositionCacheSize.Set(float64(len(c.entries)))
	c.putsSinceSnapshot++
	c.maybeSnapshot()
}

// Get returns the node's position, or nil on miss or expiry. Expired entries
// are removed on access.
func (c *PositionCache) Get(node model.NodeID) *model.Position {
	pos, ok := c.entries[node]
	if !ok {
		return nil
	}
	if c.clock.Now().Sub(pos.ReceivedAt) >= positionTTL {
		delete(c.entries, node)
		metrics.PositionCacheSize.Set(float64(len(c.entries)))
		return nil
	}
	return pos
}

// Sweep removes all expired entries. Run periodically by the correlator.
func (c *PositionCache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for node, pos := range c.entries {
		if now.Sub(pos.ReceivedAt) >= positionTTL {
			delete(c.entries, node)
			removed++
		}
	}
	if removed > 0 {
		metrics.PositionCacheSize.Set(float64(len(c.entries)))
	}
	return removed
}

// Len returns the number of cached nodes.
func (c *PositionCache) Len() int { return len(c.entries) }

// ActiveSince counts nodes whose newest emitted reading is at or after
// cutoff. Backs the hourly-active-node summary.
func (c *PositionCache) ActiveSince(cutoff time.Time) int {
	cut := cutoff.Unix()
	n := 0
	for _, pos := range c.entries {
		if pos.LastEnvTime >= cut {
			n++
		}
	}
	return n
}

// Snapshot writes the cache to disk unconditionally.
func (c *PositionCache) Snapshot() error {
	snap := positionSnapshot{
		Nodes:   make(map[string]*model.Position, len(c.entries)),
		SavedAt: c.clock.Now().Unix(),
	}
	for node, pos := range c.entries {
		snap.Nodes[node.String()] = pos
	}
	if err := persist.WriteJSON(c.path, &snap); err != nil {
		return err
	}
	c.putsSinceSnapshot = 0
	c.lastSnapshot = c.clock.Now()
	return nil
}

func (c *PositionCache) maybeSnapshot() {
	if c.putsSinceSnapshot < snapshotEveryN && c.clock.Now().Sub(c.lastSnapshot) < snapshotEveryT {
		return
	}
	if err := c.Snapshot(); err != nil {
		c.log.Warn("position cache snapshot failed", "error", err)
	}
}
