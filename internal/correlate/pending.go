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
	pendingTTL        = time.Hour
	pendingPerNodeCap = 50
	pendingMaxNodes   = 10_000
)

// PendingBuffer holds telemetry for nodes whose position is not yet known.
// Positions beacon far less often than sensors report, so early readings wait
// here until the node's first fix arrives. Owned by the correlator goroutine.
type PendingBuffer struct {
	path  string
	clock clockwork.Clock
	log   *slog.Logger

	nodes map[model.NodeID]*pendingNode
	total int
}

// bufferedReading pairs a reading with the time it entered the buffer. The
// 1-hour TTL is per reading: a reading that waits longer than an hour for a
// position is dropped, never emitted late, even when the node keeps sending.
type bufferedReading struct {
	Reading    model.TelemetryReading `json:"reading"`
	BufferedAt time.Time              `json:"buffered_at"`
}

type pendingNode struct {
	Readings []bufferedReading `json:"readings"`
	// LastAdd drives node-level LRU eviction at the global cap.
	LastAdd time.Time `json:"last_add"`
}

type pendingSnapshot struct {
	Nodes   map[string]*pendingNode `json:"pending"`
	SavedAt int64                   `json:"saved_at"`
}

func NewPendingBuffer(path string, clock clockwork.Clock, log *slog.Logger) *PendingBuffer {
	return &PendingBuffer{
		path:  path,
		clock: clock,
		log:   log,
		nodes: make(map[model.NodeID]*pendingNode),
	}
}

// Load restores the buffer from disk, dropping readings past the TTL. The
// keep filter re-screens each reading; snapshots written before a guard rule
// tightened should not smuggle bad readings back in.
func (b *PendingBuffer) Load(keep func(model.TelemetryReading) bool) error {
	var snap pendingSnapshot
	ok, err := persist.LoadJSON(b.path, &snap)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	now := b.clock.Now()
	for key, pn := range snap.Nodes {
		node, err := parseNodeKey(key)
		if err != nil {
			b.log.Warn("skipping malformed node key in pending buffer", "key", key)
			continue
		}
		kept := pn.Readings[:0]
		for _, br := range pn.Readings {
			if now.Sub(br.BufferedAt) >= pendingTTL {
				continue
			}
			br.Reading.Node = node
			if keep == nil || keep(br.Reading) {
				kept = append(kept, br)
			}
		}
		if len(kept) == 0 {
			continue
		}
		pn.Readings = kept
		b.nodes[node] = pn
		b.total += len(kept)
	}
	b.updateGauges()
	b.log.Info("loaded pending buffer", "path", b.path, "nodes", len(b.nodes), "readings", b.total)
	return nil
}

// Add buffers a reading for a node without a known position. The per-node cap
// drops the oldest reading first; the node cap evicts the least recently
// touched node wholesale.
func (b *PendingBuffer) Add(node model.NodeID, reading model.TelemetryReading) {
	pn, ok := b.nodes[node]
	if !ok {
		if len(b.nodes) >= pendingMaxNodes {
			b.evictOldestNode()
		}
		pn = &pendingNode{}
		b.nodes[node] = pn
	}
	if len(pn.Readings) >= pendingPerNodeCap {
		pn.Readings = pn.Readings[1:]
		b.total--
	}
	now := b.clock.Now()
	pn.Readings = append(pn.Readings, bufferedReading{Reading: reading, BufferedAt: now})
	pn.LastAdd = now
	b.total++
	b.updateGauges()
}

// Drain removes all buffered readings for a node, typically on its first
// position fix, returning only those still within the TTL.
func (b *PendingBuffer) Drain(node model.NodeID) []model.TelemetryReading {
	pn, ok := b.nodes[node]
	if !ok {
		return nil
	}
	delete(b.nodes, node)
	b.total -= len(pn.Readings)
	b.updateGauges()

	now := b.clock.Now()
	var out []model.TelemetryReading
	for _, br := range pn.Readings {
		if now.Sub(br.BufferedAt) >= pendingTTL {
			continue
		}
		out = append(out, br.Reading)
	}
	return out
}

// Sweep removes readings older than the TTL, and with them any node left
// empty. Returns the number of readings dropped.
func (b *PendingBuffer) Sweep() int {
	now := b.clock.Now()
	dropped := 0
	for node, pn := range b.nodes {
		kept := pn.Readings[:0]
		for _, br := range pn.Readings {
			if now.Sub(br.BufferedAt) >= pendingTTL {
				dropped++
				continue
			}
			kept = append(kept, br)
		}
		if len(kept) == 0 {
			delete(b.nodes, node)
			continue
		}
		pn.Readings = kept
	}
	if dropped > 0 {
		b.total -= dropped
		b.updateGauges()
	}
	return dropped
}

// Len returns (buffered nodes, buffered readings).
func (b *PendingBuffer) Len() (nodes, readings int) {
	return len(b.nodes), b.total
}

// Snapshot writes the buffer to disk.
func (b *PendingBuffer) Snapshot() error {
	snap := pendingSnapshot{
		Nodes:   make(map[string]*pendingNode, len(b.nodes)),
		SavedAt: b.clock.Now().Unix(),
	}
	for node, pn := range b.nodes {
		snap.Nodes[node.String()] = pn
	}
	return persist.WriteJSON(b.path, &snap)
}

func (b *PendingBuffer) evictOldestNode() {
	var oldest model.NodeID
	var oldestAt time.Time
	first := true
	for node, pn := range b.nodes {
		if first || pn.LastAdd.Before(oldestAt) {
			oldest, oldestAt = node, pn.LastAdd
			first = false
		}
	}
	if first {
		return
	}
	b.total -= len(b.nodes[oldest].Readings)
	delete(b.nodes, oldest)
}

func (b *PendingBuffer) updateGauges() {
	metrics.PendingNodes.Set(float64(len(b.nodes)))
	metrics.PendingReadings.Set(float64(b.total))
}
