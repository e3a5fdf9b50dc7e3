// Package correlate joins the mesh's independent position and telemetry
// streams into enriched records. A single goroutine owns the position cache
// and pending buffer, so the hot path runs without locks and per-node arrival
// order is preserved end to end.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
)

const sweepInterval = 5 * time.Minute

// Geocoder is the synchronous lookup surface the correlator uses. Lookup must
// be cheap (cache only); a miss is answered with unknown codes while Resolve
// fills the cache in the background for later readings from the same area.
type Geocoder interface {
	Lookup(lat, lon float64) (country, subdivision string, ok bool)
	Resolve(lat, lon float64)
}

const unknownGeo = "unknown"

// Config carries the correlator's provenance constants and cache paths.
type Config struct {
	PositionCachePath string
	PendingBufferPath string
	FutureLogPath     string
	LogMaxSizeMB      int
	LogMaxBackups     int

	DataSource      string
	NetworkSource   string
	IngestionNodeID string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.DataSource == "" || c.NetworkSource == "" {
		return fmt.Errorf("data source and network source are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Correlator consumes decoded packets and produces enriched records. Run is
// the only goroutine that touches the caches.
type Correlator struct {
	cfg      Config
	log      *slog.Logger
	clock    clockwork.Clock
	geocoder Geocoder

	positions *PositionCache
	pending   *PendingBuffer
	guard     *TimestampGuard

	// nodeInfo holds NODEINFO fields seen before the node's first fix.
	nodeInfo map[model.NodeID]model.NodeInfo

	snapshotReq chan struct{}

	// Published for the stats loop; refreshed on load and on each sweep since
	// the caches themselves are single-owner.
	statPositions atomic.Int64
	statActive    atomic.Int64
}

func New(cfg Config, geocoder Geocoder) (*Correlator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if geocoder == nil {
		return nil, fmt.Errorf("geocoder is required")
	}
	log := cfg.Logger.With("component", "correlator")
	return &Correlator{
		cfg:         cfg,
		log:         log,
		clock:       cfg.Clock,
		geocoder:    geocoder,
		positions:   NewPositionCache(cfg.PositionCachePath, cfg.Clock, log),
		pending:     NewPendingBuffer(cfg.PendingBufferPath, cfg.Clock, log),
		guard:       NewTimestampGuard(cfg.FutureLogPath, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.Clock),
		nodeInfo:    make(map[model.NodeID]model.NodeInfo),
		snapshotReq: make(chan struct{}, 1),
	}, nil
}

// Load restores both caches from their snapshots.
func (c *Correlator) Load() error {
	if err := c.positions.Load(); err != nil {
		return fmt.Errorf("failed to load position cache: %w", err)
	}
	keep := func(r model.TelemetryReading) bool { return c.guard.Check(r, "restore") }
	if err := c.pending.Load(keep); err != nil {
		return fmt.Errorf("failed to load pending buffer: %w", err)
	}
	c.refreshStats()
	return nil
}

// Stats returns the cached position count and the nodes that emitted a
// reading within the last hour, as of the last sweep.
func (c *Correlator) Stats() (positions, activeLastHour int) {
	return int(c.statPositions.Load()), int(c.statActive.Load())
}

func (c *Correlator) refreshStats() {
	c.statPositions.Store(int64(c.positions.Len()))
	c.statActive.Store(int64(c.positions.ActiveSince(c.clock.Now().Add(-time.Hour))))
}

// RequestSnapshot asks the run loop to persist both caches. Safe to call from
// any goroutine; coalesces if a request is already queued.
func (c *Correlator) RequestSnapshot() {
	select {
	case c.snapshotReq <- struct{}{}:
	default:
	}
}

// Run consumes packets from in and sends enriched records to out until in is
// closed or ctx is cancelled. On exit both caches are snapshotted and out is
// closed.
func (c *Correlator) Run(ctx context.Context, in <-chan *model.Packet, out chan<- model.EnrichedRecord) error {
	defer close(out)
	defer c.shutdown()

	sweep := c.clock.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.Chan():
			c.sweep()
		case <-c.snapshotReq:
			c.snapshot()
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			c.handle(ctx, pkt, out)
		}
	}
}

func (c *Correlator) handle(ctx context.Context, pkt *model.Packet, out chan<- model.EnrichedRecord) {
	switch pkt.Kind {
	case model.KindPosition:
		c.handlePosition(ctx, pkt, out)
	case model.KindNodeInfo:
		c.handleNodeInfo(pkt)
	case model.KindTelemetry:
		c.handleTelemetry(ctx, pkt, out)
	}
}

func (c *Correlator) handlePosition(ctx context.Context, pkt *model.Packet, out chan<- model.EnrichedRecord) {
	pos := pkt.Position

	// A fresh fix replaces coordinates but keeps node metadata accumulated
	// from earlier NODEINFO and position packets.
	if prev := c.positions.Get(pkt.Node); prev != nil {
		if pos.NodeName == "" {
			pos.NodeName = prev.NodeName
		}
		if pos.HardwareModel == "" {
			pos.HardwareModel = prev.HardwareModel
		}
		pos.LastEnvTime = prev.LastEnvTime
	} else if info, ok := c.nodeInfo[pkt.Node]; ok {
		pos.NodeName = info.LongName
		pos.HardwareModel = info.HardwareModel
		delete(c.nodeInfo, pkt.Node)
	}
	c.positions.Put(pkt.Node, pos)

	// First usable fix unblocks everything buffered for this node.
	for _, reading := range c.pending.Drain(pkt.Node) {
		c.emit(ctx, reading, pkt, out)
	}
}

func (c *Correlator) handleNodeInfo(pkt *model.Packet) {
	info := pkt.NodeInfo
	if pos := c.positions.Get(pkt.Node); pos != nil {
		if info.LongName != "" {
			pos.NodeName = info.LongName
		}
		if info.HardwareModel != "" {
			pos.HardwareModel = info.HardwareModel
		}
		c.positions.Put(pkt.Node, pos)
		return
	}
	c.nodeInfo[pkt.Node] = *info
}

func (c *Correlator) handleTelemetry(ctx context.Context, pkt *model.Packet, out chan<- model.EnrichedRecord) {
	for _, reading := range pkt.Readings {
		if !c.guard.Check(reading, pkt.Region) {
			continue
		}
		if c.positions.Get(pkt.Node) == nil {
			c.pending.Add(pkt.Node, reading)
			continue
		}
		c.emit(ctx, reading, pkt, out)
	}
}

// emit joins one reading with its node's cached position and geography and
// sends the enriched record downstream. Region and republish provenance come
// from the packet that triggered the emission.
func (c *Correlator) emit(ctx context.Context, reading model.TelemetryReading, pkt *model.Packet, out chan<- model.EnrichedRecord) {
	pos := c.positions.Get(reading.Node)
	if pos == nil {
		// Position expired between the check and the join; rebuffer.
		c.pending.Add(reading.Node, reading)
		return
	}
	if reading.SensorTime > pos.LastEnvTime {
		pos.LastEnvTime = reading.SensorTime
	}

	country, subdivision, ok := c.geocoder.Lookup(pos.Latitude, pos.Longitude)
	if !ok {
		country, subdivision = unknownGeo, unknownGeo
		c.geocoder.Resolve(pos.Latitude, pos.Longitude)
	}

	rec := model.EnrichedRecord{
		Node:            reading.Node,
		Reading:         reading,
		Position:        *pos,
		CountryCode:     country,
		SubdivisionCode: subdivision,
		DataSource:      c.cfg.DataSource,
		NetworkSource:   networkSource(c.cfg.NetworkSource, pkt.Region),
		IngestionNodeID: c.cfg.IngestionNodeID,
		Republish:       pkt.Republish,
		ReceivedAt:      c.clock.Now().UTC(),
	}
	select {
	case out <- rec:
		metrics.RecordsCorrelated.Inc()
	case <-ctx.Done():
	}
}

func (c *Correlator) sweep() {
	expired := c.positions.Sweep()
	dropped := c.pending.Sweep()
	c.refreshStats()
	if expired > 0 || dropped > 0 {
		c.log.Info("cache sweep", "positions_expired", expired, "pending_dropped", dropped)
	}
}

func (c *Correlator) snapshot() {
	if err := c.positions.Snapshot(); err != nil {
		c.log.Warn("position cache snapshot failed", "error", err)
	}
	if err := c.pending.Snapshot(); err != nil {
		c.log.Warn("pending buffer snapshot failed", "error", err)
	}
}

func (c *Correlator) shutdown() {
	c.snapshot()
	if err := c.guard.Close(); err != nil {
		c.log.Warn("failed to close future-timestamp log", "error", err)
	}
	nodes, readings := c.pending.Len()
	c.log.Info("correlator stopped",
		"cached_positions", c.positions.Len(),
		"pending_nodes", nodes,
		"pending_readings", readings)
}

// networkSource qualifies the base network source with the mesh region,
// e.g. "meshtastic_mqtt" + "ANZ" -> "meshtastic_mqtt_anz".
func networkSource(base, region string) string {
	if region == "" {
		return base
	}
	return base + "_" + strings.ToLower(region)
}

// parseNodeKey reverses model.NodeID.String, accepting both the "!hex" form
// and bare hex.
func parseNodeKey(key string) (model.NodeID, error) {
	key = strings.TrimPrefix(key, "!")
	n, err := strconv.ParseUint(key, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node key %q: %w", key, err)
	}
	return model.NodeID(n), nil
}
