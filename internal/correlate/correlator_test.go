package correlate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wesense/meshtastic-ingest/internal/model"
)

type fakeGeocoder struct {
	mu       sync.Mutex
	known    map[string][2]string
	resolves []string
}

func newFakeGeocoder() *fakeGeocoder {
	return &fakeGeocoder{known: make(map[string][2]string)}
}

func geoKey(lat, lon float64) string { return fmt.Sprintf("%.3f,%.3f", lat, lon) }

func (f *fakeGeocoder) add(lat, lon float64, country, subdivision string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[geoKey(lat, lon)] = [2]string{country, subdivision}
}

func (f *fakeGeocoder) Lookup(lat, lon float64) (string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if codes, ok := f.known[geoKey(lat, lon)]; ok {
		return codes[0], codes[1], true
	}
	return "", "", false
}

func (f *fakeGeocoder) Resolve(lat, lon float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, geoKey(lat, lon))
}

func (f *fakeGeocoder) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolves)
}

type harness struct {
	corr  *Correlator
	clock *clockwork.FakeClock
	geo   *fakeGeocoder
	in    chan *model.Packet
	out   chan model.EnrichedRecord
	done  chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Unix(1_724_400_000, 0))
	geo := newFakeGeocoder()

	corr, err := New(Config{
		PositionCachePath: filepath.Join(dir, "pos.json"),
		PendingBufferPath: filepath.Join(dir, "pending.json"),
		FutureLogPath:     filepath.Join(dir, "future.log"),
		DataSource:        "MESHTASTIC",
		NetworkSource:     "meshtastic-downlink",
		IngestionNodeID:   "test-host",
		Clock:             clock,
		Logger:            testLogger(),
	}, geo)
	require.NoError(t, err)
	require.NoError(t, corr.Load())

	h := &harness{
		corr:  corr,
		clock: clock,
		geo:   geo,
		in:    make(chan *model.Packet, 64),
		out:   make(chan model.EnrichedRecord, 64),
		done:  make(chan error, 1),
	}
	go func() {
		h.done <- corr.Run(context.Background(), h.in, h.out)
	}()
	return h
}

// finish closes the input and gathers everything emitted.
func (h *harness) finish(t *testing.T) []model.EnrichedRecord {
	t.Helper()
	close(h.in)
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("correlator did not stop")
	}
	var records []model.EnrichedRecord
	for rec := range h.out {
		records = append(records, rec)
	}
	return records
}

func positionPacket(node model.NodeID, lat, lon float64, at time.Time) *model.Packet {
	return &model.Packet{
		Kind:   model.KindPosition,
		Node:   node,
		Region: "ANZ",
		Position: &model.Position{
			Node:       node,
			Latitude:   lat,
			Longitude:  lon,
			ReceivedAt: at,
		},
	}
}

func telemetryPacket(node model.NodeID, sensorTime int64, value float64) *model.Packet {
	return &model.Packet{
		Kind:     model.KindTelemetry,
		Node:     node,
		Region:   "ANZ",
		Readings: []model.TelemetryReading{testReading(node, sensorTime, value)},
	}
}

func TestCorrelatorJoinsTelemetryWithPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- positionPacket(1, -36.8485, 174.7633, now)
	h.in <- telemetryPacket(1, now.Unix(), 21.5)

	records := h.finish(t)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "nz", rec.CountryCode)
	require.Equal(t, "auk", rec.SubdivisionCode)
	require.Equal(t, "MESHTASTIC", rec.DataSource)
	require.Equal(t, "meshtastic-downlink_anz", rec.NetworkSource)
	require.Equal(t, "test-host", rec.IngestionNodeID)
	require.InDelta(t, -36.8485, rec.Position.Latitude, 1e-9)
	require.InDelta(t, 21.5, rec.Reading.Value, 1e-9)
}

func TestCorrelatorBuffersTelemetryUntilPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(51.5074, -0.1278, "gb", "eng")

	now := h.clock.Now()
	h.in <- telemetryPacket(2, now.Unix()-10, 1.0)
	h.in <- telemetryPacket(2, now.Unix()-5, 2.0)
	h.in <- positionPacket(2, 51.5074, -0.1278, now)

	records := h.finish(t)
	require.Len(t, records, 2, "buffered readings drain on first position")
	require.InDelta(t, 1.0, records[0].Reading.Value, 1e-9)
	require.InDelta(t, 2.0, records[1].Reading.Value, 1e-9)
	require.Equal(t, "gb", records[0].CountryCode)
}

func TestCorrelatorNodeInfoMergesIntoPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- positionPacket(3, -36.8485, 174.7633, now)
	h.in <- &model.Packet{
		Kind:     model.KindNodeInfo,
		Node:     3,
		Region:   "ANZ",
		NodeInfo: &model.NodeInfo{LongName: "WS-Ponsonby-01", HardwareModel: "Heltec V3"},
	}
	h.in <- telemetryPacket(3, now.Unix(), 20.0)

	records := h.finish(t)
	require.Len(t, records, 1)
	require.Equal(t, "WS-Ponsonby-01", records[0].Position.NodeName)
	require.Equal(t, "Heltec V3", records[0].Position.HardwareModel)
}

func TestCorrelatorNodeInfoBeforePositionApplied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- &model.Packet{
		Kind:     model.KindNodeInfo,
		Node:     4,
		Region:   "ANZ",
		NodeInfo: &model.NodeInfo{LongName: "WS-Grey-Lynn", HardwareModel: "RAK4631"},
	}
	h.in <- positionPacket(4, -36.8485, 174.7633, now)
	h.in <- telemetryPacket(4, now.Unix(), 20.0)

	records := h.finish(t)
	require.Len(t, records, 1)
	require.Equal(t, "WS-Grey-Lynn", records[0].Position.NodeName)
	require.Equal(t, "RAK4631", records[0].Position.HardwareModel)
}

func TestCorrelatorNodeInfoNeverCreatesPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	now := h.clock.Now()
	h.in <- &model.Packet{
		Kind:     model.KindNodeInfo,
		Node:     5,
		Region:   "ANZ",
		NodeInfo: &model.NodeInfo{LongName: "nameless"},
	}
	h.in <- telemetryPacket(5, now.Unix(), 20.0)

	records := h.finish(t)
	require.Empty(t, records, "telemetry stays buffered without a real fix")
}

func TestCorrelatorDropsFutureTimestamps(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- positionPacket(6, -36.8485, 174.7633, now)
	h.in <- telemetryPacket(6, now.Unix()+31, 1.0)
	h.in <- telemetryPacket(6, now.Unix()+30, 2.0)

	records := h.finish(t)
	require.Len(t, records, 1)
	require.InDelta(t, 2.0, records[0].Reading.Value, 1e-9)
}

func TestCorrelatorUnknownGeographyTriggersResolve(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	now := h.clock.Now()
	h.in <- positionPacket(7, 12.34, 56.78, now)
	h.in <- telemetryPacket(7, now.Unix(), 20.0)

	records := h.finish(t)
	require.Len(t, records, 1)
	require.Equal(t, "unknown", records[0].CountryCode)
	require.Equal(t, "unknown", records[0].SubdivisionCode)
	require.Equal(t, 1, h.geo.resolveCount())
}

func TestCorrelatorExpiredPositionRebuffers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	h.in <- positionPacket(8, -36.8485, 174.7633, h.clock.Now())
	// Force the handoff to land before advancing the clock.
	h.in <- telemetryPacket(8, h.clock.Now().Unix(), 1.0)
	waitForRecords(t, h.out, 1)

	h.clock.Advance(positionTTL)
	h.in <- telemetryPacket(8, h.clock.Now().Unix(), 2.0)

	records := h.finish(t)
	require.Empty(t, records, "telemetry after position expiry is buffered again")
}

func TestCorrelatorDropsStaleBufferedReadingsAtDrain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- telemetryPacket(10, now.Unix(), 1.0)
	// A join on another node fences the buffered add before the clock moves.
	h.in <- positionPacket(11, -36.8485, 174.7633, now)
	h.in <- telemetryPacket(11, now.Unix(), 9.0)
	waitForRecords(t, h.out, 1)

	h.clock.Advance(55 * time.Minute)
	h.in <- telemetryPacket(10, h.clock.Now().Unix(), 2.0)
	h.in <- telemetryPacket(11, h.clock.Now().Unix(), 9.0)
	waitForRecords(t, h.out, 1)

	// The first buffered reading is now 75 minutes old; a steady sender must
	// not carry it past the buffer TTL.
	h.clock.Advance(20 * time.Minute)
	h.in <- positionPacket(10, -36.8485, 174.7633, h.clock.Now())

	records := h.finish(t)
	require.Len(t, records, 1)
	require.Equal(t, model.NodeID(10), records[0].Node)
	require.InDelta(t, 2.0, records[0].Reading.Value, 1e-9)
}

func TestCorrelatorCarriesRepublishFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- positionPacket(12, -36.8485, 174.7633, now)

	on := telemetryPacket(12, now.Unix(), 1.0)
	on.Republish = true
	h.in <- on
	h.in <- telemetryPacket(12, now.Unix(), 2.0)

	records := h.finish(t)
	require.Len(t, records, 2)
	require.True(t, records[0].Republish)
	require.False(t, records[1].Republish)
}

func TestCorrelatorTracksLastEnvTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.geo.add(-36.8485, 174.7633, "nz", "auk")

	now := h.clock.Now()
	h.in <- positionPacket(9, -36.8485, 174.7633, now)
	h.in <- telemetryPacket(9, now.Unix()-100, 1.0)
	h.in <- telemetryPacket(9, now.Unix(), 2.0)

	records := h.finish(t)
	require.Len(t, records, 2)
	require.Equal(t, now.Unix(), records[1].Position.LastEnvTime)
}

func waitForRecords(t *testing.T, out <-chan model.EnrichedRecord, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-out:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for record %d of %d", i+1, n)
		}
	}
}
