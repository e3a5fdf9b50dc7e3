package correlate

import (
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
)

// futureTolerance is how far ahead of the ingester's clock a sensor timestamp
// may sit before the reading is rejected. Mesh nodes free-run their RTCs and
// a badly set clock would otherwise poison downstream time series.
const futureTolerance = 30 * time.Second

// TimestampGuard rejects readings stamped in the future and records every
// rejection to a dedicated rotated log for later clock-drift analysis.
type TimestampGuard struct {
	clock clockwork.Clock
	audit *slog.Logger
	close func() error
}

// NewTimestampGuard opens the audit stream at path. An empty path keeps the
// guard active but discards the audit records. Zero rotation settings fall
// back to 50 MB files with 3 backups.
func NewTimestampGuard(path string, maxSizeMB, maxBackups int, clock clockwork.Clock) *TimestampGuard {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	var w io.Writer = io.Discard
	closeFn := func() error { return nil }
	if path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     30, // days
			Compress:   true,
		}
		w = lj
		closeFn = lj.Close
	}
	return &TimestampGuard{
		clock: clock,
		audit: slog.New(slog.NewJSONHandler(w, nil)),
		close: closeFn,
	}
}

// Check reports whether the reading's sensor timestamp is acceptable.
// Rejections are counted and written to the audit log with enough context to
// identify the misbehaving node.
func (g *TimestampGuard) Check(reading model.TelemetryReading, region string) bool {
	delta := reading.SensorTime - g.clock.Now().Unix()
	if delta <= int64(futureTolerance/time.Second) {
		return true
	}
	metrics.FutureTimestampDrops.Inc()
	g.audit.Warn("future timestamp rejected",
		"node_id", reading.Node.String(),
		"region", region,
		"reading_type", string(reading.Type),
		"sensor_time", reading.SensorTime,
		"delta_seconds", delta,
	)
	return false
}

func (g *TimestampGuard) Close() error { return g.close() }
