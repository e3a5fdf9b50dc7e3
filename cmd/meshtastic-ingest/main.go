package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/wesense/meshtastic-ingest/internal/config"
	"github.com/wesense/meshtastic-ingest/internal/correlate"
	"github.com/wesense/meshtastic-ingest/internal/decode"
	"github.com/wesense/meshtastic-ingest/internal/dedup"
	"github.com/wesense/meshtastic-ingest/internal/geocode"
	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
	"github.com/wesense/meshtastic-ingest/internal/mqtt"
	"github.com/wesense/meshtastic-ingest/internal/sink"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	channelDepth     = 1024
	shutdownDeadline = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var showVersion, verbose bool
	var envFile string
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.BoolVar(&verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&envFile, "env-file", ".env", "environment file to load before reading config")
	flag.Parse()

	if showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	_ = godotenv.Load(envFile)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(verbose || cfg.Debug)
	clock := clockwork.NewRealClock()

	log.Info("starting meshtastic ingester",
		"version", version, "mode", cfg.Mode,
		"regions", len(cfg.EnabledRegions()), "node", cfg.IngestionNodeID)

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	key, err := decode.DeriveChannelKey(cfg.ChannelPSK)
	if err != nil {
		return fmt.Errorf("failed to derive channel key: %w", err)
	}
	decoder, err := decode.NewDecoder(key, log, clock)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	filter := dedup.NewFilter()
	filter.Start()
	defer filter.Stop()

	geocoder, err := geocode.New(geocode.Config{
		CachePath:     filepath.Join(cfg.CacheDir, "geocoding_cache.json"),
		GazetteerPath: cfg.GazetteerPath,
		OnlineEnabled: cfg.GeocoderOnline,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to create geocoder: %w", err)
	}

	correlator, err := correlate.New(correlate.Config{
		PositionCachePath: filepath.Join(cfg.CacheDir, "position_cache.json"),
		PendingBufferPath: filepath.Join(cfg.CacheDir, "pending_telemetry.json"),
		FutureLogPath:     filepath.Join(cfg.LogDir, "future_timestamps.log"),
		LogMaxSizeMB:      cfg.LogMaxSizeMB,
		LogMaxBackups:     cfg.LogMaxBackups,
		DataSource:        cfg.DataSource(),
		NetworkSource:     cfg.NetworkSource(),
		IngestionNodeID:   cfg.IngestionNodeID,
		Clock:             clock,
		Logger:            log,
	}, geocoder)
	if err != nil {
		return fmt.Errorf("failed to create correlator: %w", err)
	}
	if err := correlator.Load(); err != nil {
		return fmt.Errorf("failed to load caches: %w", err)
	}

	writer, err := sink.NewClickhouseWriter(
		sink.WithClickhouseAddr(fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)),
		sink.WithClickhouseDB(cfg.ClickHouse.Database),
		sink.WithClickhouseTable(cfg.ClickHouse.Table),
		sink.WithClickhouseUser(cfg.ClickHouse.Username),
		sink.WithClickhousePassword(cfg.ClickHouse.Password),
		sink.WithTLSDisabled(cfg.ClickHouse.TLSDisabled),
		sink.WithClickhouseLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to create clickhouse writer: %w", err)
	}
	defer writer.Close()

	publisher := mqtt.NewPublisher(cfg.Output, fmt.Sprintf("meshtastic_%s_publisher", cfg.Mode), log)
	if err := publisher.Connect(); err != nil {
		// Republish is best effort; the columnar path carries on without it.
		log.Warn("output broker unavailable, republish degraded until reconnect", "error", err)
	}
	defer publisher.Close()

	records, err := sink.New(writer, log,
		sink.WithBatchSize(cfg.ClickHouse.BatchSize),
		sink.WithFlushInterval(cfg.ClickHouse.FlushInterval),
		sink.WithPublisher(publisher),
		sink.WithClock(clock),
	)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	rawCh := make(chan mqtt.RawMessage, channelDepth)
	pktCh := make(chan *model.Packet, channelDepth)
	recCh := make(chan model.EnrichedRecord, channelDepth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// drainCtx outlives the signal context so the pipeline can finish
	// in-flight work; it is cancelled only past the shutdown deadline.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	geoDone := make(chan struct{})
	go func() {
		defer close(geoDone)
		_ = geocoder.Run(drainCtx)
	}()

	corrDone := make(chan struct{})
	go func() {
		defer close(corrDone)
		_ = correlator.Run(drainCtx, pktCh, recCh)
	}()

	sinkDone := make(chan error, 1)
	go func() {
		sinkDone <- records.Run(drainCtx, recCh)
	}()

	var decodeWG sync.WaitGroup
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		decodeWG.Add(1)
		go func() {
			defer decodeWG.Done()
			decodeLoop(drainCtx, decoder, filter, rawCh, pktCh)
		}()
	}
	go func() {
		decodeWG.Wait()
		close(pktCh)
	}()

	fleet, err := mqtt.NewFleet(cfg.EnabledRegions(), rawCh, log)
	if err != nil {
		return err
	}
	if err := fleet.Start(ctx); err != nil {
		return err
	}

	// SIGHUP snapshots the caches without stopping.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Info("snapshot requested")
			correlator.RequestSnapshot()
			if err := geocoder.Snapshot(); err != nil {
				log.Warn("failed to persist geocoding cache", "error", err)
			}
		}
	}()

	go statsLoop(ctx, log, clock, cfg.StatsInterval, filter, fleet, correlator)

	<-ctx.Done()
	log.Info("shutdown signal received")

	// Ordered drain: stop the inflow, let each stage exhaust its channel and
	// close the next, finish with the sink's final flush.
	fleet.Stop()
	close(rawCh)

	select {
	case <-sinkDone:
		log.Info("pipeline drained")
	case <-time.After(shutdownDeadline):
		log.Warn("shutdown deadline exceeded, forcing exit")
		drainCancel()
		select {
		case <-sinkDone:
		case <-time.After(2 * time.Second):
		}
	}

	drainCancel()
	<-geoDone
	signal.Stop(hup)
	close(hup)
	return nil
}

// decodeLoop turns raw envelopes into typed packets, consulting the dedup
// filter at the exit so duplicates never reach the correlator.
func decodeLoop(ctx context.Context, decoder *decode.Decoder, filter *dedup.Filter, in <-chan mqtt.RawMessage, out chan<- *model.Packet) {
	for raw := range in {
		pkt, err := decoder.Decode(raw.Payload, raw.Region)
		if err != nil || pkt == nil {
			continue
		}
		pkt.Republish = raw.Republish
		if filter.Seen(uint32(pkt.Node), pkt.PacketID) {
			metrics.DedupHits.Inc()
			continue
		}
		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

func statsLoop(ctx context.Context, log *slog.Logger, clock clockwork.Clock, interval time.Duration, filter *dedup.Filter, fleet *mqtt.Fleet, correlator *correlate.Correlator) {
	if interval <= 0 {
		return
	}
	start := clock.Now()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			hits, misses, size := filter.Stats()
			positions, active := correlator.Stats()
			log.Info("pipeline stats",
				"uptime", clock.Since(start).Round(time.Second),
				"unique_packets", misses, "duplicates_dropped", hits, "dedup_set_size", size,
				"cached_positions", positions, "active_nodes_1h", active)
			for region, n := range fleet.Counts() {
				log.Info("region stats", "region", region, "messages", n)
			}
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
