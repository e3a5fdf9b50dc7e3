package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wesense_meshtastic_ingest_build_info",
		Help: "Build information of the meshtastic ingester",
	}, []string{"version", "commit", "date"})

	MQTTMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_mqtt_messages_total", Help: "Total MQTT messages received, per region.",
	}, []string{"region"})
	MQTTReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_mqtt_reconnects_total", Help: "Total subscriber reconnect attempts, per region.",
	}, []string{"region"})

	DecryptErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_decrypt_errors_total", Help: "Total packet decryption failures.",
	})
	DecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_decode_errors_total", Help: "Total envelope/packet decode failures.",
	})
	UnsupportedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_unsupported_packets_total", Help: "Packets on ports the ingester does not handle.",
	})
	PacketsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_packets_decoded_total", Help: "Successfully decoded packets, per kind.",
	}, []string{"kind"})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_dedup_hits_total", Help: "Packets dropped as mesh-flood duplicates.",
	})
	FutureTimestampDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_future_timestamp_drops_total", Help: "Readings rejected by the future-timestamp guard.",
	})

	PositionCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wesense_meshtastic_ingest_position_cache_size", Help: "Nodes currently held in the position cache.",
	})
	PendingNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wesense_meshtastic_ingest_pending_nodes", Help: "Nodes with telemetry buffered while waiting for a position.",
	})
	PendingReadings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wesense_meshtastic_ingest_pending_readings", Help: "Telemetry readings buffered while waiting for a position.",
	})
	RecordsCorrelated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_records_correlated_total", Help: "Enriched records produced by the correlator.",
	})

	GeocodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_geocode_cache_hits_total", Help: "Synchronous geocoder L1 cache hits.",
	})
	GeocodeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_geocode_cache_misses_total", Help: "Geocoder L1 cache misses (record emitted as unknown).",
	})
	GeocodeResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_geocode_resolves_total", Help: "Async geocode resolutions, per layer.",
	}, []string{"layer"})

	SinkRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_sink_rows_written_total", Help: "Rows successfully written to ClickHouse.",
	})
	SinkBatchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_sink_batches_dropped_total", Help: "Batches dropped after exhausting flush retries.",
	})
	SinkFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "wesense_meshtastic_ingest_sink_flush_duration_seconds", Help: "Duration of ClickHouse batch flushes.",
	})
	RepublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wesense_meshtastic_ingest_republish_outcomes_total", Help: "MQTT republish outcomes.",
	}, []string{"result"})
)
