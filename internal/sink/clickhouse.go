package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
)

type ClickhouseOption func(*ClickhouseWriter)

// ClickhouseWriter owns the connection to the readings table.
type ClickhouseWriter struct {
	db         string
	table      string
	addr       string
	user       string
	pass       string
	disableTLS bool
	conn       clickhouse.Conn
	logger     *slog.Logger
}

func WithClickhouseLogger(logger *slog.Logger) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.logger = logger
	}
}

func WithClickhouseDB(db string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.db = db
	}
}

func WithClickhouseTable(table string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.table = table
	}
}

func WithClickhouseUser(user string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.user = user
	}
}

func WithClickhousePassword(pass string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.pass = pass
	}
}

func WithClickhouseAddr(addr string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.addr = addr
	}
}

func WithTLSDisabled(disableTLS bool) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.disableTLS = disableTLS
	}
}

func NewClickhouseWriter(opts ...ClickhouseOption) (*ClickhouseWriter, error) {
	cw := &ClickhouseWriter{
		user:       "default",
		addr:       "localhost:9000",
		db:         "wesense",
		table:      "meshtastic_readings",
		disableTLS: false,
	}
	for _, opt := range opts {
		opt(cw)
	}

	if cw.logger == nil {
		cw.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	chOpts := &clickhouse.Options{
		Addr: []string{cw.addr},
		Auth: clickhouse.Auth{
			Database: cw.db,
			Username: cw.user,
			Password: cw.pass,
		},
	}
	if !cw.disableTLS {
		chOpts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, err
	}
	cw.conn = conn
	return cw, nil
}

// BatchInsert writes one batch of enriched records.
func (cw *ClickhouseWriter) BatchInsert(ctx context.Context, records []model.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := cw.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s.%s (`, cw.db, cw.table)+`
				timestamp,
				device_id,
				data_source,
				network_source,
				ingestion_node_id,
				reading_type,
				value,
				unit,
				latitude,
				longitude,
				altitude,
				geo_country,
				geo_subdivision,
				board_model,
				deployment_type,
				transport_type,
				location_source,
				node_name
			)`)
	if err != nil {
		return fmt.Errorf("error beginning clickhouse batch: %v", err)
	}
	for _, rec := range records {
		err = batch.Append(
			time.Unix(rec.Reading.SensorTime, 0).UTC(),
			rec.Node.DeviceID(),
			rec.DataSource,
			rec.NetworkSource,
			rec.IngestionNodeID,
			string(rec.Reading.Type),
			rec.Reading.Value,
			rec.Reading.Unit,
			rec.Position.Latitude,
			rec.Position.Longitude,
			rec.Position.Altitude,
			rec.CountryCode,
			rec.SubdivisionCode,
			rec.Position.HardwareModel,
			model.DeploymentType(rec.Position.NodeName),
			"LORA",
			"gps",
			rec.Position.NodeName,
		)
		if err != nil {
			cw.logger.Error("error appending to clickhouse batch", "error", err)
		}
	}
	timer := prometheus.NewTimer(metrics.SinkFlushDuration)
	if err := batch.Send(); err != nil {
		_ = batch.Close()
		return fmt.Errorf("error sending clickhouse batch: %v", err)
	}
	timer.ObserveDuration()

	if err := batch.Close(); err != nil {
		return fmt.Errorf("error closing clickhouse batch: %v", err)
	}
	metrics.SinkRowsWritten.Add(float64(len(records)))
	cw.logger.Debug("sent records to clickhouse", "count", len(records))
	return nil
}

func (cw *ClickhouseWriter) Close() error {
	return cw.conn.Close()
}
