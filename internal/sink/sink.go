// Package sink is the output edge of the pipeline: enriched records are
// batched into a columnar store and republished, best effort, to the
// downstream MQTT topic tree.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	flushAttempts    = 5
	flushBackoffBase = time.Second
	flushBackoffCap  = 60 * time.Second

	republishWorkers = 8
)

// Writer is the columnar store dependency.
type Writer interface {
	BatchInsert(ctx context.Context, records []model.EnrichedRecord) error
}

// Publisher is the republish dependency.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Option func(*Sink)

func WithBatchSize(n int) Option {
	return func(s *Sink) { s.batchSize = n }
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) { s.flushInterval = d }
}

func WithPublisher(p Publisher) Option {
	return func(s *Sink) { s.publisher = p }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Sink) { s.clock = clock }
}

func WithRetryBackoff(base, cap time.Duration) Option {
	return func(s *Sink) { s.retryBase, s.retryCap = base, cap }
}

// Sink accumulates records and flushes by size or age, whichever comes first.
// Republish runs on a bounded pool so a slow output broker cannot stall the
// columnar write path.
type Sink struct {
	writer        Writer
	publisher     Publisher
	log           *slog.Logger
	clock         clockwork.Clock
	batchSize     int
	flushInterval time.Duration
	retryBase     time.Duration
	retryCap      time.Duration

	pool   pond.Pool
	buffer []model.EnrichedRecord
}

func New(writer Writer, log *slog.Logger, opts ...Option) (*Sink, error) {
	if writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	s := &Sink{
		writer:        writer,
		log:           log.With("component", "sink"),
		clock:         clockwork.NewRealClock(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		retryBase:     flushBackoffBase,
		retryCap:      flushBackoffCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	s.pool = pond.NewPool(republishWorkers)
	return s, nil
}

// Run consumes records until in is closed or ctx is cancelled, then flushes
// whatever is buffered and drains the republish pool.
func (s *Sink) Run(ctx context.Context, in <-chan model.EnrichedRecord) error {
	ticker := s.clock.NewTicker(s.flushInterval)
	defer ticker.Stop()
	defer s.pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.Chan():
			s.flush(ctx)
		case rec, ok := <-in:
			if !ok {
				s.flush(context.WithoutCancel(ctx))
				return nil
			}
			s.republish(rec)
			s.buffer = append(s.buffer, rec)
			if len(s.buffer) >= s.batchSize {
				s.flush(ctx)
			}
		}
	}
}

// flush writes the buffered batch, retrying with exponential backoff. An
// exhausted retry budget drops the batch; blocking the pipeline on a dead
// store would lose more data than the batch itself.
func (s *Sink) flush(ctx context.Context) {
	if len(s.buffer) == 0 {
		return
	}
	batch := s.buffer
	s.buffer = nil

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBase
	policy.MaxInterval = s.retryCap
	policy.MaxElapsedTime = 0

	attempt := 0
	insert := func() error {
		attempt++
		return s.writer.BatchInsert(ctx, batch)
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("batch insert failed, retrying",
			"attempt", attempt, "rows", len(batch), "error", err, "next_attempt_in", next)
	}
	err := backoff.RetryNotify(insert,
		backoff.WithContext(backoff.WithMaxRetries(policy, flushAttempts-1), ctx), notify)
	if err != nil {
		metrics.SinkBatchesDropped.Inc()
		s.log.Error("dropping batch after exhausting retries", "rows", len(batch), "error", err)
	}
}

// readingPayload is the republished JSON shape.
type readingPayload struct {
	Value       float64  `json:"value"`
	Timestamp   int64    `json:"timestamp"`
	DeviceID    string   `json:"device_id"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Altitude    *float64 `json:"altitude,omitempty"`
	Country     string   `json:"country"`
	Subdivision string   `json:"subdivision"`
	Unit        string   `json:"unit"`
	DataSource  string   `json:"data_source"`
	BoardModel  string   `json:"board_model"`
	ReadingType string   `json:"reading_type"`
	NodeName    string   `json:"name,omitempty"`
}

func (s *Sink) republish(rec model.EnrichedRecord) {
	if s.publisher == nil || !rec.Republish {
		return
	}
	topic := fmt.Sprintf("wesense/v1/%s/%s/%s/%s",
		rec.CountryCode, rec.SubdivisionCode, rec.Node.DeviceID(), rec.Reading.Type)
	payload, err := json.Marshal(readingPayload{
		Value:       rec.Reading.Value,
		Timestamp:   rec.Reading.SensorTime,
		DeviceID:    rec.Node.DeviceID(),
		Latitude:    rec.Position.Latitude,
		Longitude:   rec.Position.Longitude,
		Altitude:    rec.Position.Altitude,
		Country:     rec.CountryCode,
		Subdivision: rec.SubdivisionCode,
		Unit:        rec.Reading.Unit,
		DataSource:  rec.NetworkSource,
		BoardModel:  rec.Position.HardwareModel,
		ReadingType: string(rec.Reading.Type),
		NodeName:    rec.Position.NodeName,
	})
	if err != nil {
		s.log.Error("failed to marshal republish payload", "error", err)
		return
	}
	s.pool.Submit(func() {
		if err := s.publisher.Publish(topic, payload); err != nil {
			metrics.RepublishOutcomes.WithLabelValues("error").Inc()
			s.log.Warn("republish failed", "topic", topic, "error", err)
			return
		}
		metrics.RepublishOutcomes.WithLabelValues("ok").Inc()
	})
}
