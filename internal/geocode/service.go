// Package geocode resolves coordinates to ISO 3166 country and subdivision
// codes. The synchronous path is cache-only so the correlator never blocks on
// geography; misses are resolved in the background by an offline gazetteer
// with a rate-limited online fallback.
package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wesense/meshtastic-ingest/internal/metrics"
)

const (
	resolveQueueDepth     = 1024
	cacheSnapshotInterval = 5 * time.Minute
)

// Config controls the service's layers and persistence.
type Config struct {
	CachePath     string
	GazetteerPath string
	// OnlineEnabled gates Nominatim queries. Off by default in tests and in
	// deployments without egress.
	OnlineEnabled bool

	Logger *slog.Logger
}

// Service is the full two-layer geocoder. Lookup and Resolve are safe from
// any goroutine; the resolve worker is started with Run.
type Service struct {
	cfg       Config
	log       *slog.Logger
	cache     *Cache
	gazetteer *Gazetteer
	online    *NominatimClient

	queue chan resolveJob

	// inflight coalesces resolve requests for the same rounded cell while a
	// job is queued or running.
	mu       sync.Mutex
	inflight map[string]struct{}
}

type resolveJob struct {
	lat, lon float64
	key      string
}

func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	gaz, err := LoadGazetteer(cfg.GazetteerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load gazetteer: %w", err)
	}
	log := cfg.Logger.With("component", "geocoder")

	s := &Service{
		cfg:       cfg,
		log:       log,
		cache:     NewCache(cfg.CachePath),
		gazetteer: gaz,
		queue:     make(chan resolveJob, resolveQueueDepth),
		inflight:  make(map[string]struct{}),
	}
	if cfg.OnlineEnabled {
		s.online = NewNominatimClient()
	}

	n, err := s.cache.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load geocoding cache: %w", err)
	}
	log.Info("geocoder ready", "cached_cells", n, "gazetteer_places", gaz.Len(), "online", cfg.OnlineEnabled)
	return s, nil
}

// Lookup is the synchronous, cache-only path.
func (s *Service) Lookup(lat, lon float64) (country, subdivision string, ok bool) {
	country, subdivision, ok = s.cache.Get(lat, lon)
	if ok {
		metrics.GeocodeCacheHits.Inc()
		return country, subdivision, true
	}
	metrics.GeocodeCacheMisses.Inc()
	return "", "", false
}

// Resolve queues a background resolution for the coordinate's cell. Requests
// for a cell already queued or running are coalesced; a full queue drops the
// request, a later reading will retry.
func (s *Service) Resolve(lat, lon float64) {
	key := cacheKey(lat, lon)
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- resolveJob{lat: lat, lon: lon, key: key}:
	default:
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.log.Warn("geocode resolve queue full, dropping request", "lat", lat, "lon", lon)
	}
}

// Run processes resolve jobs and snapshots the cache periodically until ctx
// is cancelled, then snapshots one last time.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(cacheSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.cache.Snapshot(); err != nil {
				s.log.Warn("failed to persist geocoding cache", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.cache.Snapshot(); err != nil {
				s.log.Warn("failed to persist geocoding cache", "error", err)
			}
		case job := <-s.queue:
			s.resolve(ctx, job)
			s.mu.Lock()
			delete(s.inflight, job.key)
			s.mu.Unlock()
		}
	}
}

// Snapshot persists the cache now. Used on shutdown and SIGHUP.
func (s *Service) Snapshot() error { return s.cache.Snapshot() }

func (s *Service) resolve(ctx context.Context, job resolveJob) {
	if place, ok := s.gazetteer.Nearest(job.lat, job.lon); ok {
		subdivision := SubdivisionCode(place.CountryCode, place.Admin1)
		s.cache.Put(job.lat, job.lon, place.CountryCode, subdivision, "", place.Admin1)
		metrics.GeocodeResolves.WithLabelValues("gazetteer").Inc()
		s.log.Debug("resolved via gazetteer",
			"lat", job.lat, "lon", job.lon,
			"place", place.Name, "country", place.CountryCode, "subdivision", subdivision)
		return
	}

	if s.online == nil {
		s.cache.Put(job.lat, job.lon, Unknown, Unknown, "", "")
		metrics.GeocodeResolves.WithLabelValues("miss").Inc()
		return
	}

	countryName, admin1, err := s.online.Reverse(ctx, job.lat, job.lon)
	if err != nil {
		// Not cached: a transient API failure should not pin the cell to
		// unknown for the life of the cache.
		s.log.Warn("online geocode failed", "lat", job.lat, "lon", job.lon, "error", err)
		return
	}
	country := CountryCode(countryName)
	subdivision := SubdivisionCode(country, admin1)
	if country == Unknown {
		s.log.Info("country name missing from mapping table", "country", countryName, "admin1", admin1)
	}
	s.cache.Put(job.lat, job.lon, country, subdivision, countryName, admin1)
	metrics.GeocodeResolves.WithLabelValues("nominatim").Inc()
}
