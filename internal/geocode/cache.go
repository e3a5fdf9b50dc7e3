package geocode

import (
	"fmt"
	"sync"
	"time"

	"github.com/wesense/meshtastic-ingest/internal/persist"
)

// cacheEntry is one resolved coordinate cell. Names are kept alongside the
// codes so the table mappings can be fixed up offline and the cache replayed.
type cacheEntry struct {
	CountryCode     string `json:"country_code"`
	SubdivisionCode string `json:"subdivision_code"`
	CountryName     string `json:"country,omitempty"`
	Admin1Name      string `json:"admin1,omitempty"`
	CachedAt        int64  `json:"cached_at"`
}

func (e cacheEntry) resolved() bool {
	return e.CountryCode != Unknown && e.CountryCode != ""
}

// Cache is the synchronous lookup layer: rounded coordinates to ISO codes,
// persisted as JSON. Entries only ever improve, a resolved cell is never
// overwritten with unknown, so a flaky resolver cannot erase earlier answers.
type Cache struct {
	path string

	mu      sync.RWMutex
	entries map[string]cacheEntry
	dirty   int
}

// cacheKey rounds to 3 decimal places, about 100 m of ground distance. Close
// enough for country/subdivision resolution and keeps the cache small.
func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.3f,%.3f", lat, lon)
}

func NewCache(path string) *Cache {
	return &Cache{path: path, entries: make(map[string]cacheEntry)}
}

// Load reads the persisted cache. Missing file is a cold start, not an error.
func (c *Cache) Load() (int, error) {
	entries := make(map[string]cacheEntry)
	if _, err := persist.LoadJSON(c.path, &entries); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return len(entries), nil
}

// Get returns the cached codes for a coordinate.
func (c *Cache) Get(lat, lon float64) (country, subdivision string, ok bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(lat, lon)]
	c.mu.RUnlock()
	if !ok {
		return "", "", false
	}
	return e.CountryCode, e.SubdivisionCode, true
}

// Put stores a resolution. Unknown results are cached too, to stop the
// resolver from re-querying hopeless cells, but never replace a real answer.
func (c *Cache) Put(lat, lon float64, country, subdivision, countryName, admin1Name string) {
	key := cacheKey(lat, lon)
	entry := cacheEntry{
		CountryCode:     country,
		SubdivisionCode: subdivision,
		CountryName:     countryName,
		Admin1Name:      admin1Name,
		CachedAt:        time.Now().Unix(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[key]; ok && prev.resolved() && !entry.resolved() {
		return
	}
	c.entries[key] = entry
	c.dirty++
}

// Len returns the number of cached cells.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot persists the cache if anything changed since the last write.
func (c *Cache) Snapshot() error {
	c.mu.Lock()
	if c.dirty == 0 {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]cacheEntry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.dirty = 0
	c.mu.Unlock()
	return persist.WriteJSON(c.path, snapshot)
}
