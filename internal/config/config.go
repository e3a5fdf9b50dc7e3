// Package config loads the ingester's configuration from the environment and
// the regional broker file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects where packets come from. Downlink mode fans in from the
// regional broker fleet; community mode listens to a single local broker
// configured entirely from the environment.
const (
	ModeDownlink  = "downlink"
	ModeCommunity = "community"
)

// Region is one upstream MQTT subscription.
type Region struct {
	Name             string `json:"-"`
	Broker           string `json:"broker"`
	Port             int    `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Topic            string `json:"topic"`
	Enabled          bool   `json:"enabled"`
	PublishToWesense bool   `json:"publish_to_wesense"`
}

// MQTTOutput is the downstream republish broker.
type MQTTOutput struct {
	Broker   string
	Port     int
	Username string
	Password string
}

// ClickHouse carries sink connection and batching settings.
type ClickHouse struct {
	Host          string
	Port          int
	Database      string
	Table         string
	Username      string
	Password      string
	TLSDisabled   bool
	BatchSize     int
	FlushInterval time.Duration
}

// Config is the full ingester configuration.
type Config struct {
	Mode            string
	ChannelPSK      string
	IngestionNodeID string
	RegionsFile     string
	Regions         []Region

	Output     MQTTOutput
	ClickHouse ClickHouse

	CacheDir       string
	LogDir         string
	LogMaxSizeMB   int
	LogMaxBackups  int
	GazetteerPath  string
	GeocoderOnline bool

	MetricsAddr   string
	StatsInterval time.Duration
	Debug         bool
}

// Load builds the configuration from the environment, then loads and filters
// the region set for the selected mode.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	mode := strings.ToLower(getenv("MESHTASTIC_MODE", ModeDownlink))
	// "public" predates the downlink naming and maps onto it.
	if mode == "public" {
		mode = ModeDownlink
	}
	if mode != ModeDownlink && mode != ModeCommunity {
		return nil, fmt.Errorf("invalid MESHTASTIC_MODE %q", mode)
	}

	cfg := &Config{
		Mode:            mode,
		ChannelPSK:      getenv("MESHTASTIC_CHANNEL_KEY", ""),
		IngestionNodeID: getenv("INGESTION_NODE_ID", hostname),
		RegionsFile:     getenv("MQTT_REGIONS_FILE", "config/mqtt_regions.json"),
		Output: MQTTOutput{
			Broker:   getenv("WESENSE_OUTPUT_BROKER", getenv("MQTT_BROKER", "localhost")),
			Port:     getenvInt("WESENSE_OUTPUT_PORT", getenvInt("MQTT_PORT", 1883)),
			Username: getenv("WESENSE_OUTPUT_USERNAME", getenv("MQTT_USERNAME", "")),
			Password: getenv("WESENSE_OUTPUT_PASSWORD", getenv("MQTT_PASSWORD", "")),
		},
		ClickHouse: ClickHouse{
			Host:          getenv("CLICKHOUSE_HOST", "localhost"),
			Port:          getenvInt("CLICKHOUSE_PORT", 9000),
			Database:      getenv("CLICKHOUSE_DATABASE", "wesense"),
			Table:         getenv("CLICKHOUSE_TABLE", "meshtastic_readings"),
			Username:      getenv("CLICKHOUSE_USER", "default"),
			Password:      getenv("CLICKHOUSE_PASS", ""),
			TLSDisabled:   getenvBool("CLICKHOUSE_TLS_DISABLED", false),
			BatchSize:     getenvInt("CLICKHOUSE_BATCH_SIZE", 100),
			FlushInterval: getenvDuration("CLICKHOUSE_FLUSH_INTERVAL", 10*time.Second),
		},
		CacheDir:       getenv("CACHE_DIR", "cache"),
		LogDir:         getenv("LOG_DIR", "logs"),
		LogMaxSizeMB:   getenvInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups:  getenvInt("LOG_MAX_BACKUPS", 3),
		GazetteerPath:  getenv("GAZETTEER_PATH", ""),
		GeocoderOnline: getenvBool("GEOCODER_ONLINE", false),
		MetricsAddr:    getenv("METRICS_ADDR", ""),
		StatsInterval:  getenvDuration("STATS_INTERVAL", 5*time.Minute),
		Debug:          getenvBool("DEBUG", false),
	}

	var err error
	if mode == ModeCommunity {
		cfg.Regions = []Region{localRegion()}
	} else {
		cfg.Regions, err = LoadRegions(cfg.RegionsFile)
		if err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	enabled := 0
	for _, r := range c.Regions {
		if r.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled regions configured")
	}
	if c.ClickHouse.BatchSize <= 0 {
		return fmt.Errorf("CLICKHOUSE_BATCH_SIZE must be positive")
	}
	if c.ClickHouse.FlushInterval <= 0 {
		return fmt.Errorf("CLICKHOUSE_FLUSH_INTERVAL must be positive")
	}
	return nil
}

// EnabledRegions returns the regions the fleet should subscribe to.
func (c *Config) EnabledRegions() []Region {
	var out []Region
	for _, r := range c.Regions {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// LoadRegions reads the regional broker file. Region keys carrying the
// historical "untested_" prefix are cleaned up so the region tag stays stable
// once a region graduates.
func LoadRegions(path string) ([]Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions file: %w", err)
	}
	raw := make(map[string]Region)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse regions file: %w", err)
	}
	regions := make([]Region, 0, len(raw))
	for name, region := range raw {
		region.Name = strings.TrimPrefix(name, "untested_")
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Name < regions[j].Name })
	return regions, nil
}

func localRegion() Region {
	return Region{
		Name:             "LOCAL",
		Broker:           getenv("MQTT_BROKER", getenv("LOCAL_MQTT_HOST", "localhost")),
		Port:             getenvInt("MQTT_PORT", getenvInt("LOCAL_MQTT_PORT", 1883)),
		Username:         getenv("MQTT_USERNAME", getenv("LOCAL_MQTT_USER", "")),
		Password:         getenv("MQTT_PASSWORD", getenv("LOCAL_MQTT_PASSWORD", "")),
		Topic:            getenv("MQTT_SUBSCRIBE_TOPIC", "msh/+/2/e/#"),
		Enabled:          true,
		PublishToWesense: true,
	}
}

// DataSource returns the provenance label for the selected mode.
func (c *Config) DataSource() string { return "MESHTASTIC" }

// NetworkSource returns the base network source label; the correlator
// qualifies it per region.
func (c *Config) NetworkSource() string {
	if c.Mode == ModeCommunity {
		return "meshtastic-community"
	}
	return "meshtastic-downlink"
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
