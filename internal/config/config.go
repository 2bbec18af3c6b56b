// Copyright 2025 James Ross
package config

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"
)

// BatchSizes holds the per-geography-level chunk size used when requesting
// codes from the statistical service; each must be <= 50 (the service's
// variables-per-call cap doubles as the practical code-batch cap here).
type BatchSizes struct {
	State      int `mapstructure:"state"`
	County     int `mapstructure:"county"`
	Metro      int `mapstructure:"metro"`
	Place      int `mapstructure:"place"`
	Tract      int `mapstructure:"tract"`
	BlockGroup int `mapstructure:"block_group"`
	Zcta       int `mapstructure:"zcta"`
}

// PriorityWeights holds per-geography-level weights, validated to 0..100.
// The catalog's scoring function does not read them: catalog.JobPriority
// uses the catalog's own GeographyPriority table.
type PriorityWeights struct {
	Nation     int `mapstructure:"nation"`
	State      int `mapstructure:"state"`
	Metro      int `mapstructure:"metro"`
	County     int `mapstructure:"county"`
	Place      int `mapstructure:"place"`
	Tract      int `mapstructure:"tract"`
	BlockGroup int `mapstructure:"block_group"`
	Zcta       int `mapstructure:"zcta"`
}

type Quality struct {
	MinCompleteness float64 `mapstructure:"min_completeness"`
	MinAccuracy     float64 `mapstructure:"min_accuracy"`
	MinConsistency  float64 `mapstructure:"min_consistency"`
}

type Validation struct {
	Strict  bool    `mapstructure:"strict"`
	Quality Quality `mapstructure:"quality"`
}

type Budget struct {
	DailyLimit            int           `mapstructure:"daily_limit"`
	ReserveForInteractive int           `mapstructure:"reserve_for_interactive"`
	BurstLimit            int           `mapstructure:"burst_limit"`
	BurstWindow           time.Duration `mapstructure:"burst_window"`
	ResetSchedule         string        `mapstructure:"reset_schedule"`
}

type Backoff struct {
	Base      time.Duration `mapstructure:"base"`
	Max       time.Duration `mapstructure:"max"`
	MaxJitter time.Duration `mapstructure:"max_jitter"`
}

type Pool struct {
	MaxOpenReaders  int `mapstructure:"max_open_readers"`
	MaxOpenWriters  int `mapstructure:"max_open_writers"`
	BatchInsertSize int `mapstructure:"batch_insert_size"`
}

type Store struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres | clickhouse
	DSN    string `mapstructure:"dsn"`
	Pool   Pool   `mapstructure:"pool"`
}

type Cache struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type HTTPClient struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Monitoring struct {
	SnapshotCadence   time.Duration `mapstructure:"snapshot_cadence"`
	RingCapacity      int           `mapstructure:"ring_capacity"`
	ErrorRateWarn     float64       `mapstructure:"error_rate_warn"`
	ErrorRateCritical float64       `mapstructure:"error_rate_critical"`
}

type Tracing struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort   int     `mapstructure:"metrics_port"`
	LogLevel      string  `mapstructure:"log_level"`
	LogFile       string  `mapstructure:"log_file"`
	LogMaxSizeMB  int     `mapstructure:"log_max_size_mb"`
	LogMaxBackups int     `mapstructure:"log_max_backups"`
	LogMaxAgeDays int     `mapstructure:"log_max_age_days"`
	LogCompress   bool    `mapstructure:"log_compress"`
	Tracing       Tracing `mapstructure:"tracing"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Events configures the optional NATS mirror (internal/events.NATSMirror):
// an additive, out-of-process sink for the in-memory event bus. Empty URL
// (the default) leaves the mirror disabled; the bus's in-process delivery
// is unaffected either way.
type Events struct {
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// API is the consumer-facing control surface (start/pause/resume/stop/
// add_custom_job/progress/metrics/health/analytics/config, spec.md §6),
// separate from Observability's /metrics-/healthz-/readyz- only server.
type API struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AnalyticsWindow float64       `mapstructure:"analytics_window_hours"`
}

type Config struct {
	Dataset           string          `mapstructure:"dataset"`
	Year              int             `mapstructure:"year"`
	MaxConcurrentJobs int             `mapstructure:"max_concurrent_jobs"`
	MaxRetries        int             `mapstructure:"max_retries"`
	Backoff           Backoff         `mapstructure:"backoff"`
	BatchSizes        BatchSizes      `mapstructure:"batch_sizes"`
	PriorityWeights   PriorityWeights `mapstructure:"priority_weights"`
	Validation        Validation      `mapstructure:"validation"`
	Budget            Budget          `mapstructure:"budget"`
	Store             Store           `mapstructure:"store"`
	Cache             Cache           `mapstructure:"cache"`
	HTTPClient        HTTPClient      `mapstructure:"http_client"`
	Monitoring        Monitoring      `mapstructure:"monitoring"`
	Observability     Observability   `mapstructure:"observability"`
	Events            Events          `mapstructure:"events"`
	API               API             `mapstructure:"api"`
	CircuitBreaker    CircuitBreaker  `mapstructure:"circuit_breaker"`
	GraceWindow       time.Duration   `mapstructure:"grace_window"`
	TickInterval      time.Duration   `mapstructure:"tick_interval"`
	MemoryConstrained bool            `mapstructure:"memory_constrained"`
	Production        bool            `mapstructure:"production"`
}

func defaultConfig() *Config {
	return &Config{
		Dataset:           "acs5",
		Year:              2022,
		MaxConcurrentJobs: 5,
		MaxRetries:        3,
		Backoff:           Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxJitter: time.Second},
		BatchSizes: BatchSizes{
			State: 1, County: 50, Metro: 50, Place: 50, Tract: 50, BlockGroup: 50, Zcta: 1,
		},
		PriorityWeights: PriorityWeights{
			Nation: 100, State: 90, Metro: 80, County: 70, Place: 60, Tract: 50, BlockGroup: 40, Zcta: 55,
		},
		Validation: Validation{
			Strict:  false,
			Quality: Quality{MinCompleteness: 0.9, MinAccuracy: 0.9, MinConsistency: 0.85},
		},
		Budget: Budget{
			DailyLimit: 500, ReserveForInteractive: 50, BurstLimit: 20,
			BurstWindow: 10 * time.Second, ResetSchedule: "@daily",
		},
		Store: Store{
			Driver: "sqlite", DSN: "census.db",
			Pool: Pool{MaxOpenReaders: 7, MaxOpenWriters: 3, BatchInsertSize: 500},
		},
		Cache: Cache{RedisAddr: "localhost:6379", TTL: 6 * time.Hour},
		HTTPClient: HTTPClient{
			BaseURL: "https://api.census.gov/data", RequestTimeout: 15 * time.Second,
		},
		Monitoring: Monitoring{
			SnapshotCadence: time.Minute, RingCapacity: 1440,
			ErrorRateWarn: 0.1, ErrorRateCritical: 0.25,
		},
		Observability: Observability{
			MetricsPort: 9090, LogLevel: "info",
			LogMaxSizeMB: 100, LogMaxBackups: 7, LogMaxAgeDays: 28,
		},
		Events: Events{NATSSubject: "census.ingest.events"},
		API: API{
			ListenAddr: ":8080", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second,
			AnalyticsWindow: 24,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: 30 * time.Second, MinSamples: 10,
		},
		GraceWindow:  30 * time.Second,
		TickInterval: 500 * time.Millisecond,
	}
}

// Load reads configuration from a YAML file with env overrides, applies
// environment adaptation, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CENSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if v.GetBool("credentialed") {
		ApplyCredentialed(&cfg)
	}
	if cfg.Production {
		ApplyProduction(&cfg)
	}
	if cfg.MemoryConstrained {
		ApplyMemoryConstrained(&cfg)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("dataset", def.Dataset)
	v.SetDefault("year", def.Year)
	v.SetDefault("max_concurrent_jobs", def.MaxConcurrentJobs)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("backoff.base", def.Backoff.Base)
	v.SetDefault("backoff.max", def.Backoff.Max)
	v.SetDefault("backoff.max_jitter", def.Backoff.MaxJitter)
	v.SetDefault("batch_sizes.state", def.BatchSizes.State)
	v.SetDefault("batch_sizes.county", def.BatchSizes.County)
	v.SetDefault("batch_sizes.metro", def.BatchSizes.Metro)
	v.SetDefault("batch_sizes.place", def.BatchSizes.Place)
	v.SetDefault("batch_sizes.tract", def.BatchSizes.Tract)
	v.SetDefault("batch_sizes.block_group", def.BatchSizes.BlockGroup)
	v.SetDefault("batch_sizes.zcta", def.BatchSizes.Zcta)
	v.SetDefault("validation.strict", def.Validation.Strict)
	v.SetDefault("validation.quality.min_completeness", def.Validation.Quality.MinCompleteness)
	v.SetDefault("validation.quality.min_accuracy", def.Validation.Quality.MinAccuracy)
	v.SetDefault("validation.quality.min_consistency", def.Validation.Quality.MinConsistency)
	v.SetDefault("budget.daily_limit", def.Budget.DailyLimit)
	v.SetDefault("budget.reserve_for_interactive", def.Budget.ReserveForInteractive)
	v.SetDefault("budget.burst_limit", def.Budget.BurstLimit)
	v.SetDefault("budget.burst_window", def.Budget.BurstWindow)
	v.SetDefault("budget.reset_schedule", def.Budget.ResetSchedule)
	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("store.pool.max_open_readers", def.Store.Pool.MaxOpenReaders)
	v.SetDefault("store.pool.max_open_writers", def.Store.Pool.MaxOpenWriters)
	v.SetDefault("store.pool.batch_insert_size", def.Store.Pool.BatchInsertSize)
	v.SetDefault("cache.redis_addr", def.Cache.RedisAddr)
	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("http_client.base_url", def.HTTPClient.BaseURL)
	v.SetDefault("http_client.request_timeout", def.HTTPClient.RequestTimeout)
	v.SetDefault("monitoring.snapshot_cadence", def.Monitoring.SnapshotCadence)
	v.SetDefault("monitoring.ring_capacity", def.Monitoring.RingCapacity)
	v.SetDefault("monitoring.error_rate_warn", def.Monitoring.ErrorRateWarn)
	v.SetDefault("monitoring.error_rate_critical", def.Monitoring.ErrorRateCritical)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.log_max_size_mb", def.Observability.LogMaxSizeMB)
	v.SetDefault("observability.log_max_backups", def.Observability.LogMaxBackups)
	v.SetDefault("observability.log_max_age_days", def.Observability.LogMaxAgeDays)
	v.SetDefault("observability.log_compress", def.Observability.LogCompress)
	v.SetDefault("events.nats_url", def.Events.NATSURL)
	v.SetDefault("events.nats_subject", def.Events.NATSSubject)
	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.analytics_window_hours", def.API.AnalyticsWindow)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("grace_window", def.GraceWindow)
	v.SetDefault("tick_interval", def.TickInterval)
}

// ApplyCredentialed raises budget and concurrency ceilings for a credentialed
// (API-keyed) caller of the statistical service.
func ApplyCredentialed(cfg *Config) {
	cfg.Budget.DailyLimit *= 20
	cfg.Budget.BurstLimit *= 4
	cfg.MaxConcurrentJobs *= 2
}

// ApplyProduction tightens validation strictness, reserve and monitoring
// cadence for a production deployment.
func ApplyProduction(cfg *Config) {
	cfg.Validation.Strict = true
	cfg.Budget.ReserveForInteractive = cfg.Budget.ReserveForInteractive * 2
	if cfg.Monitoring.SnapshotCadence > 30*time.Second {
		cfg.Monitoring.SnapshotCadence = 30 * time.Second
	}
}

// ApplyMemoryConstrained halves every configured batch size.
func ApplyMemoryConstrained(cfg *Config) {
	cfg.BatchSizes.State = half(cfg.BatchSizes.State)
	cfg.BatchSizes.County = half(cfg.BatchSizes.County)
	cfg.BatchSizes.Metro = half(cfg.BatchSizes.Metro)
	cfg.BatchSizes.Place = half(cfg.BatchSizes.Place)
	cfg.BatchSizes.Tract = half(cfg.BatchSizes.Tract)
	cfg.BatchSizes.BlockGroup = half(cfg.BatchSizes.BlockGroup)
	cfg.BatchSizes.Zcta = half(cfg.BatchSizes.Zcta)
	cfg.Store.Pool.BatchInsertSize = half(cfg.Store.Pool.BatchInsertSize)
}

func half(n int) int {
	if n <= 1 {
		return 1
	}
	return n / 2
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Dataset == "" {
		return fmt.Errorf("config_invalid: dataset must be set")
	}
	if cfg.Year < 2005 || cfg.Year > 2100 {
		return fmt.Errorf("config_invalid: year must be a plausible ACS vintage")
	}
	if cfg.MaxConcurrentJobs < 1 {
		return fmt.Errorf("config_invalid: max_concurrent_jobs must be >= 1")
	}
	if cfg.Budget.ReserveForInteractive >= cfg.Budget.DailyLimit {
		return fmt.Errorf("config_invalid: budget.reserve_for_interactive must be < budget.daily_limit")
	}
	for name, n := range map[string]int{
		"state": cfg.BatchSizes.State, "county": cfg.BatchSizes.County,
		"metro": cfg.BatchSizes.Metro, "place": cfg.BatchSizes.Place,
		"tract": cfg.BatchSizes.Tract, "block_group": cfg.BatchSizes.BlockGroup,
		"zcta": cfg.BatchSizes.Zcta,
	} {
		if n <= 0 || n > 50 {
			return fmt.Errorf("config_invalid: batch_sizes.%s must be in 1..50", name)
		}
	}
	for name, q := range map[string]float64{
		"min_completeness": cfg.Validation.Quality.MinCompleteness,
		"min_accuracy":     cfg.Validation.Quality.MinAccuracy,
		"min_consistency":  cfg.Validation.Quality.MinConsistency,
	} {
		if q < 0 || q > 1 {
			return fmt.Errorf("config_invalid: validation.quality.%s must be in [0,1]", name)
		}
	}
	for name, w := range map[string]int{
		"nation": cfg.PriorityWeights.Nation, "state": cfg.PriorityWeights.State,
		"metro": cfg.PriorityWeights.Metro, "county": cfg.PriorityWeights.County,
		"place": cfg.PriorityWeights.Place, "tract": cfg.PriorityWeights.Tract,
		"block_group": cfg.PriorityWeights.BlockGroup, "zcta": cfg.PriorityWeights.Zcta,
	} {
		if w < 0 || w > 100 {
			return fmt.Errorf("config_invalid: priority_weights.%s must be in 0..100", name)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("config_invalid: observability.metrics_port must be 1..65535")
	}
	if cfg.API.ListenAddr == "" {
		return fmt.Errorf("config_invalid: api.listen_addr must be set")
	}
	return nil
}

// OptimalConcurrency linearly throttles concurrency as budget usage
// approaches exhaustion: full below 70%, half between 70-90%, a single
// in-flight job above 90%.
func (c *Config) OptimalConcurrency(callsUsed, available int) int {
	if available <= 0 {
		return 1
	}
	ratio := float64(callsUsed) / float64(available)
	switch {
	case ratio < 0.7:
		return c.MaxConcurrentJobs
	case ratio < 0.9:
		n := c.MaxConcurrentJobs / 2
		if n < 1 {
			n = 1
		}
		return n
	default:
		return 1
	}
}

// ShouldPause reports whether admission should halt: usage beyond 95% of
// the available (non-reserve) budget, or an elevated observed error rate.
func (c *Config) ShouldPause(callsUsed, available int, errorRate float64) bool {
	if available > 0 && float64(callsUsed)/float64(available) > 0.95 {
		return true
	}
	return errorRate > c.Monitoring.ErrorRateCritical
}

// RetryDelay returns an exponential backoff with additive jitter up to
// Backoff.MaxJitter (one second when unset), the total capped at
// Backoff.Max.
func (c *Config) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Backoff.Base
	b.MaxInterval = c.Backoff.Max
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Multiplier = 2
	d := c.Backoff.Base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > c.Backoff.Max || d <= 0 {
		d = c.Backoff.Max
	}
	jitterMax := c.Backoff.MaxJitter
	if jitterMax <= 0 {
		jitterMax = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(jitterMax) + 1))
	total := d + jitter
	if c.Backoff.Max > 0 && total > c.Backoff.Max {
		total = c.Backoff.Max
	}
	return total
}
