package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Reconciler Configuration with Environment Overrides
// =============================================================================

// Config is the single configuration struct resolved once at startup and
// passed explicitly into every component constructor.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Marketplace   MarketplaceConfig   `yaml:"marketplace"`
	ClaimDetector ClaimDetectorConfig `yaml:"claim_detector"`
	MCDE          MCDEConfig          `yaml:"mcde"`
	RefundEngine  RefundEngineConfig  `yaml:"refund_engine"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Connectors    ConnectorsConfig    `yaml:"connectors"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Redis         RedisConfig         `yaml:"redis"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig for the reconciler's own Postgres store.
type DatabaseConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MarketplaceConfig holds the SP-API OAuth credential fallback and
// connection parameters. These env-sourced
// values are only a fallback for the implicit "default" tenant — a
// per-tenant credential in the Token Vault's store always wins.
type MarketplaceConfig struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	RefreshToken  string `yaml:"refresh_token"`
	MarketplaceID string `yaml:"marketplace_id"`
	SellerID      string `yaml:"seller_id"`
	Region        string `yaml:"region"`
}

type ClaimDetectorConfig struct {
	URL                 string  `yaml:"url"`
	APIKey              string  `yaml:"api_key"`
	TimeoutMS           int     `yaml:"timeout_ms"`
	BatchSize           int     `yaml:"batch_size"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	AutoSubmission      bool    `yaml:"auto_submission"`
}

type MCDEConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type RefundEngineConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// ConnectorsConfig holds the per-connector ENABLE_<NAME> toggles. Default
// on when unset.
type ConnectorsConfig struct {
	Enabled map[string]bool `yaml:"enabled"`
}

type OrchestratorConfig struct {
	MaxSourcesInFlight int `yaml:"max_sources_in_flight"`
	MaxJobsGlobal      int `yaml:"max_jobs_global"`
	MaxBatchesInFlight int `yaml:"max_batches_in_flight"`
	JobMaxAgeHours     int `yaml:"job_max_age_hours"`
}

// WebhookConfig for the notification dispatcher worker pool.
type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("RECONCILER_ENV", c.Server.Env)

	c.Database.PostgresDSN = getEnv("DATABASE_URL", c.Database.PostgresDSN)

	c.Marketplace.ClientID = getEnv("MARKETPLACE_CLIENT_ID", c.Marketplace.ClientID)
	c.Marketplace.ClientSecret = getEnv("MARKETPLACE_CLIENT_SECRET", c.Marketplace.ClientSecret)
	c.Marketplace.RefreshToken = getEnv("MARKETPLACE_REFRESH_TOKEN", c.Marketplace.RefreshToken)
	c.Marketplace.MarketplaceID = getEnv("MARKETPLACE_ID", c.Marketplace.MarketplaceID)
	c.Marketplace.SellerID = getEnv("MARKETPLACE_SELLER_ID", c.Marketplace.SellerID)
	c.Marketplace.Region = getEnv("MARKETPLACE_REGION", c.Marketplace.Region)

	c.ClaimDetector.URL = getEnv("CLAIM_DETECTOR_URL", c.ClaimDetector.URL)
	c.ClaimDetector.APIKey = getEnv("CLAIM_DETECTOR_API_KEY", c.ClaimDetector.APIKey)
	if v := getEnvInt("CLAIM_DETECTOR_TIMEOUT_MS", 0); v > 0 {
		c.ClaimDetector.TimeoutMS = v
	}
	if v := getEnvInt("CLAIM_DETECTOR_BATCH_SIZE", 0); v > 0 {
		c.ClaimDetector.BatchSize = v
	}
	if v := getEnvFloat("CLAIM_DETECTOR_CONFIDENCE_THRESHOLD", -1); v >= 0 {
		c.ClaimDetector.ConfidenceThreshold = v
	}
	c.ClaimDetector.AutoSubmission = getEnvEnabledDefaultFalse("CLAIM_DETECTOR_AUTO_SUBMISSION", c.ClaimDetector.AutoSubmission)

	c.MCDE.BaseURL = getEnv("MCDE_BASE_URL", c.MCDE.BaseURL)
	c.MCDE.APIKey = getEnv("MCDE_API_KEY", c.MCDE.APIKey)

	c.RefundEngine.URL = getEnv("REFUND_ENGINE_URL", c.RefundEngine.URL)
	c.RefundEngine.APIKey = getEnv("REFUND_ENGINE_API_KEY", c.RefundEngine.APIKey)

	c.Archive.Bucket = getEnv("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Region = getEnv("ARCHIVE_REGION", c.Archive.Region)
	c.Archive.Prefix = getEnv("ARCHIVE_PREFIX", c.Archive.Prefix)

	if c.Connectors.Enabled == nil {
		c.Connectors.Enabled = map[string]bool{}
	}
	for _, name := range []string{"MARKETPLACE", "ORDERS", "RETURNS", "SETTLEMENTS", "SHIPMENTS", "REMOVALS", "FINANCIAL_EVENTS"} {
		key := "ENABLE_" + name
		// boolean convention for connector toggles: "false"
		// disables, any other present value enables. Deliberately not
		// getEnvBool ("true"/"1").
		if val, present := os.LookupEnv(key); present {
			c.Connectors.Enabled[strings.ToLower(name)] = val != "false"
		} else if _, ok := c.Connectors.Enabled[strings.ToLower(name)]; !ok {
			c.Connectors.Enabled[strings.ToLower(name)] = true
		}
	}

	if v := getEnvInt("ORCHESTRATOR_MAX_SOURCES_IN_FLIGHT", 0); v > 0 {
		c.Orchestrator.MaxSourcesInFlight = v
	}
	if v := getEnvInt("ORCHESTRATOR_MAX_JOBS_GLOBAL", 0); v > 0 {
		c.Orchestrator.MaxJobsGlobal = v
	}
	if v := getEnvInt("ORCHESTRATOR_MAX_BATCHES_IN_FLIGHT", 0); v > 0 {
		c.Orchestrator.MaxBatchesInFlight = v
	}
	if v := getEnvInt("ORCHESTRATOR_JOB_MAX_AGE_HOURS", 0); v > 0 {
		c.Orchestrator.JobMaxAgeHours = v
	}

	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}

	c.Redis.Enabled = getEnvEnabledDefaultFalse("RECONCILER_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 30
	}
	if c.Marketplace.Region == "" {
		c.Marketplace.Region = "na"
	}
	if c.ClaimDetector.TimeoutMS == 0 {
		c.ClaimDetector.TimeoutMS = 30000
	}
	if c.ClaimDetector.BatchSize == 0 {
		c.ClaimDetector.BatchSize = 10
	}
	if c.ClaimDetector.ConfidenceThreshold == 0 {
		c.ClaimDetector.ConfidenceThreshold = 0.7
	}
	if c.Orchestrator.MaxSourcesInFlight == 0 {
		c.Orchestrator.MaxSourcesInFlight = 1
	}
	if c.Orchestrator.MaxJobsGlobal == 0 {
		c.Orchestrator.MaxJobsGlobal = 16
	}
	if c.Orchestrator.MaxBatchesInFlight == 0 {
		c.Orchestrator.MaxBatchesInFlight = 4
	}
	if c.Orchestrator.JobMaxAgeHours == 0 {
		c.Orchestrator.JobMaxAgeHours = 24
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

// getEnvEnabledDefaultFalse implements the toggle rule: the
// string "false" disables, any other present value enables. Used for
// the auto-submission and Redis toggles, distinct from getEnvBool; the
// connector toggles apply the same rule inline.
func getEnvEnabledDefaultFalse(key string, defaultVal bool) bool {
	if val, present := os.LookupEnv(key); present {
		return val != "false"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// ConnectorEnabled reports whether the named connector (marketplace,
// orders, returns, settlements, shipments, removals, financial_events) is
// enabled.
func (c *Config) ConnectorEnabled(name string) bool {
	if c.Connectors.Enabled == nil {
		return true
	}
	v, ok := c.Connectors.Enabled[strings.ToLower(name)]
	if !ok {
		return true
	}
	return v
}
