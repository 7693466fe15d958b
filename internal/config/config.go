// Package config loads pipeline configuration from a YAML file, overlays
// one-to-one environment variables (uppercased, dots → underscores, e.g.
// db.url → DB_URL), then optionally overlays secrets from Vault. Validation
// failures are configuration errors: the process exits with code 1.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Process exit codes.
const (
	ExitOK     = 0
	ExitConfig = 1 // invalid or missing configuration
	ExitBus    = 2 // unrecoverable bus error
	ExitDB     = 3 // database unavailable at startup
)

// Config is the full pipeline configuration.
type Config struct {
	Bus        Bus         `yaml:"bus"`
	Redis      Redis       `yaml:"redis"`
	DB         DB          `yaml:"db"`
	HTTP       HTTP        `yaml:"http"`
	Connectors []Connector `yaml:"connectors"`
	Matcher    Matcher     `yaml:"matcher"`
	Statement  Statement   `yaml:"statement"`
	Dedup      Dedup       `yaml:"dedup"`
	Health     Health      `yaml:"health"`
}

type Bus struct {
	Brokers       []string `yaml:"brokers"`
	ClientID      string   `yaml:"client_id"`
	Partitions    int      `yaml:"partitions"`
	MaxDeliveries int      `yaml:"max_deliveries"`
	Retry         Retry    `yaml:"retry"`
}

type Retry struct {
	InitialMS int `yaml:"initial_ms"`
	MaxMS     int `yaml:"max_ms"`
	Retries   int `yaml:"retries"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DB struct {
	URL           string `yaml:"url"`
	PoolMax       int    `yaml:"pool_max"`
	PoolMin       int    `yaml:"pool_min"`
	StmtTimeoutMS int    `yaml:"stmt_timeout_ms"`
	Migrate       bool   `yaml:"migrate"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Connector struct {
	AgencyID     string            `yaml:"agency_id"`
	BaseURL      string            `yaml:"base_url"`
	AuthType     string            `yaml:"auth_type"` // oauth2 | credentials | api_key
	Credentials  map[string]string `yaml:"credentials"`
	Endpoints    Endpoints         `yaml:"endpoints"`
	PollInterval int               `yaml:"poll_interval_s"`
	RateLimit    RateLimit         `yaml:"rate_limit"`
	Retry        ConnectorRetry    `yaml:"retry"`
	TimeoutMS    int               `yaml:"timeout_ms"`
}

type Endpoints struct {
	Accounts     string `yaml:"accounts"`
	Transactions string `yaml:"transactions"`
	Evidence     string `yaml:"evidence"`
	Health       string `yaml:"health"`
}

type RateLimit struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

type ConnectorRetry struct {
	Max       int `yaml:"max"`
	InitialMS int `yaml:"initial_ms"`
	MaxMS     int `yaml:"max_ms"`
}

type Matcher struct {
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold"`
	TimeWindowMinutes int     `yaml:"time_window_minutes"`
	DistanceMeters    float64 `yaml:"distance_meters"`
}

type Statement struct {
	TimezoneSource   string `yaml:"timezone_source"` // user | utc
	Period           string `yaml:"period"`          // monthly | weekly
	CutDayOfMonth    int    `yaml:"cut_day_of_month"`
	GracePeriodHours int    `yaml:"grace_period_hours"`
}

type Dedup struct {
	TTLDays int `yaml:"ttl_days"`
}

type Health struct {
	HeartbeatS int     `yaml:"heartbeat_s"`
	TTLS       int     `yaml:"ttl_s"`
	Webhook    Webhook `yaml:"webhook"`
}

type Webhook struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Load reads the YAML file at path (optional — "" or a missing file means
// defaults only), overlays environment variables, applies defaults, and
// validates. A .env file in the working directory is honored first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envList("BUS_BROKERS", &c.Bus.Brokers)
	envStr("BUS_CLIENT_ID", &c.Bus.ClientID)
	envInt("BUS_PARTITIONS", &c.Bus.Partitions)
	envInt("BUS_MAX_DELIVERIES", &c.Bus.MaxDeliveries)
	envInt("BUS_RETRY_INITIAL_MS", &c.Bus.Retry.InitialMS)
	envInt("BUS_RETRY_MAX_MS", &c.Bus.Retry.MaxMS)
	envInt("BUS_RETRY_RETRIES", &c.Bus.Retry.Retries)

	envStr("REDIS_ADDR", &c.Redis.Addr)
	envStr("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)

	envStr("DB_URL", &c.DB.URL)
	envInt("DB_POOL_MAX", &c.DB.PoolMax)
	envInt("DB_POOL_MIN", &c.DB.PoolMin)
	envInt("DB_STMT_TIMEOUT_MS", &c.DB.StmtTimeoutMS)
	envBool("DB_MIGRATE", &c.DB.Migrate)

	envStr("HTTP_ADDR", &c.HTTP.Addr)

	envFloat("MATCHER_FUZZY_THRESHOLD", &c.Matcher.FuzzyThreshold)
	envInt("MATCHER_TIME_WINDOW_MINUTES", &c.Matcher.TimeWindowMinutes)
	envFloat("MATCHER_DISTANCE_METERS", &c.Matcher.DistanceMeters)

	envStr("STATEMENT_TIMEZONE_SOURCE", &c.Statement.TimezoneSource)
	envStr("STATEMENT_PERIOD", &c.Statement.Period)
	envInt("STATEMENT_CUT_DAY_OF_MONTH", &c.Statement.CutDayOfMonth)
	envInt("STATEMENT_GRACE_PERIOD_HOURS", &c.Statement.GracePeriodHours)

	envInt("DEDUP_TTL_DAYS", &c.Dedup.TTLDays)

	envInt("HEALTH_HEARTBEAT_S", &c.Health.HeartbeatS)
	envInt("HEALTH_TTL_S", &c.Health.TTLS)
	envStr("HEALTH_WEBHOOK_URL", &c.Health.Webhook.URL)
	envStr("HEALTH_WEBHOOK_SECRET", &c.Health.Webhook.Secret)

	c.applyConnectorEnv()
}

// applyConnectorEnv overlays per-connector credentials:
// CONNECTOR_<AGENCYID>_<FIELD>=value → connectors[agency].credentials[field].
func (c *Config) applyConnectorEnv() {
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "CONNECTOR_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[len("CONNECTOR_"):eq], kv[eq+1:]

		for i := range c.Connectors {
			prefix := strings.ToUpper(c.Connectors[i].AgencyID) + "_"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			field := strings.ToLower(strings.TrimPrefix(key, prefix))
			if c.Connectors[i].Credentials == nil {
				c.Connectors[i].Credentials = map[string]string{}
			}
			c.Connectors[i].Credentials[field] = value
		}
	}
}

func (c *Config) applyDefaults() {
	if len(c.Bus.Brokers) == 0 {
		c.Bus.Brokers = []string{"nats://127.0.0.1:4222"}
	}
	if c.Bus.ClientID == "" {
		c.Bus.ClientID = "toll-pipeline"
	}
	if c.Bus.Partitions <= 0 {
		c.Bus.Partitions = 8
	}
	if c.Bus.MaxDeliveries <= 0 {
		c.Bus.MaxDeliveries = 5
	}
	if c.Bus.Retry.InitialMS <= 0 {
		c.Bus.Retry.InitialMS = 500
	}
	if c.Bus.Retry.MaxMS <= 0 {
		c.Bus.Retry.MaxMS = 30_000
	}
	if c.Bus.Retry.Retries <= 0 {
		c.Bus.Retry.Retries = 5
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	if c.DB.PoolMax <= 0 {
		c.DB.PoolMax = 10
	}
	if c.DB.PoolMin <= 0 {
		c.DB.PoolMin = 2
	}
	if c.DB.StmtTimeoutMS <= 0 {
		c.DB.StmtTimeoutMS = 5000
	}

	if c.Matcher.FuzzyThreshold <= 0 {
		c.Matcher.FuzzyThreshold = 0.8
	}
	if c.Matcher.TimeWindowMinutes <= 0 {
		c.Matcher.TimeWindowMinutes = 30
	}
	if c.Matcher.DistanceMeters <= 0 {
		c.Matcher.DistanceMeters = 10_000
	}

	if c.Statement.TimezoneSource == "" {
		c.Statement.TimezoneSource = "user"
	}
	if c.Statement.Period == "" {
		c.Statement.Period = "monthly"
	}
	if c.Statement.CutDayOfMonth <= 0 {
		c.Statement.CutDayOfMonth = 1
	}

	if c.Dedup.TTLDays <= 0 {
		c.Dedup.TTLDays = 7
	}

	if c.Health.HeartbeatS <= 0 {
		c.Health.HeartbeatS = 30
	}
	if c.Health.TTLS <= 0 {
		c.Health.TTLS = 300
	}

	for i := range c.Connectors {
		conn := &c.Connectors[i]
		if conn.PollInterval <= 0 {
			conn.PollInterval = 60
		}
		if conn.TimeoutMS <= 0 {
			conn.TimeoutMS = 10_000
		}
		if conn.RateLimit.RPM <= 0 {
			conn.RateLimit.RPM = 60
		}
		if conn.RateLimit.Burst <= 0 {
			conn.RateLimit.Burst = 10
		}
		if conn.Retry.Max <= 0 {
			conn.Retry.Max = 3
		}
		if conn.Retry.InitialMS <= 0 {
			conn.Retry.InitialMS = 1000
		}
		if conn.Retry.MaxMS <= 0 {
			conn.Retry.MaxMS = 30_000
		}
	}
}

// Validate rejects configurations the pipeline cannot start with.
func (c *Config) Validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("config: db.url is required")
	}

	authTypes := map[string]bool{"oauth2": true, "credentials": true, "api_key": true}
	seen := map[string]bool{}
	for i := range c.Connectors {
		conn := &c.Connectors[i]
		if conn.AgencyID == "" {
			return fmt.Errorf("config: connectors[%d]: agency_id is required", i)
		}
		if seen[conn.AgencyID] {
			return fmt.Errorf("config: duplicate connector agency_id %q", conn.AgencyID)
		}
		seen[conn.AgencyID] = true
		if conn.BaseURL == "" {
			return fmt.Errorf("config: connector %s: base_url is required", conn.AgencyID)
		}
		if !authTypes[conn.AuthType] {
			return fmt.Errorf("config: connector %s: unknown auth_type %q", conn.AgencyID, conn.AuthType)
		}
		if conn.Endpoints.Transactions == "" {
			return fmt.Errorf("config: connector %s: endpoints.transactions is required", conn.AgencyID)
		}
	}

	switch c.Statement.TimezoneSource {
	case "user", "utc":
	default:
		return fmt.Errorf("config: statement.timezone_source must be user or utc, got %q", c.Statement.TimezoneSource)
	}
	switch c.Statement.Period {
	case "monthly", "weekly":
	default:
		return fmt.Errorf("config: statement.period must be monthly or weekly, got %q", c.Statement.Period)
	}
	if c.Statement.CutDayOfMonth < 1 || c.Statement.CutDayOfMonth > 31 {
		return fmt.Errorf("config: statement.cut_day_of_month must be 1..31, got %d", c.Statement.CutDayOfMonth)
	}
	return nil
}

// ── env helpers ───────────────────────────────────────────────────────────

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}
