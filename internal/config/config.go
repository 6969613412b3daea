// Package config defines all configuration for the lay-betting engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BF_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Control  ControlConfig  `mapstructure:"control"`
}

// ExchangeConfig holds the Betfair session credentials and endpoints used
// to authenticate and issue JSON-RPC calls.
type ExchangeConfig struct {
	AppKey       string `mapstructure:"app_key"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	IdentityURL  string `mapstructure:"identity_url"`
	BettingURL   string `mapstructure:"betting_url"`
	CertFile     string `mapstructure:"cert_file"`
	CertKeyFile  string `mapstructure:"cert_key_file"`
}

// StrategyConfig is the scheduler-wide, hot-swappable Config entity (spec §3).
//
//   - PollIntervalSeconds: scheduler tick period.
//   - ProcessWindowMinutes: the pre-off window in which rules are evaluated, 1..60.
//   - Countries: non-empty subset of allowed ISO-2 country codes.
//   - PointValue: monetary multiplier applied to a rule's base stake points.
//   - SpreadControlEnabled: reject instructions whose lay/back spread exceeds the band threshold.
//   - JOFSEnabled: split the favourite's stake across same/close-odds peers.
//   - MinOdds / MaxLayOdds: guard rails on the favourite's lay price.
//   - MinBetSize: the exchange's minimum order size in the account
//     currency; the rule's base stake is raised to this floor before the
//     spread gate and the JOFS split. Stakes produced by a JOFS split are
//     not checked against it again and can fall below it.
type StrategyConfig struct {
	PollIntervalSeconds  int      `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
	ProcessWindowMinutes int      `mapstructure:"process_window_minutes" json:"process_window_minutes"`
	Countries            []string `mapstructure:"countries" json:"countries"`
	PointValue           float64  `mapstructure:"point_value" json:"point_value"`
	SpreadControlEnabled bool     `mapstructure:"spread_control_enabled" json:"spread_control_enabled"`
	JOFSEnabled          bool     `mapstructure:"jofs_enabled" json:"jofs_enabled"`
	MinOdds              float64  `mapstructure:"min_odds" json:"min_odds"`
	MaxLayOdds           float64  `mapstructure:"max_lay_odds" json:"max_lay_odds"`
	MinBetSize           float64  `mapstructure:"min_bet_size" json:"min_bet_size"`
}

// ScannerConfig holds the universe refresh setting. The scheduler does not
// read it: it refreshes the universe of win markets on a fixed 5-minute
// period.
type ScannerConfig struct {
	UniverseRefreshInterval time.Duration `mapstructure:"universe_refresh_interval"`
}

// StoreConfig sets where state is persisted: the hot local file and the
// durable object-store bucket (S3-compatible).
type StoreConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	HotFile      string `mapstructure:"hot_file"`
	S3Bucket     string `mapstructure:"s3_bucket"`
	S3Prefix     string `mapstructure:"s3_prefix"`
	S3Region     string `mapstructure:"s3_region"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ControlConfig controls the operator HTTP/WS control surface.
type ControlConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// allowedCountries is the fixed universe of supported exchange jurisdictions.
var allowedCountries = map[string]bool{
	"GB": true, "IE": true, "ZA": true, "FR": true,
}

// allowedPointValues is the enumerated set of legal point_value settings.
var allowedPointValues = map[float64]bool{
	1: true, 2: true, 5: true, 10: true, 20: true, 50: true,
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BF_APP_KEY, BF_USERNAME, BF_PASSWORD, BF_DRY_RUN,
// BF_S3_BUCKET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BF_APP_KEY"); key != "" {
		cfg.Exchange.AppKey = key
	}
	if user := os.Getenv("BF_USERNAME"); user != "" {
		cfg.Exchange.Username = user
	}
	if pass := os.Getenv("BF_PASSWORD"); pass != "" {
		cfg.Exchange.Password = pass
	}
	if os.Getenv("BF_DRY_RUN") == "true" || os.Getenv("BF_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if bucket := os.Getenv("BF_S3_BUCKET"); bucket != "" {
		cfg.Store.S3Bucket = bucket
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in the spec's defaults for fields left unset.
func applyDefaults(cfg *Config) {
	if cfg.Strategy.PollIntervalSeconds == 0 {
		cfg.Strategy.PollIntervalSeconds = 30
	}
	if cfg.Strategy.ProcessWindowMinutes == 0 {
		cfg.Strategy.ProcessWindowMinutes = 12
	}
	if cfg.Strategy.MinOdds == 0 {
		cfg.Strategy.MinOdds = 2.0
	}
	if cfg.Strategy.MaxLayOdds == 0 {
		cfg.Strategy.MaxLayOdds = 50.0
	}
	if cfg.Strategy.MinBetSize == 0 {
		cfg.Strategy.MinBetSize = 2.0
	}
	if cfg.Scanner.UniverseRefreshInterval == 0 {
		cfg.Scanner.UniverseRefreshInterval = 5 * time.Minute
	}
	if cfg.Control.Port == 0 {
		cfg.Control.Port = 8090
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.AppKey == "" {
		return fmt.Errorf("exchange.app_key is required (set BF_APP_KEY)")
	}
	if c.Exchange.Username == "" || c.Exchange.Password == "" {
		return fmt.Errorf("exchange.username and exchange.password are required")
	}
	if c.Exchange.BettingURL == "" {
		return fmt.Errorf("exchange.betting_url is required")
	}
	if c.Strategy.ProcessWindowMinutes < 1 || c.Strategy.ProcessWindowMinutes > 60 {
		return fmt.Errorf("strategy.process_window_minutes must be in [1,60]")
	}
	if len(c.Strategy.Countries) == 0 {
		return fmt.Errorf("strategy.countries must be non-empty")
	}
	for _, cc := range c.Strategy.Countries {
		if !allowedCountries[cc] {
			return fmt.Errorf("strategy.countries: %q is not an allowed country", cc)
		}
	}
	if !allowedPointValues[c.Strategy.PointValue] {
		return fmt.Errorf("strategy.point_value must be one of 1,2,5,10,20,50")
	}
	if c.Strategy.MinOdds <= 1.0 {
		return fmt.Errorf("strategy.min_odds must be > 1.0")
	}
	if c.Strategy.MaxLayOdds <= c.Strategy.MinOdds {
		return fmt.Errorf("strategy.max_lay_odds must be > min_odds")
	}
	if c.Strategy.MinBetSize <= 0 {
		return fmt.Errorf("strategy.min_bet_size must be > 0")
	}
	return nil
}

// ValidPointValue reports whether v is one of the enumerated point values.
func ValidPointValue(v float64) bool { return allowedPointValues[v] }

// ValidCountry reports whether cc is an allowed jurisdiction code.
func ValidCountry(cc string) bool { return allowedCountries[cc] }
