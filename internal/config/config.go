package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Nylas     NylasConfig     `yaml:"nylas" mapstructure:"nylas"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Geocode   GeocodeConfig   `yaml:"geocode" mapstructure:"geocode"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Watchdog  WatchdogConfig  `yaml:"watchdog" mapstructure:"watchdog"`
	Rules     RulesConfig     `yaml:"rules" mapstructure:"rules"`
	Voice     VoiceConfig     `yaml:"voice" mapstructure:"voice"`
	Research  ResearchConfig  `yaml:"research" mapstructure:"research"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server. AuthTokens maps bearer tokens
// to the workspace each one is allowed to act on; an empty map disables auth.
type ServerConfig struct {
	Port       int               `yaml:"port" mapstructure:"port"`
	AuthTokens map[string]string `yaml:"auth_tokens" mapstructure:"auth_tokens"`
}

// NylasConfig holds mail provider API settings.
type NylasConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	PageSize    int    `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
}

// FirecrawlConfig holds Firecrawl API settings for competitor site scraping.
type FirecrawlConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	MaxPages int    `yaml:"max_pages" mapstructure:"max_pages"`
}

// JinaConfig holds Jina AI Reader and Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// GeocodeConfig holds geocoding provider settings for competitor distance.
type GeocodeConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	GoogleKey string `yaml:"google_key" mapstructure:"google_key"`
}

// PipelineConfig holds the phase handler knobs shared by all job kinds.
type PipelineConfig struct {
	PageSize       int `yaml:"page_size" mapstructure:"page_size"`
	HydrateWorkers int `yaml:"hydrate_workers" mapstructure:"hydrate_workers"`
	ImportCap      int `yaml:"import_cap" mapstructure:"import_cap"`
}

// WatchdogConfig configures stalled-job recovery.
type WatchdogConfig struct {
	StalenessSecs int `yaml:"staleness_secs" mapstructure:"staleness_secs"`
	MaxRetries    int `yaml:"max_retries" mapstructure:"max_retries"`
}

// RulesConfig holds the triage rule engine thresholds.
type RulesConfig struct {
	MinObservations      int     `yaml:"min_observations" mapstructure:"min_observations"`
	AutoCreateMinEmails  int     `yaml:"auto_create_min_emails" mapstructure:"auto_create_min_emails"`
	AutoCreateConfidence float64 `yaml:"auto_create_confidence" mapstructure:"auto_create_confidence"`
	LowReplyRate         float64 `yaml:"low_reply_rate" mapstructure:"low_reply_rate"`
	HighReplyRate        float64 `yaml:"high_reply_rate" mapstructure:"high_reply_rate"`
	// MinRuleConfidence is the floor below which a matched sender rule is
	// ignored during classification and the model is consulted instead.
	MinRuleConfidence float64 `yaml:"min_rule_confidence" mapstructure:"min_rule_confidence"`
}

// VoiceConfig holds voice learning and drift thresholds.
type VoiceConfig struct {
	SampleSize     int     `yaml:"sample_size" mapstructure:"sample_size"`
	MinDriftSample int     `yaml:"min_drift_sample" mapstructure:"min_drift_sample"`
	DriftThreshold float64 `yaml:"drift_threshold" mapstructure:"drift_threshold"`
}

// ResearchConfig holds competitor research settings.
type ResearchConfig struct {
	RadiusKm      float64 `yaml:"radius_km" mapstructure:"radius_km"`
	MaxSites      int     `yaml:"max_sites" mapstructure:"max_sites"`
	ScrapesPerMin int     `yaml:"scrapes_per_min" mapstructure:"scrapes_per_min"`
	RefineBatch   int     `yaml:"refine_batch" mapstructure:"refine_batch"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BIZZYBEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("nylas.base_url", "https://api.us.nylas.com/v3")
	v.SetDefault("nylas.page_size", 50)
	v.SetDefault("nylas.timeout_secs", 30)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.max_pages", 10)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("geocode.provider", "census")
	v.SetDefault("pipeline.page_size", 50)
	v.SetDefault("pipeline.hydrate_workers", 5)
	v.SetDefault("pipeline.import_cap", 500)
	v.SetDefault("watchdog.staleness_secs", 300)
	v.SetDefault("watchdog.max_retries", 3)
	v.SetDefault("rules.min_observations", 3)
	v.SetDefault("rules.auto_create_min_emails", 5)
	v.SetDefault("rules.auto_create_confidence", 0.85)
	v.SetDefault("rules.low_reply_rate", 0.10)
	v.SetDefault("rules.high_reply_rate", 0.80)
	v.SetDefault("rules.min_rule_confidence", 0.60)
	v.SetDefault("voice.sample_size", 50)
	v.SetDefault("voice.min_drift_sample", 5)
	v.SetDefault("voice.drift_threshold", 0.3)
	v.SetDefault("research.radius_km", 10)
	v.SetDefault("research.max_sites", 20)
	v.SetDefault("research.scrapes_per_min", 6)
	v.SetDefault("research.refine_batch", 25)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given command are set.
func (c *Config) Validate(command string) error {
	var missing []string

	switch command {
	case "serve", "import":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
		if c.Nylas.Key == "" {
			missing = append(missing, "nylas.key is required")
		}
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		if c.Server.Port <= 0 && command == "serve" {
			missing = append(missing, "server.port must be positive")
		}
	case "watchdog", "migrate":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
