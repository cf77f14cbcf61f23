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
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Reader      ReaderConfig      `yaml:"reader" mapstructure:"reader"`
	Table       TableConfig       `yaml:"table" mapstructure:"table"`
	Schema      SchemaConfig      `yaml:"schema" mapstructure:"schema"`
	ModelAssist ModelAssistConfig `yaml:"model_assist" mapstructure:"model_assist"`
	Mirror      MirrorConfig      `yaml:"mirror" mapstructure:"mirror"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig tunes the pgx connection pool. Ignored by sqlite.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReaderConfig configures PDF page reading and the OCR fallback chain.
type ReaderConfig struct {
	OCRProvider   string          `yaml:"ocr_provider" mapstructure:"ocr_provider"` // local, remote, off
	PdfToTextPath string          `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	Remote        RemoteOCRConfig `yaml:"remote" mapstructure:"remote"`
}

// RemoteOCRConfig holds the hosted OCR provider settings.
type RemoteOCRConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// TableConfig tunes table detection and the strategy cascade.
type TableConfig struct {
	Strategies          []string `yaml:"strategies" mapstructure:"strategies"` // cascade order
	MinRows             int      `yaml:"min_rows" mapstructure:"min_rows"`
	MinCols             int      `yaml:"min_cols" mapstructure:"min_cols"`
	MinConfidence       float64  `yaml:"min_confidence" mapstructure:"min_confidence"`
	HeaderSimilarity    float64  `yaml:"header_similarity" mapstructure:"header_similarity"`
	NumericRowThreshold float64  `yaml:"numeric_row_threshold" mapstructure:"numeric_row_threshold"`
}

// SchemaConfig configures line-item mapping.
type SchemaConfig struct {
	SynonymsPath    string `yaml:"synonyms_path" mapstructure:"synonyms_path"`
	MaxEditDistance int    `yaml:"max_edit_distance" mapstructure:"max_edit_distance"`
}

// ModelAssistConfig holds the Anthropic fallback extractor settings.
type ModelAssistConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Key        string  `yaml:"key" mapstructure:"key"`
	Model      string  `yaml:"model" mapstructure:"model"`
	MaxTokens  int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
}

// MirrorConfig configures the per-document markdown mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// PipelineConfig configures per-document extraction behavior.
type PipelineConfig struct {
	PageConcurrency int `yaml:"page_concurrency" mapstructure:"page_concurrency"`
	StageRetries    int `yaml:"stage_retries" mapstructure:"stage_retries"` // per-strategy attempts before falling back
	PersistRetries  int `yaml:"persist_retries" mapstructure:"persist_retries"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig controls the background run-health checker started
// by the serve command.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PartialRateThreshold float64 `yaml:"partial_rate_threshold" mapstructure:"partial_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
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
	v.SetEnvPrefix("FINAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("batch.max_concurrent_documents", 4)
	v.SetDefault("pipeline.page_concurrency", 8)
	v.SetDefault("pipeline.stage_retries", 2)
	v.SetDefault("pipeline.persist_retries", 3)
	v.SetDefault("reader.ocr_provider", "local")
	v.SetDefault("reader.pdftotext_path", "pdftotext")
	v.SetDefault("reader.remote.base_url", "https://api.mistral.ai")
	v.SetDefault("reader.remote.model", "pixtral-large-latest")
	v.SetDefault("reader.remote.requests_per_sec", 1.0)
	v.SetDefault("table.strategies", []string{"ruled", "whitespace"})
	v.SetDefault("table.min_rows", 2)
	v.SetDefault("table.min_cols", 2)
	v.SetDefault("table.min_confidence", 0.5)
	v.SetDefault("table.header_similarity", 0.8)
	v.SetDefault("table.numeric_row_threshold", 0.6)
	v.SetDefault("schema.max_edit_distance", 2)
	v.SetDefault("model_assist.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("model_assist.max_tokens", 4096)
	v.SetDefault("model_assist.confidence", 0.55)
	v.SetDefault("mirror.enabled", true)
	v.SetDefault("mirror.dir", "mirror")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.partial_rate_threshold", 0.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

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

// Validate checks the fields required for the given run mode. Modes:
// "extract", "serve", "export".
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(cond bool, msg string) {
		if cond {
			problems = append(problems, msg)
		}
	}

	check(c.Batch.MaxConcurrentDocuments < 1 || c.Batch.MaxConcurrentDocuments > 50,
		"batch.max_concurrent_documents must be between 1 and 50")
	check(c.Pipeline.PageConcurrency < 1, "pipeline.page_concurrency must be >= 1")
	check(c.Table.MinConfidence < 0 || c.Table.MinConfidence > 1,
		"table.min_confidence must be between 0 and 1")
	check(c.Table.HeaderSimilarity < 0 || c.Table.HeaderSimilarity > 1,
		"table.header_similarity must be between 0 and 1")

	// The sqlite driver falls back to a local file when no DSN is set.
	needsDSN := c.Store.Driver != "sqlite" && c.Store.DatabaseURL == ""

	switch mode {
	case "extract", "export":
		check(needsDSN, "store.database_url is required")
		check(c.ModelAssist.Enabled && c.ModelAssist.Key == "",
			"model_assist.key is required when model_assist is enabled")
		check(c.Reader.OCRProvider == "remote" && c.Reader.Remote.Key == "",
			"reader.remote.key is required when reader.ocr_provider is remote")
	case "serve":
		check(c.Server.Port <= 0, "server.port must be > 0")
		check(needsDSN, "store.database_url is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
