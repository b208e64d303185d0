// Package config loads the indexer's two configuration layers: process
// environment variables (bound via viper, the dependency surface the rest
// of the retrieval pack reaches for) and the user-supplied TOML file
// (filter + restart_mode), in the idiom of the teacher's own
// config.FromFile.
package config

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/maximumstock/stash-indexer/internal/resumption"
)

// Filter is the user config's [filter] table. It is decoded and kept on
// UserConfig only: neither the core pipeline nor the differ or the sinks
// read it, so no stash is filtered by it (spec Non-goals: item content is
// not interpreted beyond locating the next change-id).
type Filter struct {
	ItemCategories []string `toml:"item_categories"`
	Leagues        []string `toml:"leagues"`
}

// UserConfig is the TOML file shape described in spec.md §6.
type UserConfig struct {
	Filter      Filter `toml:"filter"`
	RestartMode string `toml:"restart_mode"`
}

// LoadUserConfig reads and decodes the TOML file at path.
func LoadUserConfig(path string) (*UserConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read user config file")
	}
	var cfg UserConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse user config file")
	}
	if cfg.RestartMode == "" {
		cfg.RestartMode = "fresh"
	}
	return &cfg, nil
}

// Mode parses the user config's restart mode.
func (c *UserConfig) Mode() (resumption.Mode, error) {
	return resumption.ParseMode(c.RestartMode)
}

// Env is every process-environment-derived setting the indexer core and
// its reference sinks need, bound through viper.AutomaticEnv so tests can
// populate it without touching the real process environment.
type Env struct {
	ClientID      string
	ClientSecret  string
	DeveloperMail string

	RabbitMQSinkEnabled bool
	RabbitMQURL         string
	RabbitMQExchange    string
	RabbitMQRoutingKey  string

	S3SinkEnabled   bool
	S3AccessKey     string
	S3SecretKey     string
	S3BucketName    string
	S3Region        string
	S3Gzip          bool
	S3WALPath       string

	DatabaseURL      string
	PostgresMaxConns int

	MetricsPort int
	OTELCollector string
	Environment   string

	ResumptionStatePath string

	DifferEnabled bool
	DifferLRUSize int
}

// Load binds the recognized environment variables listed in spec.md §6 and
// SPEC_FULL.md §6 through viper and returns the typed Env.
func Load() (*Env, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"POE_CLIENT_ID", "POE_CLIENT_SECRET", "POE_DEVELOPER_MAIL",
		"RABBITMQ_SINK_ENABLED", "RABBITMQ_URL", "RABBITMQ_PRODUCER_ROUTING_KEY", "RABBITMQ_EXCHANGE",
		"S3_SINK_ENABLED", "S3_SINK_ACCESS_KEY", "S3_SINK_SECRET_KEY", "S3_SINK_BUCKET_NAME",
		"S3_SINK_REGION", "S3_SINK_GZIP", "S3_SINK_WAL_PATH",
		"DATABASE_URL", "POSTGRES_MAX_CONNS",
		"METRICS_PORT", "OTEL_COLLECTOR", "ENV",
		"RESUMPTION_STATE_PATH", "DIFFER_ENABLED", "DIFFER_LRU_SIZE",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("RABBITMQ_PRODUCER_ROUTING_KEY", "poe-stash-indexer")
	v.SetDefault("RABBITMQ_EXCHANGE", "poe-stash-indexer")
	v.SetDefault("METRICS_PORT", 4000)
	v.SetDefault("ENV", "development")
	v.SetDefault("RESUMPTION_STATE_PATH", "./resumption.json")
	v.SetDefault("DIFFER_LRU_SIZE", 4096)
	v.SetDefault("POSTGRES_MAX_CONNS", 4)

	if v.GetString("POE_CLIENT_ID") == "" {
		return nil, errors.New("config: POE_CLIENT_ID is required")
	}
	if v.GetString("POE_CLIENT_SECRET") == "" {
		return nil, errors.New("config: POE_CLIENT_SECRET is required")
	}
	if v.GetString("POE_DEVELOPER_MAIL") == "" {
		return nil, errors.New("config: POE_DEVELOPER_MAIL is required")
	}

	return &Env{
		ClientID:      v.GetString("POE_CLIENT_ID"),
		ClientSecret:  v.GetString("POE_CLIENT_SECRET"),
		DeveloperMail: v.GetString("POE_DEVELOPER_MAIL"),

		RabbitMQSinkEnabled: parseBool(v.GetString("RABBITMQ_SINK_ENABLED")),
		RabbitMQURL:         v.GetString("RABBITMQ_URL"),
		RabbitMQExchange:    v.GetString("RABBITMQ_EXCHANGE"),
		RabbitMQRoutingKey:  v.GetString("RABBITMQ_PRODUCER_ROUTING_KEY"),

		S3SinkEnabled: parseBool(v.GetString("S3_SINK_ENABLED")),
		S3AccessKey:   v.GetString("S3_SINK_ACCESS_KEY"),
		S3SecretKey:   v.GetString("S3_SINK_SECRET_KEY"),
		S3BucketName:  v.GetString("S3_SINK_BUCKET_NAME"),
		S3Region:      v.GetString("S3_SINK_REGION"),
		S3Gzip:        parseBool(v.GetString("S3_SINK_GZIP")),
		S3WALPath:     v.GetString("S3_SINK_WAL_PATH"),

		DatabaseURL:      v.GetString("DATABASE_URL"),
		PostgresMaxConns: v.GetInt("POSTGRES_MAX_CONNS"),

		MetricsPort:   v.GetInt("METRICS_PORT"),
		OTELCollector: v.GetString("OTEL_COLLECTOR"),
		Environment:   v.GetString("ENV"),

		ResumptionStatePath: v.GetString("RESUMPTION_STATE_PATH"),

		DifferEnabled: parseBool(v.GetString("DIFFER_ENABLED")),
		DifferLRUSize: v.GetInt("DIFFER_LRU_SIZE"),
	}, nil
}

// parseBool treats "false"/"0"/"" as disabled and everything else
// (including "true"/"1") as enabled, per spec.md §6
// ("RABBITMQ_SINK_ENABLED (enables broker sink when truthy; false/0 disable)").
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
