package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "integrator"
	envPrefix  = "INTEGRATOR"
)

type Settings struct {
	AppEnv        string            `mapstructure:"app_env" validate:"required,oneof=development testing staging production"`
	Version       string            `mapstructure:"version"`
	Database      DbSettings        `mapstructure:"database"`
	Cache         CacheSettings     `mapstructure:"cache"`
	Broker        BrokerSettings    `mapstructure:"broker"`
	Ingestion     IngestionSettings `mapstructure:"ingestion"`
	Worker        WorkerSettings    `mapstructure:"worker"`
	HTTP          HTTPSettings      `mapstructure:"http"`
	Observability Observability     `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func (c *Settings) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Settings) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// LoadFromFile reads integrator.yaml from filePath (or the working directory),
// merges the integrator.<ENVIRONMENT>.yaml overlay when present and applies
// INTEGRATOR_* environment overrides on top.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults(env)
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName(configName)
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	if err := mergeConfig(filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like INTEGRATOR_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	for _, key := range []string{
		"app_env",
		"version",
		"database.type",
		"database.dsn",
		"database.uri",
		"database.db_name",
		"database.collection",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.claim_lease",
		"cache.url",
		"cache.socket_timeout",
		"cache.connect_timeout",
		"cache.retry_on_timeout",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.topic",
		"broker.project_id",
		"broker.pool_size",
		"ingestion.lock_ttl",
		"ingestion.processed_ttl",
		"worker.enabled",
		"worker.poll_interval",
		"worker.batch_size",
		"worker.max_retries",
		"http.enabled",
		"http.addr",
		"http.webhook_token",
		"http.read_timeout",
		"http.write_timeout",
		"http.shutdown_timeout",
		"observability.service_name",
		"observability.tracing_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	if err := viper.Unmarshal(c); err != nil {
		return err
	}
	return nil
}

func setDefaults(env string) {
	viper.SetDefault("app_env", env)
	viper.SetDefault("version", "15.0.0")

	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("database.collection", "webhook_inbox")
	viper.SetDefault("database.max_open_conns", 20)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.claim_lease", 5*time.Minute)

	viper.SetDefault("cache.socket_timeout", 5*time.Second)
	viper.SetDefault("cache.connect_timeout", 5*time.Second)
	viper.SetDefault("cache.retry_on_timeout", true)

	viper.SetDefault("broker.pool_size", 5)

	viper.SetDefault("ingestion.lock_ttl", DefaultLockTTL)
	viper.SetDefault("ingestion.processed_ttl", DefaultProcessedTTL)

	viper.SetDefault("worker.enabled", true)
	viper.SetDefault("worker.poll_interval", 5*time.Second)
	viper.SetDefault("worker.batch_size", 10)
	viper.SetDefault("worker.max_retries", 3)

	viper.SetDefault("http.enabled", true)
	viper.SetDefault("http.addr", ":8000")
	viper.SetDefault("http.read_timeout", 10*time.Second)
	viper.SetDefault("http.write_timeout", 10*time.Second)
	viper.SetDefault("http.shutdown_timeout", 10*time.Second)

	viper.SetDefault("observability.service_name", "food-integrator")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
