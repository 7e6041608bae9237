package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the processor's runtime settings. Values come from an
// optional YAML file (PROCESSOR_CONFIG_FILE) with environment variables
// taking precedence.
type Config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	DatabaseURL        string        `yaml:"database_url"`
	NATSURL            string        `yaml:"nats_url"`
	RecordTTL          time.Duration `yaml:"record_ttl"`
	PersistMaxRetries  uint64        `yaml:"persist_max_retries"`
	PersistBackoffBase time.Duration `yaml:"persist_backoff_base"`
	TagMaxRetries      uint64        `yaml:"tag_max_retries"`
	TagBackoffBase     time.Duration `yaml:"tag_backoff_base"`
	TagBackoffCap      time.Duration `yaml:"tag_backoff_cap"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ReconcileBatchSize int           `yaml:"reconcile_batch_size"`
}

// Load builds the configuration from file and environment.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         ":8081",
		NATSURL:            "nats://127.0.0.1:4222",
		RecordTTL:          240 * time.Hour,
		PersistMaxRetries:  4,
		PersistBackoffBase: 250 * time.Millisecond,
		TagMaxRetries:      4,
		TagBackoffBase:     500 * time.Millisecond,
		TagBackoffCap:      30 * time.Second,
		ReconcileInterval:  5 * time.Minute,
		SweepInterval:      time.Hour,
		ReconcileBatchSize: 100,
	}

	if path := strings.TrimSpace(os.Getenv("PROCESSOR_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("PROCESSOR_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)

	var err error
	if cfg.RecordTTL, err = getEnvDuration("RECORD_TTL", cfg.RecordTTL); err != nil {
		return Config{}, err
	}
	if cfg.PersistMaxRetries, err = getEnvUint("PERSIST_MAX_RETRIES", cfg.PersistMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.PersistBackoffBase, err = getEnvDuration("PERSIST_BACKOFF_BASE", cfg.PersistBackoffBase); err != nil {
		return Config{}, err
	}
	if cfg.TagMaxRetries, err = getEnvUint("TAG_MAX_RETRIES", cfg.TagMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.TagBackoffBase, err = getEnvDuration("TAG_BACKOFF_BASE", cfg.TagBackoffBase); err != nil {
		return Config{}, err
	}
	if cfg.TagBackoffCap, err = getEnvDuration("TAG_BACKOFF_CAP", cfg.TagBackoffCap); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileBatchSize, err = getEnvInt("RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RecordTTL <= 0 {
		return Config{}, fmt.Errorf("RECORD_TTL must be positive")
	}
	if cfg.ReconcileBatchSize <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return parsed, nil
}

func getEnvUint(key string, fallback uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return parsed, nil
}
