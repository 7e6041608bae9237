package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the initiator's runtime settings. Values come from an
// optional YAML file (INITIATOR_CONFIG_FILE) with environment variables
// taking precedence.
type Config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	DatabaseURL        string        `yaml:"database_url"`
	NATSURL            string        `yaml:"nats_url"`
	ManifestBucket     string        `yaml:"manifest_bucket"`
	ManifestPrefix     string        `yaml:"manifest_prefix"`
	MaxManifestEntries int           `yaml:"max_manifest_entries"`
	SubmitAckTimeout   time.Duration `yaml:"submit_ack_timeout"`
	RetentionTTL       time.Duration `yaml:"retention_ttl"`
}

// Load builds the configuration from file and environment.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         ":8080",
		NATSURL:            "nats://127.0.0.1:4222",
		ManifestPrefix:     "batch-jobs/manifests",
		MaxManifestEntries: 10000,
		SubmitAckTimeout:   30 * time.Second,
		RetentionTTL:       240 * time.Hour,
	}

	if path := strings.TrimSpace(os.Getenv("INITIATOR_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("INITIATOR_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.ManifestBucket = getEnv("MANIFEST_BUCKET", cfg.ManifestBucket)
	cfg.ManifestPrefix = getEnv("MANIFEST_PREFIX", cfg.ManifestPrefix)

	var err error
	if cfg.MaxManifestEntries, err = getEnvInt("MAX_MANIFEST_ENTRIES", cfg.MaxManifestEntries); err != nil {
		return Config{}, err
	}
	if cfg.SubmitAckTimeout, err = getEnvDuration("SUBMIT_ACK_TIMEOUT", cfg.SubmitAckTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetentionTTL, err = getEnvDuration("RETENTION_TTL", cfg.RetentionTTL); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ManifestBucket == "" {
		return Config{}, fmt.Errorf("MANIFEST_BUCKET is required")
	}
	if cfg.MaxManifestEntries <= 0 {
		return Config{}, fmt.Errorf("MAX_MANIFEST_ENTRIES must be positive")
	}
	if cfg.SubmitAckTimeout <= 0 {
		return Config{}, fmt.Errorf("SUBMIT_ACK_TIMEOUT must be positive")
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
