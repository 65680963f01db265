package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	PolicyPath  string
	WatchPolicy bool

	AuthHMACSecret string

	KafkaBrokers []string
	KafkaTopic   string

	S3Bucket string
	S3Prefix string

	StreamBatchSize    int
	StreamPollInterval time.Duration
}

const (
	defaultAddr       = ":8070"
	defaultPolicyPath = "policy.yaml"
	defaultKafkaTopic = "release-gate.audit"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:               getEnv("RELEASE_GATE_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("RELEASE_GATE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PolicyPath:         getEnv("RELEASE_GATE_POLICY_PATH", defaultPolicyPath),
		WatchPolicy:        getBool("RELEASE_GATE_POLICY_WATCH", true),
		AuthHMACSecret:     os.Getenv("RELEASE_GATE_AUTH_SECRET"),
		KafkaTopic:         getEnv("RELEASE_GATE_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:           os.Getenv("RELEASE_GATE_AUDIT_S3_BUCKET"),
		S3Prefix:           os.Getenv("RELEASE_GATE_AUDIT_S3_PREFIX"),
		StreamBatchSize:    getInt("RELEASE_GATE_STREAM_BATCH", 20),
		StreamPollInterval: getDuration("RELEASE_GATE_STREAM_POLL", 3*time.Second),
	}
	if brokers := os.Getenv("RELEASE_GATE_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or RELEASE_GATE_DATABASE_URL required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
