// Copyright 2025 Certen Protocol
//
// Package config turns environment variables, plus an optional YAML
// overlay for the nested rate-limit section, into a validated Config
// (spec.md §6). Process launch and flag parsing beyond this struct are
// explicitly out of scope (spec.md §1) and left to whatever launches
// cmd/pisad.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the tower's composition root needs to wire
// its components.
type Config struct {
	JSONRPCURL string
	HostName   string
	HostPort   int

	ResponderKey string
	ReceiptKey   string

	WatcherResponseConfirmations uint64

	PollingInterval  time.Duration
	ReorgDepth       int
	GCIntervalBlocks uint64

	MaxQueueDepth           int
	ReplacementRatePct      int
	MaxAttempts             int
	WaitForProviderResponse time.Duration
	WaitBetweenAttempts     time.Duration

	MaxGasPriceGwei int64

	DatabaseURL string
	MetricsAddr string

	KitsuneExpectedCodeHash common.Hash
	KitsuneMinDisputeWindow uint64

	RateLimit RateLimitConfig
}

// RateLimitConfig is the nested per-IP/global limit section spec.md §6
// describes (rateLimitUserMax/WindowMs/Message,
// rateLimitGlobalMax/WindowMs/Message). It is the one piece of Config
// that doesn't fit the teacher's flat getEnv-per-field convention well,
// so it is loaded from an optional YAML file instead.
type RateLimitConfig struct {
	UserMax        int    `yaml:"userMax"`
	UserWindowMs   int    `yaml:"userWindowMs"`
	UserMessage    string `yaml:"userMessage"`
	GlobalMax      int    `yaml:"globalMax"`
	GlobalWindowMs int    `yaml:"globalWindowMs"`
	GlobalMessage  string `yaml:"globalMessage"`
}

// Load reads configuration from environment variables, overlaying the
// rate-limit section from the YAML file at PISA_RATE_LIMIT_CONFIG_PATH
// if set.
func Load() (*Config, error) {
	cfg := &Config{
		JSONRPCURL: getEnv("PISA_JSONRPC_URL", ""),
		HostName:   getEnv("PISA_HOST_NAME", "0.0.0.0"),
		HostPort:   getEnvInt("PISA_HOST_PORT", 3000),

		ResponderKey: getEnv("PISA_RESPONDER_KEY", ""),
		ReceiptKey:   getEnv("PISA_RECEIPT_KEY", ""),

		WatcherResponseConfirmations: uint64(getEnvInt("PISA_WATCHER_RESPONSE_CONFIRMATIONS", 4)),

		PollingInterval:  getEnvDuration("PISA_POLLING_INTERVAL", 12*time.Second),
		ReorgDepth:       getEnvInt("PISA_REORG_DEPTH", 200),
		GCIntervalBlocks: uint64(getEnvInt("PISA_GC_INTERVAL_BLOCKS", 50)),

		MaxQueueDepth:           getEnvInt("PISA_MAX_QUEUE_DEPTH", 50),
		ReplacementRatePct:      getEnvInt("PISA_REPLACEMENT_RATE_PCT", 15),
		MaxAttempts:             getEnvInt("PISA_MAX_ATTEMPTS", 10),
		WaitForProviderResponse: getEnvDuration("PISA_WAIT_FOR_PROVIDER_RESPONSE", 2*time.Minute),
		WaitBetweenAttempts:     getEnvDuration("PISA_WAIT_BETWEEN_ATTEMPTS", 15*time.Second),

		MaxGasPriceGwei: int64(getEnvInt("PISA_MAX_GAS_PRICE_GWEI", 50)),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		MetricsAddr: getEnv("PISA_METRICS_ADDR", ":9090"),

		KitsuneExpectedCodeHash: common.HexToHash(getEnv("PISA_KITSUNE_EXPECTED_CODE_HASH", "")),
		KitsuneMinDisputeWindow: uint64(getEnvInt("PISA_KITSUNE_MIN_DISPUTE_WINDOW", 64)),

		RateLimit: RateLimitConfig{
			UserMax:        getEnvInt("PISA_RATE_LIMIT_USER_MAX", 10),
			UserWindowMs:   getEnvInt("PISA_RATE_LIMIT_USER_WINDOW_MS", 60_000),
			UserMessage:    getEnv("PISA_RATE_LIMIT_USER_MESSAGE", "rate limit exceeded, please try again later"),
			GlobalMax:      getEnvInt("PISA_RATE_LIMIT_GLOBAL_MAX", 1000),
			GlobalWindowMs: getEnvInt("PISA_RATE_LIMIT_GLOBAL_WINDOW_MS", 60_000),
			GlobalMessage:  getEnv("PISA_RATE_LIMIT_GLOBAL_MESSAGE", "tower is under heavy load, please try again later"),
		},
	}

	if path := os.Getenv("PISA_RATE_LIMIT_CONFIG_PATH"); path != "" {
		if err := cfg.overlayRateLimitYAML(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) overlayRateLimitYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read rate limit overlay: %w", err)
	}
	var overlay RateLimitConfig
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return fmt.Errorf("config: parse rate limit overlay: %w", err)
	}
	c.RateLimit = overlay
	return nil
}

// Validate checks that the settings required to run the tower are
// present.
func (c *Config) Validate() error {
	var missing []string
	if c.JSONRPCURL == "" {
		missing = append(missing, "PISA_JSONRPC_URL")
	}
	if c.ResponderKey == "" {
		missing = append(missing, "PISA_RESPONDER_KEY")
	}
	if c.ReceiptKey == "" {
		missing = append(missing, "PISA_RECEIPT_KEY")
	}
	if c.KitsuneExpectedCodeHash == (common.Hash{}) {
		missing = append(missing, "PISA_KITSUNE_EXPECTED_CODE_HASH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %v", missing)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
