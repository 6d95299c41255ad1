// Package config reads server configuration from the environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration. Empty DatabaseURL selects the
// in-memory stores; empty Redis.URL selects the in-process bus.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	DatabaseURL string
	Redis       RedisConfig
	Bus         BusConfig
	Outbox      OutboxConfig
	Sweeper     SweeperConfig
	Payment     PaymentConfig
	SeedDemo    bool
}

// RedisConfig holds Redis Streams connection and consumer-group settings.
type RedisConfig struct {
	URL           string
	StreamPrefix  string
	Group         string
	Consumer      string
	Block         time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
	MaxDeliveries int64
	DialTimeout   *time.Duration
	ReadTimeout   *time.Duration
	WriteTimeout  *time.Duration
	PoolSize      *int
	MinIdleConns  *int
	MaxRetries    *int
	TLSConfig     *tls.Config
}

// BusConfig tunes the in-process bus.
type BusConfig struct {
	MaxAttempts int
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// SweeperConfig tunes the stuck-saga sweeper.
type SweeperConfig struct {
	Interval   time.Duration
	StuckAfter time.Duration
}

// PaymentConfig tunes the outbound provider call.
type PaymentConfig struct {
	Timeout            time.Duration
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	BreakerMaxFailures int
	BreakerReset       time.Duration
	RateInterval       time.Duration
	RateBurst          int
}

// Load reads the full configuration from env.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    optionalString("HTTP_ADDR", ":8080"),
		GRPCAddr:    optionalString("GRPC_ADDR", ":50051"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	var err error
	if cfg.Redis, err = loadRedis(); err != nil {
		return cfg, err
	}
	if cfg.Bus, err = loadBus(); err != nil {
		return cfg, err
	}
	if cfg.Outbox, err = loadOutbox(); err != nil {
		return cfg, err
	}
	if cfg.Sweeper, err = loadSweeper(); err != nil {
		return cfg, err
	}
	if cfg.Payment, err = loadPayment(); err != nil {
		return cfg, err
	}
	if cfg.SeedDemo, err = optionalBool("SEED_DEMO_PRODUCTS"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		StreamPrefix: optionalString("REDIS_STREAM_PREFIX", "ordermesh"),
		Group:        optionalString("REDIS_GROUP", "ordermesh"),
		Consumer:     optionalString("REDIS_CONSUMER", "server-1"),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.Block, err = optionalDuration0("REDIS_BLOCK"); err != nil {
		return cfg, err
	}
	if cfg.ClaimMinIdle, err = optionalDuration0("REDIS_CLAIM_MIN_IDLE"); err != nil {
		return cfg, err
	}
	if cfg.ClaimInterval, err = optionalDuration0("REDIS_CLAIM_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.MaxDeliveries, err = optionalInt64("REDIS_MAX_DELIVERIES"); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadBus() (BusConfig, error) {
	max, err := optionalIntDefault("BUS_MAX_ATTEMPTS", 3)
	if err != nil {
		return BusConfig{}, err
	}
	return BusConfig{MaxAttempts: max}, nil
}

func loadOutbox() (OutboxConfig, error) {
	cfg := OutboxConfig{}
	var err error
	if cfg.PollInterval, err = optionalDuration0("OUTBOX_POLL_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = optionalIntDefault("OUTBOX_BATCH_SIZE", 0); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = optionalIntDefault("OUTBOX_MAX_ATTEMPTS", 0); err != nil {
		return cfg, err
	}
	if cfg.BaseDelay, err = optionalDuration0("OUTBOX_BASE_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.MaxDelay, err = optionalDuration0("OUTBOX_MAX_DELAY"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadSweeper() (SweeperConfig, error) {
	cfg := SweeperConfig{}
	var err error
	if cfg.Interval, err = optionalDurationDefault("SAGA_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StuckAfter, err = optionalDurationDefault("SAGA_STUCK_AFTER", 5*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadPayment() (PaymentConfig, error) {
	cfg := PaymentConfig{}
	var err error
	if cfg.Timeout, err = optionalDurationDefault("PAYMENT_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = optionalIntDefault("PAYMENT_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = optionalDurationDefault("PAYMENT_RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = optionalIntDefault("PAYMENT_BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = optionalDurationDefault("PAYMENT_BREAKER_RESET", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateInterval, err = optionalDuration0("PAYMENT_RATE_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.RateBurst, err = optionalIntDefault("PAYMENT_RATE_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalString(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalDuration0(name string) (time.Duration, error) {
	return optionalDurationDefault(name, 0)
}

func optionalDurationDefault(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalIntDefault(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
