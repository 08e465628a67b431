package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		NumWorkers  int
		BufferSize  int
		BatchSize   int
		FlushSecs   int
		HTTPAddr    string
	}

	Feed struct {
		URL               string
		APIKey            string
		AccessToken       string
		Tokens            []uint32
		Mode              string
		PingSecs          int
		ReconnectBaseSecs int
		ReconnectMaxSecs  int
		ReconnectRetries  int
	}

	ClickHouse struct {
		Host         string
		Port         int
		User         string
		Password     string
		Database     string
		MaxOpenConns int
		MaxIdleConns int
		QueryTimeout time.Duration
		Debug        bool
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// App settings
	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.NumWorkers = getEnvAsIntOrDefault("NUM_WORKERS", 5)
	cfg.App.BufferSize = getEnvAsIntOrDefault("BUFFER_SIZE", 1000)
	cfg.App.BatchSize = getEnvAsIntOrDefault("BATCH_SIZE", 1000)
	cfg.App.FlushSecs = getEnvAsIntOrDefault("FLUSH_SECS", 5)
	cfg.App.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8080")

	// Feed settings. The access token comes from the external login flow.
	cfg.Feed.URL = getEnvOrDefault("FEED_URL", "wss://ws.kite.trade")
	cfg.Feed.APIKey = os.Getenv("FEED_API_KEY")
	cfg.Feed.AccessToken = os.Getenv("FEED_ACCESS_TOKEN")
	cfg.Feed.Mode = getEnvOrDefault("FEED_MODE", "quote")
	cfg.Feed.PingSecs = getEnvAsIntOrDefault("FEED_PING_SECS", 10)
	cfg.Feed.ReconnectBaseSecs = getEnvAsIntOrDefault("FEED_RECONNECT_BASE_SECS", 2)
	cfg.Feed.ReconnectMaxSecs = getEnvAsIntOrDefault("FEED_RECONNECT_MAX_SECS", 60)
	cfg.Feed.ReconnectRetries = getEnvAsIntOrDefault("FEED_RECONNECT_RETRIES", 0)

	tokens, err := parseTokenList(os.Getenv("FEED_TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg.Feed.Tokens = tokens

	// ClickHouse settings
	cfg.ClickHouse.Host = getEnvOrDefault("CLICKHOUSE_HOST", "localhost")
	cfg.ClickHouse.Port = getEnvAsIntOrDefault("CLICKHOUSE_PORT", 9000)
	cfg.ClickHouse.User = getEnvOrDefault("CLICKHOUSE_USER", "default")
	cfg.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.ClickHouse.Database = getEnvOrDefault("CLICKHOUSE_DB", "default")
	cfg.ClickHouse.MaxOpenConns = getEnvAsIntOrDefault("CLICKHOUSE_MAX_OPEN_CONNS", 10)
	cfg.ClickHouse.MaxIdleConns = getEnvAsIntOrDefault("CLICKHOUSE_MAX_IDLE_CONNS", 5)
	cfg.ClickHouse.QueryTimeout = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_QUERY_TIMEOUT_SECS", 30)) * time.Second
	cfg.ClickHouse.Debug = cfg.App.Environment != "production"

	return cfg, nil
}

// parseTokenList parses a comma-separated instrument token list,
// e.g. "408065,738561".
func parseTokenList(s string) ([]uint32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	tokens := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid instrument token %q: %w", p, err)
		}
		tokens = append(tokens, uint32(v))
	}
	return tokens, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
