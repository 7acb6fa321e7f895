// Package config loads screener configuration from .env, an optional YAML
// file and environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ema-screener/internal/model"
)

// Config holds all application configuration.
type Config struct {
	Upstream struct {
		APIKey         string        `yaml:"api_key"`
		APISecret      string        `yaml:"api_secret"`
		WSURL          string        `yaml:"ws_url"`
		RESTURL        string        `yaml:"rest_url"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"upstream"`

	Watchlist struct {
		Symbols    []string `yaml:"symbols"`
		Timeframes []string `yaml:"timeframes"`
	} `yaml:"watchlist"`

	Signal struct {
		ShortPeriod  int           `yaml:"short_period"`
		LongPeriod   int           `yaml:"long_period"`
		MaxBars      int           `yaml:"max_bars"`
		HistoryBars  int           `yaml:"history_bars"` // 0 = from epoch
		Cooldown     time.Duration `yaml:"cooldown"`
		VolumeFactor float64       `yaml:"volume_factor"` // 0 disables the volume filter
	} `yaml:"signal"`

	Fetch struct {
		MaxConcurrent     int           `yaml:"max_concurrent"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"fetch"`

	Cache struct {
		Backend       string        `yaml:"backend"` // redis | sqlite | none
		RedisAddr     string        `yaml:"redis_addr"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		SQLitePath    string        `yaml:"sqlite_path"`
		TTL           time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Server struct {
		HubAddr     string `yaml:"hub_addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"server"`

	Notify struct {
		TelegramToken  string `yaml:"telegram_token"`
		TelegramChatID string `yaml:"telegram_chat_id"`
		WebhookURL     string `yaml:"webhook_url"`
		WebhookSecret  string `yaml:"webhook_secret"`
	} `yaml:"notify"`

	// Cron specs with a leading seconds field.
	Schedule struct {
		RetryCron     string `yaml:"retry_cron"`
		ReconcileCron string `yaml:"reconcile_cron"`
		PurgeCron     string `yaml:"purge_cron"`
	} `yaml:"schedule"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Upstream.WSURL = "wss://socket.india.delta.exchange"
	c.Upstream.RESTURL = "https://api.india.delta.exchange/v2"
	c.Upstream.ReconnectDelay = 30 * time.Second

	c.Watchlist.Symbols = []string{"BTCUSD"}
	c.Watchlist.Timeframes = []string{"15m", "1h", "4h", "1d"}

	c.Signal.ShortPeriod = 9
	c.Signal.LongPeriod = 20
	c.Signal.MaxBars = 2000
	c.Signal.Cooldown = 0

	c.Fetch.MaxConcurrent = 5
	c.Fetch.RequestsPerSecond = 10
	c.Fetch.Timeout = 30 * time.Second

	c.Cache.Backend = "redis"
	c.Cache.RedisAddr = "localhost:6379"
	c.Cache.SQLitePath = "data/screener.db"
	c.Cache.TTL = 72 * time.Hour

	c.Server.HubAddr = ":8080"
	c.Server.MetricsAddr = ":9090"

	c.Schedule.RetryCron = "0 * * * * *"
	c.Schedule.ReconcileCron = "30 */5 * * * *"
	c.Schedule.PurgeCron = "0 0 * * * *"

	c.LogLevel = "info"
	return c
}

// Load builds the configuration. A .env file in the working directory is
// loaded first without overriding the real environment. path names an
// optional YAML file; when empty SCREENER_CONFIG is used. Missing files
// are not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c := Default()

	if path == "" {
		path = os.Getenv("SCREENER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			log.Printf("[config] loaded %s", path)
		}
	}

	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	c.Upstream.APIKey = getEnv("API_KEY", c.Upstream.APIKey)
	c.Upstream.APISecret = getEnv("API_SECRET", c.Upstream.APISecret)
	c.Upstream.WSURL = getEnv("WS_URL", c.Upstream.WSURL)
	c.Upstream.RESTURL = getEnv("REST_URL", c.Upstream.RESTURL)
	c.Upstream.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", c.Upstream.ReconnectDelay)

	c.Watchlist.Symbols = getEnvList("WATCHLIST", c.Watchlist.Symbols)
	c.Watchlist.Timeframes = getEnvList("TIMEFRAMES", c.Watchlist.Timeframes)

	c.Signal.ShortPeriod = getEnvInt("EMA_SHORT", c.Signal.ShortPeriod)
	c.Signal.LongPeriod = getEnvInt("EMA_LONG", c.Signal.LongPeriod)
	c.Signal.MaxBars = getEnvInt("MAX_BARS", c.Signal.MaxBars)
	c.Signal.HistoryBars = getEnvInt("HISTORY_BARS", c.Signal.HistoryBars)
	c.Signal.Cooldown = getEnvDuration("ALERT_COOLDOWN", c.Signal.Cooldown)
	c.Signal.VolumeFactor = getEnvFloat("VOLUME_FACTOR", c.Signal.VolumeFactor)

	c.Fetch.MaxConcurrent = getEnvInt("FETCH_CONCURRENCY", c.Fetch.MaxConcurrent)
	c.Fetch.RequestsPerSecond = getEnvFloat("FETCH_RPS", c.Fetch.RequestsPerSecond)
	c.Fetch.Timeout = getEnvDuration("FETCH_TIMEOUT", c.Fetch.Timeout)

	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.RedisDB = getEnvInt("REDIS_DB", c.Cache.RedisDB)
	c.Cache.SQLitePath = getEnv("SQLITE_PATH", c.Cache.SQLitePath)
	c.Cache.TTL = getEnvDuration("CACHE_TTL", c.Cache.TTL)

	c.Server.HubAddr = getEnv("HUB_ADDR", c.Server.HubAddr)
	c.Server.MetricsAddr = getEnv("METRICS_ADDR", c.Server.MetricsAddr)

	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
	c.Notify.WebhookURL = getEnv("WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.WebhookSecret = getEnv("WEBHOOK_SECRET", c.Notify.WebhookSecret)

	c.Schedule.RetryCron = getEnv("RETRY_CRON", c.Schedule.RetryCron)
	c.Schedule.ReconcileCron = getEnv("RECONCILE_CRON", c.Schedule.ReconcileCron)
	c.Schedule.PurgeCron = getEnv("PURGE_CRON", c.Schedule.PurgeCron)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration can run a screener.
func (c *Config) Validate() error {
	if c.Upstream.APIKey == "" || c.Upstream.APISecret == "" {
		return fmt.Errorf("upstream.api_key and upstream.api_secret are required")
	}
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required")
	}
	if c.Upstream.RESTURL == "" {
		return fmt.Errorf("upstream.rest_url is required")
	}
	if _, err := c.Timeframes(); err != nil {
		return err
	}
	if c.Signal.ShortPeriod <= 0 || c.Signal.LongPeriod <= c.Signal.ShortPeriod {
		return fmt.Errorf("signal periods must satisfy 0 < short < long, got %d/%d",
			c.Signal.ShortPeriod, c.Signal.LongPeriod)
	}
	if c.Signal.MaxBars < 0 || c.Signal.HistoryBars < 0 {
		return fmt.Errorf("signal.max_bars and signal.history_bars must not be negative")
	}
	if c.Signal.MaxBars > 0 && c.Signal.MaxBars < c.Signal.LongPeriod+2 {
		return fmt.Errorf("signal.max_bars %d cannot hold a long EMA of %d", c.Signal.MaxBars, c.Signal.LongPeriod)
	}
	if c.Signal.VolumeFactor < 0 {
		return fmt.Errorf("signal.volume_factor must not be negative")
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "redis", "sqlite", "none", "":
	default:
		return fmt.Errorf("cache.backend %q: want redis, sqlite or none", c.Cache.Backend)
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		return fmt.Errorf("notify.telegram_chat_id is required with a telegram token")
	}
	return nil
}

// Timeframes parses the configured timeframes, dropping duplicates.
func (c *Config) Timeframes() ([]model.Timeframe, error) {
	seen := make(map[model.Timeframe]bool, len(c.Watchlist.Timeframes))
	tfs := make([]model.Timeframe, 0, len(c.Watchlist.Timeframes))
	for _, s := range c.Watchlist.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("watchlist.timeframes: %w", err)
		}
		if seen[tf] {
			continue
		}
		seen[tf] = true
		tfs = append(tfs, tf)
	}
	if len(tfs) == 0 {
		return nil, fmt.Errorf("watchlist.timeframes: at least one timeframe is required")
	}
	return tfs, nil
}

// Symbols returns the watch-list, upper-cased and de-duplicated.
func (c *Config) Symbols() []string {
	seen := make(map[string]bool, len(c.Watchlist.Symbols))
	out := make([]string, 0, len(c.Watchlist.Symbols))
	for _, s := range c.Watchlist.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated value.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
