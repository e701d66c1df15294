// Package config manages the global process configuration: defaults are
// loaded from an embedded YAML file and overridden by environment
// variables at startup.
package config

import (
	_ "embed"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable process configuration.
type Data struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	EventsChannel string `yaml:"events_channel"`

	ItemTTL             string `yaml:"item_ttl"`
	HistoryCap          int    `yaml:"history_cap"`
	FailedListCap       int    `yaml:"failed_list_cap"`
	HistoryListCap      int    `yaml:"history_list_cap"`
	DefaultPendingLimit int    `yaml:"default_pending_limit"`

	PingInterval string `yaml:"ping_interval"`
	PongTimeout  string `yaml:"pong_timeout"`

	StalePendingMinutes int    `yaml:"stale_pending_minutes"`
	CleanupInterval     string `yaml:"cleanup_interval"`

	HTTPAddr string `yaml:"http_addr"`
}

// Global is a thread-safe wrapper around Data, read once at startup and
// safe to read concurrently thereafter.
type Global struct {
	mu   sync.RWMutex
	data Data
}

// Load parses the embedded defaults and applies any matching environment
// variable overrides (PIPEQUEUE_REDIS_ADDR, PIPEQUEUE_REDIS_DB, ...).
func Load() (*Global, error) {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		return nil, err
	}
	applyEnvOverrides(&d)
	return &Global{data: d}, nil
}

func applyEnvOverrides(d *Data) {
	d.RedisAddr = env("PIPEQUEUE_REDIS_ADDR", d.RedisAddr)
	d.RedisDB = envInt("PIPEQUEUE_REDIS_DB", d.RedisDB)
	d.EventsChannel = env("PIPEQUEUE_EVENTS_CHANNEL", d.EventsChannel)

	d.ItemTTL = env("PIPEQUEUE_ITEM_TTL", d.ItemTTL)
	d.HistoryCap = envInt("PIPEQUEUE_HISTORY_CAP", d.HistoryCap)
	d.FailedListCap = envInt("PIPEQUEUE_FAILED_LIST_CAP", d.FailedListCap)
	d.HistoryListCap = envInt("PIPEQUEUE_HISTORY_LIST_CAP", d.HistoryListCap)
	d.DefaultPendingLimit = envInt("PIPEQUEUE_DEFAULT_PENDING_LIMIT", d.DefaultPendingLimit)

	d.PingInterval = env("PIPEQUEUE_PING_INTERVAL", d.PingInterval)
	d.PongTimeout = env("PIPEQUEUE_PONG_TIMEOUT", d.PongTimeout)

	d.StalePendingMinutes = envInt("PIPEQUEUE_STALE_PENDING_MINUTES", d.StalePendingMinutes)
	d.CleanupInterval = env("PIPEQUEUE_CLEANUP_INTERVAL", d.CleanupInterval)

	d.HTTPAddr = env("PIPEQUEUE_HTTP_ADDR", d.HTTPAddr)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// ParseDuration parses one of Data's duration-valued string fields,
// falling back to def on a malformed or empty value.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
