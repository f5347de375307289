package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		PublicURL    string `yaml:"public_url"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
		Dir string `yaml:"dir"`
	} `yaml:"quiz"`
	Session struct {
		IdleTimeout     string `yaml:"idle_timeout"`
		SweepInterval   string `yaml:"sweep_interval"`
		SnapshotBackend string `yaml:"snapshot_backend"`
		SnapshotDir     string `yaml:"snapshot_dir"`
		SnapshotTTL     string `yaml:"snapshot_ttl"`
	} `yaml:"session"`
	Auth struct {
		Secret   string `yaml:"secret"`
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"auth"`
	WebSocket struct {
		PingInterval string `yaml:"ping_interval"`
		WriteTimeout string `yaml:"write_timeout"`
		SendBuffer   int    `yaml:"send_buffer"`
	} `yaml:"websocket"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "15s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "15s"
	}
	if c.Quiz.TTL == "" {
		c.Quiz.TTL = "10m"
	}
	if c.Quiz.Dir == "" {
		c.Quiz.Dir = "quizzes"
	}
	if c.Session.IdleTimeout == "" {
		c.Session.IdleTimeout = "3h"
	}
	if c.Session.SweepInterval == "" {
		c.Session.SweepInterval = "1m"
	}
	if c.Session.SnapshotBackend == "" {
		c.Session.SnapshotBackend = BackendFile
	}
	if c.Session.SnapshotDir == "" {
		c.Session.SnapshotDir = "data/sessions"
	}
	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "12h"
	}
	if c.WebSocket.PingInterval == "" {
		c.WebSocket.PingInterval = "30s"
	}
	if c.WebSocket.WriteTimeout == "" {
		c.WebSocket.WriteTimeout = "10s"
	}
	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = 64
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return c
}

// Load reads YAML config from path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg.withDefaults(), nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
