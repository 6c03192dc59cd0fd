// Package model defines the task record, configuration, and error taxonomy shared by replyq components.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Queue   QueueConfig   `yaml:"queue" toml:"queue"`
	Ingest  IngestConfig  `yaml:"ingest" toml:"ingest"`
	Confirm ConfirmConfig `yaml:"confirm" toml:"confirm"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Port              int    `yaml:"port" toml:"port"`
	APIKey            string `yaml:"api_key" toml:"api_key"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`
}

type StorageConfig struct {
	LogDir  string `yaml:"log_dir" toml:"log_dir"`
	TaskDir string `yaml:"task_dir" toml:"task_dir"`
}

type QueueConfig struct {
	DefaultAccount      string `yaml:"default_account" toml:"default_account"`
	DefaultReplyText    string `yaml:"default_reply_text" toml:"default_reply_text"`
	VisibilityTimeoutMs int    `yaml:"visibility_timeout_ms" toml:"visibility_timeout_ms"`
	HeartbeatGraceMs    int    `yaml:"heartbeat_grace_ms" toml:"heartbeat_grace_ms"`
	ClaimCandidates     int    `yaml:"claim_candidates" toml:"claim_candidates"`
	ReaperIntervalMs    int    `yaml:"reaper_interval_ms" toml:"reaper_interval_ms"`
	MaxClaimWaitMs      int    `yaml:"max_claim_wait_ms" toml:"max_claim_wait_ms"`
}

type IngestConfig struct {
	DedupEnabled       bool   `yaml:"dedup_enabled" toml:"dedup_enabled"`
	DedupRetentionDays int    `yaml:"dedup_retention_days" toml:"dedup_retention_days"`
	WebhookSecret      string `yaml:"webhook_secret" toml:"webhook_secret"`
	SystemType         string `yaml:"system_type" toml:"system_type"`
	FlowID             string `yaml:"flow_id" toml:"flow_id"`
	TextPattern        string `yaml:"text_pattern" toml:"text_pattern"`
}

type ConfirmConfig struct {
	Mode           string `yaml:"mode" toml:"mode"` // scan | index | both
	LogFiles       int    `yaml:"log_files" toml:"log_files"`
	TailBytes      int64  `yaml:"tail_bytes" toml:"tail_bytes"`
	ProximityBytes int    `yaml:"proximity_bytes" toml:"proximity_bytes"`
	OutboundMarker string `yaml:"outbound_marker" toml:"outbound_marker"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

const (
	ConfirmModeScan  = "scan"
	ConfirmModeIndex = "index"
	ConfirmModeBoth  = "both"
)

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ShutdownTimeoutMs: 10000,
		},
		Storage: StorageConfig{
			LogDir:  "data/logs",
			TaskDir: "data/tasks",
		},
		Queue: QueueConfig{
			DefaultAccount:      DefaultAccount,
			DefaultReplyText:    "Thank you for your message! We will get back to you shortly.",
			VisibilityTimeoutMs: 120000,
			HeartbeatGraceMs:    30000,
			ClaimCandidates:     5,
			ReaperIntervalMs:    15000,
			MaxClaimWaitMs:      30000,
		},
		Ingest: IngestConfig{
			DedupEnabled:       true,
			DedupRetentionDays: 2,
			SystemType:         "system",
			FlowID:             "job",
			TextPattern:        `(?i)^\s*(yes|no|ok|\d{1,2})\s*[.!]?\s*$`,
		},
		Confirm: ConfirmConfig{
			Mode:           ConfirmModeBoth,
			LogFiles:       3,
			TailBytes:      2 << 20,
			ProximityBytes: 600,
			OutboundMarker: `"direction":"outbound"`,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the effective configuration: defaults, then the optional
// file at path (.yaml/.yml or .toml), then environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yamlv3.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with any of the recognized environment variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("env %s: %w", key, err)
			}
			return
		}
		*dst = n
	}

	num("PORT", &cfg.Server.Port)
	str("API_KEY", &cfg.Server.APIKey)
	str("LOG_DIR", &cfg.Storage.LogDir)
	str("TASK_DIR", &cfg.Storage.TaskDir)
	str("DEFAULT_REPLY_TEXT", &cfg.Queue.DefaultReplyText)
	str("DEFAULT_ACCOUNT", &cfg.Queue.DefaultAccount)
	num("VISIBILITY_TIMEOUT_MS", &cfg.Queue.VisibilityTimeoutMs)
	num("HEARTBEAT_GRACE_MS", &cfg.Queue.HeartbeatGraceMs)
	num("CLAIM_CANDIDATES", &cfg.Queue.ClaimCandidates)
	num("REAPER_INTERVAL_MS", &cfg.Queue.ReaperIntervalMs)
	str("WEBHOOK_SECRET", &cfg.Ingest.WebhookSecret)
	str("INGEST_FLOW_ID", &cfg.Ingest.FlowID)
	str("INGEST_TEXT_PATTERN", &cfg.Ingest.TextPattern)
	str("CONFIRM_MODE", &cfg.Confirm.Mode)
	num("CONFIRM_LOG_FILES", &cfg.Confirm.LogFiles)
	num("CONFIRM_PROXIMITY_BYTES", &cfg.Confirm.ProximityBytes)
	str("CONFIRM_OUTBOUND_MARKER", &cfg.Confirm.OutboundMarker)
	str("LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := lookup("DEDUP_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("env DEDUP_ENABLED: %w", err)
		} else if err == nil {
			cfg.Ingest.DedupEnabled = b
		}
	}
	if v, ok := lookup("CONFIRM_TAIL_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("env CONFIRM_TAIL_BYTES: %w", err)
		} else if err == nil {
			cfg.Confirm.TailBytes = n
		}
	}
	return firstErr
}

// Validate rejects settings the queue cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Storage.TaskDir == "" || c.Storage.LogDir == "" {
		return fmt.Errorf("storage.task_dir and storage.log_dir are required")
	}
	if c.Queue.VisibilityTimeoutMs <= 0 {
		return fmt.Errorf("queue.visibility_timeout_ms must be positive")
	}
	if c.Queue.HeartbeatGraceMs < 0 {
		return fmt.Errorf("queue.heartbeat_grace_ms must not be negative")
	}
	if c.Queue.ClaimCandidates <= 0 {
		return fmt.Errorf("queue.claim_candidates must be positive")
	}
	if c.Queue.ReaperIntervalMs <= 0 {
		return fmt.Errorf("queue.reaper_interval_ms must be positive")
	}
	switch c.Confirm.Mode {
	case ConfirmModeScan, ConfirmModeIndex, ConfirmModeBoth:
	default:
		return fmt.Errorf("confirm.mode must be scan, index or both: %q", c.Confirm.Mode)
	}
	if c.Ingest.TextPattern != "" {
		if _, err := regexp.Compile(c.Ingest.TextPattern); err != nil {
			return fmt.Errorf("ingest.text_pattern: %w", err)
		}
	}
	return nil
}

// VisibilityTimeout returns the lease visibility timeout.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutMs) * time.Millisecond
}

// HeartbeatGrace returns the extra tolerance added before reclamation.
func (q QueueConfig) HeartbeatGrace() time.Duration {
	return time.Duration(q.HeartbeatGraceMs) * time.Millisecond
}

// StaleAfter is visibility timeout plus heartbeat grace.
func (q QueueConfig) StaleAfter() time.Duration {
	return q.VisibilityTimeout() + q.HeartbeatGrace()
}

// ReaperInterval returns the reaper tick period.
func (q QueueConfig) ReaperInterval() time.Duration {
	return time.Duration(q.ReaperIntervalMs) * time.Millisecond
}
