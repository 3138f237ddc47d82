// Package config loads and persists the yaml configuration file. A single
// in-process manager owns the loaded snapshot; callers get defensive clones.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/routinely/routinely/internal/consts"
)

type (
	Config struct {
		Logging   LoggingConfig   `yaml:"logging"`
		Database  DatabaseConfig  `yaml:"database"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		Agent     AgentConfig     `yaml:"agent"`
		Channels  ChannelsConfig  `yaml:"channels"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
		Compress   bool   `yaml:"compress"`
	}

	DatabaseConfig struct {
		Path string `yaml:"path"`
	}

	SchedulerConfig struct {
		ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
	}

	// AgentConfig describes the external command that answers prompts.
	AgentConfig struct {
		Command    string   `yaml:"command"`
		Args       []string `yaml:"args"`
		TimeoutSec int      `yaml:"timeout_sec"`
	}

	ChannelsConfig struct {
		Desktop  DesktopConfig  `yaml:"desktop"`
		Telegram TelegramConfig `yaml:"telegram"`
	}

	DesktopConfig struct {
		Enabled *bool `yaml:"enabled"`
	}

	TelegramConfig struct {
		Enabled     bool   `yaml:"enabled"`
		Token       string `yaml:"token"`
		DefaultChat string `yaml:"default_chat"`
	}
)

// Validate normalizes the config in place, filling defaults and rejecting
// combinations that cannot work.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		c.Database.Path = consts.DefaultDatabasePath()
	}

	if c.Scheduler.ShutdownGraceSec <= 0 {
		c.Scheduler.ShutdownGraceSec = 10
	}

	c.Agent.Command = strings.TrimSpace(c.Agent.Command)
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 300
	}

	if c.Channels.Desktop.Enabled == nil {
		enabled := true
		c.Channels.Desktop.Enabled = &enabled
	}

	c.Channels.Telegram.Token = strings.TrimSpace(c.Channels.Telegram.Token)
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return errors.New("channels.telegram.token is required when telegram is enabled")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("config is nil")
	}
	raw, err := sonic.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var cloned Config
	if err := sonic.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("unmarshal config clone: %w", err)
	}
	return &cloned, nil
}

// Hash returns a stable digest of the config snapshot.
func (c *Config) Hash() string {
	json := sonic.Config{SortMapKeys: true, UseNumber: true}.Froze()
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
