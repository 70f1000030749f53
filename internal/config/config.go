// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the webrelay YAML configuration. Defaults are applied before the
// file is decoded so that absent keys keep them, and a sanitize pass runs afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/provider/format"
)

// BuiltinProviders lists the provider ids compiled into webrelay.
var BuiltinProviders = []string{"deepseek", "qwen", "zai", "kimi"}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the API binds to. Empty binds all interfaces.
	Host string `yaml:"host" json:"-"`
	Port int    `yaml:"port" json:"-"`

	// APIKeys, when set, are required as bearer tokens on /v1 routes.
	APIKeys []string `yaml:"api-keys" json:"-"`

	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes rotating log files under the state directory instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxSizeMB is the size at which a log file is rotated.
	LogsMaxSizeMB int `yaml:"logs-max-size-mb" json:"logs-max-size-mb"`

	// StateDir holds cookies, browser profiles, hooks and logs.
	StateDir string `yaml:"state-dir" json:"state-dir"`

	// HooksDir defaults to <state-dir>/hooks.
	HooksDir string `yaml:"hooks-dir" json:"hooks-dir"`

	Browser browser.Config `yaml:"browser" json:"browser"`
	Pool    PoolConfig     `yaml:"pool" json:"pool"`
	Retry   RetryConfig    `yaml:"retry" json:"retry"`
	Monitor MonitorConfig  `yaml:"monitor" json:"monitor"`

	// RequestTimeout bounds a whole request, retries included.
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout"`

	// StallTimeout fails an attempt when the provider sends nothing for this long.
	StallTimeout time.Duration `yaml:"stall-timeout" json:"stall-timeout"`

	// Formatting renders conversations into the single prompt a web UI accepts.
	Formatting format.Config `yaml:"formatting" json:"formatting"`

	// Providers configures each provider by id.
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`

	// Models maps public model names to provider ids.
	Models map[string]string `yaml:"models" json:"models"`
}

// PoolConfig controls browser session pooling.
type PoolConfig struct {
	// Size caps concurrent sessions per provider.
	Size int `yaml:"size" json:"size"`

	// Sizes overrides Size per provider id.
	Sizes map[string]int `yaml:"sizes" json:"sizes"`

	AcquireTimeout time.Duration `yaml:"acquire-timeout" json:"acquire-timeout"`
	IdleTimeout    time.Duration `yaml:"idle-timeout" json:"idle-timeout"`
	SweepInterval  time.Duration `yaml:"sweep-interval" json:"sweep-interval"`

	// Warm opens one session per enabled provider at startup.
	Warm bool `yaml:"warm" json:"warm"`
}

// RetryConfig controls transient failure retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max-attempts" json:"max-attempts"`
	BaseDelay   time.Duration `yaml:"base-delay" json:"base-delay"`
	MaxDelay    time.Duration `yaml:"max-delay" json:"max-delay"`
}

// MonitorConfig controls browser crash detection.
type MonitorConfig struct {
	CheckInterval time.Duration `yaml:"check-interval" json:"check-interval"`
	CheckTimeout  time.Duration `yaml:"check-timeout" json:"check-timeout"`
}

// ProviderConfig configures one provider.
type ProviderConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled"`

	provider.Options `yaml:",inline" json:",inline"`
}

// IsEnabled reports whether the provider should be registered.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// LoadConfig reads and sanitizes configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile. If optional is true a missing or empty
// file yields the defaults.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			cfg.Sanitize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Port:          8317,
		LogsMaxSizeMB: 10,
		Browser:       browser.DefaultConfig(),
		Pool: PoolConfig{
			Size:           1,
			AcquireTimeout: 30 * time.Second,
			IdleTimeout:    30 * time.Minute,
			SweepInterval:  time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
		Monitor: MonitorConfig{
			CheckInterval: 2 * time.Second,
			CheckTimeout:  time.Second,
		},
		RequestTimeout: 5 * time.Minute,
		StallTimeout:   60 * time.Second,
		Formatting:     format.DefaultConfig(),
	}
}

// Sanitize normalizes ids, clamps invalid values back to defaults and makes sure every
// builtin provider has an entry.
func (cfg *Config) Sanitize() {
	def := Default()

	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	if cfg.LogsMaxSizeMB <= 0 {
		cfg.LogsMaxSizeMB = def.LogsMaxSizeMB
	}
	cfg.APIKeys = normalizeKeys(cfg.APIKeys)

	cfg.SanitizePool(def.Pool)
	cfg.SanitizeRetry(def.Retry)
	if cfg.Monitor.CheckInterval <= 0 {
		cfg.Monitor.CheckInterval = def.Monitor.CheckInterval
	}
	if cfg.Monitor.CheckTimeout <= 0 {
		cfg.Monitor.CheckTimeout = def.Monitor.CheckTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.Browser.NavigationTimeout <= 0 {
		cfg.Browser.NavigationTimeout = def.Browser.NavigationTimeout
	}
	if cfg.Browser.ViewportWidth <= 0 || cfg.Browser.ViewportHeight <= 0 {
		cfg.Browser.ViewportWidth = def.Browser.ViewportWidth
		cfg.Browser.ViewportHeight = def.Browser.ViewportHeight
	}
	pos := strings.ToLower(strings.TrimSpace(cfg.Formatting.InjectionPosition))
	if pos != format.InjectBefore && pos != format.InjectAfter {
		pos = format.InjectAfter
	}
	cfg.Formatting.InjectionPosition = pos

	cfg.SanitizeProviders()
	cfg.SanitizeModels()
}

// SanitizePool clamps pool settings.
func (cfg *Config) SanitizePool(def PoolConfig) {
	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = def.Size
	}
	if cfg.Pool.AcquireTimeout <= 0 {
		cfg.Pool.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.Pool.IdleTimeout < 0 {
		cfg.Pool.IdleTimeout = 0
	}
	if cfg.Pool.SweepInterval <= 0 {
		cfg.Pool.SweepInterval = def.SweepInterval
	}
	if len(cfg.Pool.Sizes) > 0 {
		sizes := make(map[string]int, len(cfg.Pool.Sizes))
		for id, n := range cfg.Pool.Sizes {
			if n > 0 {
				sizes[normalizeID(id)] = n
			}
		}
		cfg.Pool.Sizes = sizes
	}
}

// SanitizeRetry clamps retry settings. Zero attempts is valid and disables retries.
func (cfg *Config) SanitizeRetry(def RetryConfig) {
	if cfg.Retry.MaxAttempts < 0 {
		cfg.Retry.MaxAttempts = 0
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.BaseDelay
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = max(def.MaxDelay, cfg.Retry.BaseDelay)
	}
}

// SanitizeProviders lower-cases provider ids, drops blank ones and adds default entries
// for builtin providers that were not configured.
func (cfg *Config) SanitizeProviders() {
	out := make(map[string]ProviderConfig, len(cfg.Providers)+len(BuiltinProviders))
	for id, pc := range cfg.Providers {
		id = normalizeID(id)
		if id == "" {
			continue
		}
		pc.URL = strings.TrimSpace(pc.URL)
		pc.Credentials.Email = strings.TrimSpace(pc.Credentials.Email)
		out[id] = pc
	}
	for _, id := range BuiltinProviders {
		if _, ok := out[id]; !ok {
			out[id] = ProviderConfig{}
		}
	}
	cfg.Providers = out
}

// SanitizeModels lower-cases model names and provider ids and drops incomplete entries.
func (cfg *Config) SanitizeModels() {
	if len(cfg.Models) == 0 {
		cfg.Models = nil
		return
	}
	out := make(map[string]string, len(cfg.Models))
	for model, id := range cfg.Models {
		model = strings.ToLower(strings.TrimSpace(model))
		id = normalizeID(id)
		if model == "" || id == "" {
			continue
		}
		out[model] = id
	}
	cfg.Models = out
}

// ApplyEnv fills missing credentials from <ID>_EMAIL and <ID>_PASSWORD, so
// DEEPSEEK_EMAIL and DEEPSEEK_PASSWORD configure the DeepSeek login.
func (cfg *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	for id, pc := range cfg.Providers {
		prefix := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
		if pc.Credentials.Email == "" {
			pc.Credentials.Email = strings.TrimSpace(getenv(prefix + "_EMAIL"))
		}
		if pc.Credentials.Password == "" {
			pc.Credentials.Password = getenv(prefix + "_PASSWORD")
		}
		cfg.Providers[id] = pc
	}
}

// EnabledProviders returns the enabled provider ids in sorted order.
func (cfg *Config) EnabledProviders() []string {
	var ids []string
	for id, pc := range cfg.Providers {
		if pc.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ProviderOptions returns the adapter options of id with the global formatting applied.
func (cfg *Config) ProviderOptions(id string) provider.Options {
	opts := cfg.Providers[normalizeID(id)].Options
	opts.Format = cfg.Formatting
	return opts
}

// ResolveModel maps a public model name to a provider id. Explicit entries in Models
// win; otherwise a model named after a provider, or prefixed by one ("deepseek-chat",
// "qwen/qwen3"), selects that provider.
func (cfg *Config) ResolveModel(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "", false
	}
	if id, ok := cfg.Models[m]; ok {
		return id, cfg.providerEnabled(id)
	}
	for _, id := range cfg.EnabledProviders() {
		if m == id || strings.HasPrefix(m, id+"-") || strings.HasPrefix(m, id+"/") || strings.HasPrefix(m, id+":") {
			return id, true
		}
	}
	return "", false
}

func (cfg *Config) providerEnabled(id string) bool {
	pc, ok := cfg.Providers[id]
	return ok && pc.IsEnabled()
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeKeys(keys []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
