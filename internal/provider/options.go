// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"strings"
	"time"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/provider/format"
)

// Credentials drive the login flow.
type Credentials struct {
	// AutoLogin fills the login form; otherwise the adapter waits for a manual login.
	AutoLogin bool   `yaml:"auto-login" json:"auto-login"`
	Email     string `yaml:"email" json:"-"`
	Password  string `yaml:"password" json:"-"`

	// LoginTimeout bounds a login; zero waits until the request context ends.
	LoginTimeout time.Duration `yaml:"login-timeout" json:"login-timeout"`
}

// Behavior holds the UI switches adapters flip before submitting.
type Behavior struct {
	// Thinking turns on the provider's reasoning mode.
	Thinking bool `yaml:"thinking" json:"thinking"`

	// SendThinking relays reasoning text wrapped in <think></think>.
	SendThinking bool `yaml:"send-thinking" json:"send-thinking"`

	Search bool `yaml:"search" json:"search"`

	// AntiCensorship ends the stream cleanly when the provider swaps the answer for a
	// content-filter refusal.
	AntiCensorship bool `yaml:"anti-censorship" json:"anti-censorship"`

	// CleanRegeneration regenerates instead of resending an identical prompt.
	CleanRegeneration bool `yaml:"clean-regeneration" json:"clean-regeneration"`

	// SendAsTextFile attaches the prompt as a .txt upload instead of typing it.
	SendAsTextFile bool `yaml:"send-as-text-file" json:"send-as-text-file"`

	// UploadTimeout bounds the wait for the send button after an upload.
	UploadTimeout time.Duration `yaml:"upload-timeout" json:"upload-timeout"`
}

// Selectors maps logical control names to DOM targets. Web UIs change their markup
// often, so every adapter selector can be overridden from config.
type Selectors map[string]browser.Target

// Merge returns defaults overlaid with overrides.
func (s Selectors) Merge(overrides Selectors) Selectors {
	out := make(Selectors, len(s)+len(overrides))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range overrides {
		if !v.IsZero() {
			out[k] = v
		}
	}
	return out
}

// Get returns the target named name.
func (s Selectors) Get(name string) browser.Target { return s[name] }

// Options configure one adapter instance.
type Options struct {
	// URL overrides the provider start page.
	URL         string      `yaml:"url" json:"url"`
	Credentials Credentials `yaml:"credentials" json:"credentials"`
	Behavior    Behavior    `yaml:"behavior" json:"behavior"`
	Selectors   Selectors   `yaml:"selectors" json:"selectors"`

	// Format renders conversations into the single prompt the UI accepts.
	Format format.Config `yaml:"-" json:"-"`
}

// ForModel adjusts b for a model hint, so "deepseek-reasoner" or "qwen-thinking" turn
// reasoning on and "*-search" turns search on.
func (b Behavior) ForModel(model string) Behavior {
	m := strings.ToLower(model)
	if strings.Contains(m, "reason") || strings.Contains(m, "think") || strings.HasSuffix(m, "-r1") {
		b.Thinking = true
	}
	if strings.Contains(m, "search") {
		b.Search = true
	}
	return b
}
