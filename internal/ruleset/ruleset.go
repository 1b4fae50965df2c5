// Copyright 2026 The Secure Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ruleset holds the airlock's declarative policy: which hosts a
// confined workload may reach, which paths on those hosts are admitted,
// and whether plaintext HTTP is tolerated. A Ruleset is parsed once at
// startup and is immutable for the remainder of the process, so every
// concurrent connection handler can read it without synchronization.
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Mode selects whether policy decisions are merely observed or actually
// enforced. Any value other than ModeEnforce behaves as permissive
// monitoring, per spec: unknown modes silently degrade rather than fail
// closed.
type Mode string

const (
	// ModeMonitor admits every host and path but still allows the caller
	// to audit what would have happened under enforcement.
	ModeMonitor Mode = "monitor"
	// ModeEnforce applies HostRule matching to every decision.
	ModeEnforce Mode = "enforce"
)

const (
	reasonMonitorMode        = "Monitor Mode"
	reasonHostAllowed        = "Host Allowed"
	reasonHostNotAllowed     = "Host Not Allowed"
	reasonNoPathsConfigured  = "No Paths Configured"
	reasonPathMatch          = "Path Match"
	reasonPathNotAllowed     = "Path Not Allowed"
	reasonInsecureNotAllowed = "Insecure HTTP not allowed"
)

// HostRule admits one DNS host (and its subdomains, see Matches) and
// constrains which paths and transports are allowed on it.
type HostRule struct {
	Host          string   `json:"host"`
	AllowedPaths  []string `json:"allowed_paths"`
	AllowInsecure bool     `json:"allow_insecure"`
}

// Matches reports whether host is admitted by this rule: either an exact
// match, or host is a dotted subdomain of r.Host (the separating dot is
// required, so "evilexample.com" does not match a rule for "example.com").
func (r HostRule) Matches(host string) bool {
	if host == r.Host {
		return true
	}
	return strings.HasSuffix(host, "."+r.Host)
}

// pathAllowed reports whether path is admitted by the rule's
// AllowedPaths, honoring the literal-wildcard, prefix-wildcard, and
// exact-match forms, in list order.
func (r HostRule) pathAllowed(path string) bool {
	for _, pattern := range r.AllowedPaths {
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, "*"):
			prefix := strings.TrimSuffix(pattern, "*")
			trimmed := strings.TrimSuffix(prefix, "/")
			if strings.HasPrefix(path, prefix) || path == trimmed {
				return true
			}
		case pattern == path:
			return true
		}
	}
	return false
}

// Config is the immutable, process-wide ruleset loaded once from the JSON
// configuration file. Nothing mutates a Config after Load returns it, so
// it may be shared by reference across every connection goroutine without
// a lock.
type Config struct {
	ModeValue     Mode       `json:"mode"`
	EnableLogging *bool      `json:"enable_logging,omitempty"`
	Rules         []HostRule `json:"allowed_rules"`
}

// rawConfig mirrors the on-disk JSON schema exactly (§6); Config.ModeValue
// defaults and EnableLogging's absent-vs-false distinction are resolved
// after unmarshaling, not by struct tags, which can't express "default
// true iff mode == monitor."
type rawConfig struct {
	Mode          Mode       `json:"mode"`
	EnableLogging *bool      `json:"enable_logging,omitempty"`
	AllowedRules  []HostRule `json:"allowed_rules"`
}

// Default returns the zero-value ruleset used when no configuration file
// is present: monitor mode, no rules.
func Default() *Config {
	return &Config{ModeValue: ModeMonitor}
}

// Load reads and parses the JSON ruleset at path. A missing file is not
// an error: it yields Default(), matching the "if absent, defaults to
// monitor/no rules" behavior in §6. Any other read or parse failure is
// returned to the caller, who should treat it as an initialization error
// (fatal, per §7).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ruleset %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing ruleset %s: %w", path, err)
	}
	if raw.Mode == "" {
		raw.Mode = ModeMonitor
	}

	cfg := &Config{
		ModeValue:     raw.Mode,
		EnableLogging: raw.EnableLogging,
		Rules:         raw.AllowedRules,
	}
	return cfg, nil
}

// Mode reports the configured mode, case-sensitively. Anything besides
// ModeEnforce is treated as permissive.
func (c *Config) Mode() Mode {
	if c == nil {
		return ModeMonitor
	}
	return c.ModeValue
}

func (c *Config) enforcing() bool {
	return c.Mode() == ModeEnforce
}

// LoggingEnabled reports whether the audit sink should write records.
// When EnableLogging is unset in the JSON, it defaults to true iff the
// ruleset is in monitor mode.
func (c *Config) LoggingEnabled() bool {
	if c == nil {
		return true
	}
	if c.EnableLogging != nil {
		return *c.EnableLogging
	}
	return !c.enforcing()
}

func (c *Config) findRule(host string) (HostRule, bool) {
	for _, r := range c.Rules {
		if r.Matches(host) {
			return r, true
		}
	}
	return HostRule{}, false
}

// HostDecision is the result of host-level admission, evaluated at
// CONNECT time (or before dialing an absolute-form HTTP request's
// origin).
type HostDecision struct {
	Allowed       bool
	Reason        string
	AllowInsecure bool
}

// AdmitHost implements host-admission(host) from §4.1. Monitor mode
// admits everything and forces AllowInsecure so that plaintext traffic is
// observed rather than blocked.
func (c *Config) AdmitHost(host string) HostDecision {
	if !c.enforcing() {
		return HostDecision{Allowed: true, Reason: reasonMonitorMode, AllowInsecure: true}
	}
	rule, ok := c.findRule(host)
	if !ok {
		return HostDecision{Reason: reasonHostNotAllowed}
	}
	return HostDecision{Allowed: true, Reason: reasonHostAllowed, AllowInsecure: rule.AllowInsecure}
}

// RequestDecision is the result of request-level admission, evaluated
// after TLS termination (for intercepted HTTPS) or before forwarding a
// plaintext HTTP request.
type RequestDecision struct {
	Allowed bool
	Reason  string
}

// AdmitRequest implements request-admission(host, path) from §4.1.
func (c *Config) AdmitRequest(host, path string) RequestDecision {
	if !c.enforcing() {
		return RequestDecision{Allowed: true, Reason: reasonMonitorMode}
	}
	rule, ok := c.findRule(host)
	if !ok {
		return RequestDecision{Reason: reasonHostNotAllowed}
	}
	if len(rule.AllowedPaths) == 0 {
		return RequestDecision{Reason: reasonNoPathsConfigured}
	}
	if rule.pathAllowed(path) {
		return RequestDecision{Allowed: true, Reason: reasonPathMatch}
	}
	return RequestDecision{Reason: reasonPathNotAllowed}
}

// ReasonInsecureNotAllowed is the fixed audit reason used by callers when
// enforce mode rejects plaintext HTTP to a host whose rule has
// AllowInsecure=false. It lives here, rather than being computed by each
// caller, so the exact string used in §4.4 step 3 and §8 S5 stays in one
// place.
const ReasonInsecureNotAllowed = reasonInsecureNotAllowed
