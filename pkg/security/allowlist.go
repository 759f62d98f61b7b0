// Package security holds the outbound-endpoint allowlist and the secret
// fingerprint key chain. Neither touches the audit path directly: the
// allowlist gates plugin construction, and fingerprints replace secret
// values before settings are hashed into the run record.
package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// Mode selects how strictly outbound endpoints are policed.
type Mode string

const (
	// ModeDevelopment bypasses endpoint validation with a warning.
	ModeDevelopment Mode = "development"
	// ModeStandard validates endpoints against the allowlist.
	ModeStandard Mode = "standard"
	// ModeStrict validates endpoints and additionally requires explicit
	// security levels on every source, LLM and sink.
	ModeStrict Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDevelopment, ModeStandard, ModeStrict:
		return Mode(s), nil
	}
	return "", fmt.Errorf("security: unknown mode %q", s)
}

// EnvApprovedEndpoints overrides the configured allowlist patterns with a
// comma-separated list of regular expressions.
const EnvApprovedEndpoints = "ELSPETH_APPROVED_ENDPOINTS"

// EndpointError reports an outbound endpoint rejected by the allowlist.
type EndpointError struct {
	Endpoint string
	Mode     Mode
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("security: endpoint %q not approved under %s mode", e.Endpoint, e.Mode)
}

// Allowlist validates outbound endpoints against approved patterns.
// Localhost is always permitted.
type Allowlist struct {
	mode     Mode
	patterns []*regexp.Regexp
	logger   *slog.Logger
}

// NewAllowlist compiles the approved patterns. The EnvApprovedEndpoints
// variable, when set, replaces the configured patterns entirely.
func NewAllowlist(mode Mode, patterns []string, logger *slog.Logger) (*Allowlist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if env := os.Getenv(EnvApprovedEndpoints); env != "" {
		patterns = strings.Split(env, ",")
		logger.Info("endpoint allowlist overridden from environment",
			"var", EnvApprovedEndpoints, "patterns", len(patterns))
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("security: allowlist pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Allowlist{mode: mode, patterns: compiled, logger: logger}, nil
}

// Validate checks one outbound endpoint URL. Development mode admits
// everything with a warning; localhost is admitted in every mode.
func (a *Allowlist) Validate(endpoint string) error {
	if isLocalhost(endpoint) {
		return nil
	}
	if a.mode == ModeDevelopment {
		a.logger.Warn("endpoint validation bypassed in development mode", "endpoint", endpoint)
		return nil
	}
	for _, re := range a.patterns {
		if re.MatchString(endpoint) {
			return nil
		}
	}
	return &EndpointError{Endpoint: endpoint, Mode: a.mode}
}

func isLocalhost(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		// Bare host:port without a scheme.
		if h, _, err := net.SplitHostPort(endpoint); err == nil {
			host = h
		} else {
			host = endpoint
		}
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// PluginDescriptor is the minimal view of a configured plugin that strict
// mode inspects.
type PluginDescriptor struct {
	Kind          string // "source", "llm", "sink"
	Name          string
	SecurityLevel string // empty means unset
}

// ValidateStrict enforces the extra strict-mode requirements: every
// source, LLM and sink carries an explicit security level, and mock or
// static LLM providers are rejected.
func ValidateStrict(plugins []PluginDescriptor) error {
	for _, p := range plugins {
		if p.SecurityLevel == "" {
			return fmt.Errorf("security: strict mode requires an explicit security_level on %s %q", p.Kind, p.Name)
		}
		if p.Kind == "llm" && (p.Name == "mock" || p.Name == "static") {
			return fmt.Errorf("security: strict mode forbids %s LLM providers", p.Name)
		}
	}
	return nil
}
