// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig represents the complete configuration of the reference
// transfer client.
type ClientConfig struct {
	Server    ServerAddr    `yaml:"server"`
	TLS       TLSClient     `yaml:"tls"`
	Transfers []TransferJob `yaml:"transfers"`
	Retry     RetryInfo     `yaml:"retry"`
	RateLimit RateLimitInfo `yaml:"rate_limit"`
	Logging   LoggingInfo   `yaml:"logging"`
}

// ServerAddr contains the transfer server's dial address.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// TLSClient contains the client's mTLS material.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// TransferJob names one file to send and the destination filename to use.
type TransferJob struct {
	Path     string `yaml:"path"`
	DestName string `yaml:"dest_name"` // optional, defaults to filepath.Base(Path)
}

// RetryInfo configures retry with exponential backoff on transient failures.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// RateLimitInfo configures the client's aggregate send throughput cap
// (golang.org/x/time/rate, see internal/ratelimit).
type RateLimitInfo struct {
	BytesPerSecond    string `yaml:"bytes_per_second"` // "0" or empty: unlimited
	BytesPerSecondRaw int64  `yaml:"-"`
	Burst             string `yaml:"burst"` // default: one chunk's worth
	BurstRaw          int64  `yaml:"-"`
}

// LoadClientConfig reads and validates the client's YAML configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}
	if len(c.Transfers) == 0 {
		return fmt.Errorf("transfers must have at least one entry")
	}
	for i, t := range c.Transfers {
		if t.Path == "" {
			return fmt.Errorf("transfers[%d].path is required", i)
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.RateLimit.BytesPerSecond == "" {
		c.RateLimit.BytesPerSecond = "0"
	}
	bps, err := ParseByteSize(c.RateLimit.BytesPerSecond)
	if err != nil {
		return fmt.Errorf("rate_limit.bytes_per_second: %w", err)
	}
	c.RateLimit.BytesPerSecondRaw = bps

	if c.RateLimit.Burst == "" {
		c.RateLimit.Burst = "256kb"
	}
	burst, err := ParseByteSize(c.RateLimit.Burst)
	if err != nil {
		return fmt.Errorf("rate_limit.burst: %w", err)
	}
	c.RateLimit.BurstRaw = burst

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes ("256kb", "1gb") to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" never matches as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
