// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for the
// reference server and client executables, following
// internal/config/{server,agent}.go's shape: nested sections, a validate()
// that fills defaults, and ParseByteSize for human-readable sizes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chunktransfer/chunktransfer/internal/storage"
	"github.com/chunktransfer/chunktransfer/internal/transfer"
)

// ServerConfig represents the complete configuration of the reference
// transfer server.
type ServerConfig struct {
	Server    ServerListen    `yaml:"server"`
	TLS       TLSServer       `yaml:"tls"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Storage   StorageConfig   `yaml:"storage"`
	Resume    ResumeConfig    `yaml:"resume"`
	Output    OutputConfig    `yaml:"output"`
	Logging   LoggingInfo     `yaml:"logging"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	RateLimit ServerRateLimit `yaml:"rate_limit"`
}

// ServerListen contains the server's listen address and connection cap.
type ServerListen struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"` // spec.md §6 max_connections
}

// TLSServer contains the server's mTLS material.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// ChunkConfig configures per-transfer chunking (spec.md §6 chunk_size,
// verify_crc32).
type ChunkConfig struct {
	Size        string `yaml:"size"` // e.g. "256kb" (default)
	SizeRaw     uint32 `yaml:"-"`
	VerifyCRC32 *bool  `yaml:"verify_crc32"` // nil (absent) -> default true
}

// StorageConfig configures the object store backend and the admission
// policy guarding it (spec.md §4.5: max_file_size, storage_quota,
// eviction_policy).
type StorageConfig struct {
	Backend      string `yaml:"backend"` // "fs" (default) | "s3"
	BaseDir      string `yaml:"base_dir"`
	Bucket       string `yaml:"bucket"` // required when backend == "s3"
	MaxFileSize  string `yaml:"max_file_size"`
	MaxFileSizeRaw int64 `yaml:"-"`
	Quota        string `yaml:"quota"`
	QuotaRaw     int64  `yaml:"-"`
	Eviction     string `yaml:"eviction_policy"` // lru (default) | lfu | fifo

	// S3AccessKeyID/S3SecretAccessKey/S3SessionToken supply a static
	// credential set to storage.NewS3Backend (internal/storage/s3backend.go)
	// when backend == "s3". Left empty, NewS3Backend falls back to the
	// default AWS config chain (environment, shared config, IMDS).
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3SessionToken    string `yaml:"s3_session_token"`
}

// ResumeConfig configures the journal+snapshot durable state store
// (spec.md §4.4: resume_flush_every_chunks, resume_flush_interval_ms).
type ResumeConfig struct {
	StateDir               string        `yaml:"state_dir"`
	FlushEveryChunks       int           `yaml:"resume_flush_every_chunks"`
	FlushIntervalMillis    int           `yaml:"resume_flush_interval_ms"`
	FlushInterval          time.Duration `yaml:"-"`
	CompactThresholdBytes  int64         `yaml:"compact_threshold_bytes"`
	CompactSchedule        string        `yaml:"compact_schedule"` // cron expression, e.g. "0 */6 * * *"
}

// MonitorConfig configures the disk-pressure-aware admission monitor.
type MonitorConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`       // default: 15s
	LowDiskThreshold  string        `yaml:"low_disk_threshold"`  // e.g. "1gb" (default)
	LowDiskThresholdRaw int64       `yaml:"-"`
}

// ServerRateLimit configures the token-bucket throttle (internal/ratelimit,
// golang.org/x/time/rate) applied to chunk ingestion while
// monitor.DiskMonitor reports low disk. Unlike the client's aggregate
// RateLimitInfo, this cap only engages under disk pressure; it is inert
// the rest of the time regardless of its configured rate.
type ServerRateLimit struct {
	LowDiskBytesPerSecond    string `yaml:"low_disk_bytes_per_second"` // "0" or empty: unlimited
	LowDiskBytesPerSecondRaw int64  `yaml:"-"`
	LowDiskBurst             string `yaml:"low_disk_burst"` // default: "256kb", whatever chunk.size is
	LowDiskBurstRaw          int64  `yaml:"-"`
}

// LoggingInfo contains logging configuration.
type LoggingInfo struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`        // optional, tee to a file in addition to stdout
	SessionDir string `yaml:"session_dir"` // optional, per-transfer forensic log files (logging.NewSessionLogger)
}

// OutputConfig names the local directory where the assembler stages and
// finalizes incoming transfers (spec.md §6 output_dir). After a successful
// finalize the server moves each file into the storage backend
// (StorageConfig) and removes it from this directory.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// LoadServerConfig reads and validates the server's YAML configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg back to path atomically (temp file + os.Rename). The
// reference commands under cmd/ do not call it.
func (c *ServerConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling server config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".server-config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming config file into place: %w", err)
	}
	return nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = 100
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required")
	}
	if c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required")
	}

	if c.Chunk.Size == "" {
		c.Chunk.Size = "256kb"
	}
	chunkSize, err := ParseByteSize(c.Chunk.Size)
	if err != nil {
		return fmt.Errorf("chunk.size: %w", err)
	}
	if chunkSize < int64(transfer.MinChunkSize) || chunkSize > int64(transfer.MaxChunkSize) {
		return fmt.Errorf("chunk.size must be between %d and %d bytes, got %d", transfer.MinChunkSize, transfer.MaxChunkSize, chunkSize)
	}
	c.Chunk.SizeRaw = uint32(chunkSize)
	if c.Chunk.VerifyCRC32 == nil {
		v := true
		c.Chunk.VerifyCRC32 = &v
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateResume(); err != nil {
		return err
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}

	if c.Monitor.PollInterval <= 0 {
		c.Monitor.PollInterval = 15 * time.Second
	}
	if c.Monitor.LowDiskThreshold == "" {
		c.Monitor.LowDiskThreshold = "1gb"
	}
	lowDisk, err := ParseByteSize(c.Monitor.LowDiskThreshold)
	if err != nil {
		return fmt.Errorf("monitor.low_disk_threshold: %w", err)
	}
	c.Monitor.LowDiskThresholdRaw = lowDisk

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	return nil
}

func (c *ServerConfig) validateRateLimit() error {
	if c.RateLimit.LowDiskBytesPerSecond == "" {
		c.RateLimit.LowDiskBytesPerSecond = "0"
	}
	bps, err := ParseByteSize(c.RateLimit.LowDiskBytesPerSecond)
	if err != nil {
		return fmt.Errorf("rate_limit.low_disk_bytes_per_second: %w", err)
	}
	c.RateLimit.LowDiskBytesPerSecondRaw = bps

	if c.RateLimit.LowDiskBurst == "" {
		c.RateLimit.LowDiskBurst = "256kb"
	}
	burst, err := ParseByteSize(c.RateLimit.LowDiskBurst)
	if err != nil {
		return fmt.Errorf("rate_limit.low_disk_burst: %w", err)
	}
	c.RateLimit.LowDiskBurstRaw = burst

	return nil
}

func (c *ServerConfig) validateStorage() error {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "fs"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required when storage.backend is fs")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required when storage.backend is s3")
		}
	default:
		return fmt.Errorf("storage.backend must be fs or s3, got %q", c.Storage.Backend)
	}

	if c.Storage.MaxFileSize == "" {
		c.Storage.MaxFileSize = "0" // 0 == unbounded
	}
	maxFileSize, err := ParseByteSize(c.Storage.MaxFileSize)
	if err != nil {
		return fmt.Errorf("storage.max_file_size: %w", err)
	}
	c.Storage.MaxFileSizeRaw = maxFileSize

	if c.Storage.Quota == "" {
		c.Storage.Quota = "0" // 0 == unbounded
	}
	quota, err := ParseByteSize(c.Storage.Quota)
	if err != nil {
		return fmt.Errorf("storage.quota: %w", err)
	}
	c.Storage.QuotaRaw = quota

	if c.Storage.Eviction == "" {
		c.Storage.Eviction = string(storage.EvictionLRU)
	}
	c.Storage.Eviction = strings.ToLower(strings.TrimSpace(c.Storage.Eviction))
	switch storage.EvictionPolicy(c.Storage.Eviction) {
	case storage.EvictionLRU, storage.EvictionLFU, storage.EvictionFIFO:
	default:
		return fmt.Errorf("storage.eviction_policy must be lru, lfu or fifo, got %q", c.Storage.Eviction)
	}

	return nil
}

func (c *ServerConfig) validateResume() error {
	if c.Resume.StateDir == "" {
		return fmt.Errorf("resume.state_dir is required")
	}
	if c.Resume.FlushEveryChunks <= 0 {
		c.Resume.FlushEveryChunks = 64
	}
	if c.Resume.FlushIntervalMillis <= 0 {
		c.Resume.FlushIntervalMillis = 5000
	}
	c.Resume.FlushInterval = time.Duration(c.Resume.FlushIntervalMillis) * time.Millisecond
	if c.Resume.CompactThresholdBytes <= 0 {
		c.Resume.CompactThresholdBytes = 8 * 1024 * 1024
	}
	if c.Resume.CompactSchedule == "" {
		c.Resume.CompactSchedule = "0 */6 * * *"
	}
	return nil
}
