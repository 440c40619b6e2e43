// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validServerYAML = `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: fs
  base_dir: /tmp/transfers
resume:
  state_dir: /tmp/resume-state
output:
  dir: /tmp/output
`

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfgPath := writeTempConfig(t, validServerYAML)
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.MaxConnections != 100 {
		t.Errorf("expected default max_connections 100, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Chunk.SizeRaw != 256*1024 {
		t.Errorf("expected default chunk size 256KiB, got %d", cfg.Chunk.SizeRaw)
	}
	if cfg.Chunk.VerifyCRC32 == nil || !*cfg.Chunk.VerifyCRC32 {
		t.Error("expected default verify_crc32 true")
	}
	if cfg.Storage.Eviction != "lru" {
		t.Errorf("expected default eviction_policy lru, got %q", cfg.Storage.Eviction)
	}
	if cfg.Resume.FlushEveryChunks != 64 {
		t.Errorf("expected default resume_flush_every_chunks 64, got %d", cfg.Resume.FlushEveryChunks)
	}
	if cfg.Resume.FlushIntervalMillis != 5000 {
		t.Errorf("expected default resume_flush_interval_ms 5000, got %d", cfg.Resume.FlushIntervalMillis)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %q", cfg.Logging.Level)
	}
	if cfg.Monitor.PollInterval.Seconds() != 15 {
		t.Errorf("expected default monitor poll_interval 15s, got %v", cfg.Monitor.PollInterval)
	}
}

func TestLoadServerConfig_MissingListen(t *testing.T) {
	content := `
server:
  listen: ""
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: fs
  base_dir: /tmp/transfers
resume:
  state_dir: /tmp/resume-state
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for empty server.listen")
	}
}

func TestLoadServerConfig_MissingTLS(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
storage:
  backend: fs
  base_dir: /tmp/transfers
resume:
  state_dir: /tmp/resume-state
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing tls section")
	}
}

func TestLoadServerConfig_S3BackendRequiresBucket(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: s3
resume:
  state_dir: /tmp/resume-state
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for s3 backend without bucket")
	}
}

func TestLoadServerConfig_FsBackendRequiresBaseDir(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: fs
resume:
  state_dir: /tmp/resume-state
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for fs backend without base_dir")
	}
}

func TestLoadServerConfig_InvalidEvictionPolicy(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: fs
  base_dir: /tmp/transfers
  eviction_policy: "mru"
resume:
  state_dir: /tmp/resume-state
output:
  dir: /tmp/output
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid eviction_policy")
	}
}

func TestLoadServerConfig_ChunkSizeOutOfRange(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
chunk:
  size: "1b"
storage:
  backend: fs
  base_dir: /tmp/transfers
resume:
  state_dir: /tmp/resume-state
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for chunk size below minimum")
	}
}

func TestLoadServerConfig_MissingStateDir(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: fs
  base_dir: /tmp/transfers
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing resume.state_dir")
	}
}

func TestLoadServerConfig_MissingOutputDir(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:9847"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
storage:
  backend: fs
  base_dir: /tmp/transfers
resume:
  state_dir: /tmp/resume-state
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing output.dir")
	}
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/server.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	_, err := LoadServerConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestServerConfig_SaveRoundTrip(t *testing.T) {
	cfgPath := writeTempConfig(t, validServerYAML)
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	savePath := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.Save(savePath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadServerConfig(savePath)
	if err != nil {
		t.Fatalf("reloading saved config: %v", err)
	}
	if reloaded.Server.Listen != cfg.Server.Listen {
		t.Errorf("expected listen %q after round trip, got %q", cfg.Server.Listen, reloaded.Server.Listen)
	}
}

const validClientYAML = `
server:
  address: "localhost:9847"
tls:
  ca_cert: /tmp/ca.pem
  client_cert: /tmp/client.pem
  client_key: /tmp/client-key.pem
transfers:
  - path: /tmp/report.pdf
`

func TestLoadClientConfig_Defaults(t *testing.T) {
	cfgPath := writeTempConfig(t, validClientYAML)
	cfg, err := LoadClientConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts 5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.RateLimit.BytesPerSecondRaw != 0 {
		t.Errorf("expected default rate limit 0 (unlimited), got %d", cfg.RateLimit.BytesPerSecondRaw)
	}
	if cfg.RateLimit.BurstRaw != 256*1024 {
		t.Errorf("expected default burst 256KiB, got %d", cfg.RateLimit.BurstRaw)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default logging format json, got %q", cfg.Logging.Format)
	}
}

func TestLoadClientConfig_MissingTransfers(t *testing.T) {
	content := `
server:
  address: "localhost:9847"
tls:
  ca_cert: /tmp/ca.pem
  client_cert: /tmp/client.pem
  client_key: /tmp/client-key.pem
transfers: []
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadClientConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for empty transfers")
	}
}

func TestLoadClientConfig_MissingPath(t *testing.T) {
	content := `
server:
  address: "localhost:9847"
tls:
  ca_cert: /tmp/ca.pem
  client_cert: /tmp/client.pem
  client_key: /tmp/client-key.pem
transfers:
  - path: ""
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadClientConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for empty transfers[0].path")
	}
}

func TestLoadClientConfig_RateLimitValid(t *testing.T) {
	content := validClientYAML + `
rate_limit:
  bytes_per_second: "10mb"
  burst: "1mb"
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadClientConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimit.BytesPerSecondRaw != 10*1024*1024 {
		t.Errorf("expected 10MB/s, got %d", cfg.RateLimit.BytesPerSecondRaw)
	}
	if cfg.RateLimit.BurstRaw != 1024*1024 {
		t.Errorf("expected 1MB burst, got %d", cfg.RateLimit.BurstRaw)
	}
}

func TestLoadClientConfig_FileNotFound(t *testing.T) {
	_, err := LoadClientConfig("/nonexistent/path/client.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadClientConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	_, err := LoadClientConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256kb", 256 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"100mb", 100 * 1024 * 1024, false},
		{"42b", 42, false},
		{"1024", 1024, false},
		{"", 0, true},
		{"not-a-size", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
