// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package monitor polls host disk pressure so the server can refuse new
// transfers and report status before storage actually fills up, following
// internal/agent/monitor.go's periodic-collection shape but narrowed to the
// single signal spec.md §7's health check and the storage admission policy
// both need: free bytes on the storage volume.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/chunktransfer/chunktransfer/internal/protocol"
)

// Stats holds the latest disk-pressure reading.
type Stats struct {
	FreeBytes  uint64
	TotalBytes uint64
	UsedPercent float64
}

// DiskMonitor periodically samples free space on a volume and classifies it
// against a low-disk threshold, the way the teacher's SystemMonitor samples
// CPU/memory/disk/load on a ticker, collect()-ing into a mutex-guarded
// snapshot read by Stats().
type DiskMonitor struct {
	logger    *slog.Logger
	path      string
	threshold int64
	interval  time.Duration

	mu    sync.RWMutex
	stats Stats

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a DiskMonitor watching path, flagging low-disk once free
// space drops below thresholdBytes.
func New(logger *slog.Logger, path string, thresholdBytes int64, interval time.Duration) *DiskMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DiskMonitor{
		logger:    logger.With("component", "disk_monitor"),
		path:      path,
		threshold: thresholdBytes,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Start begins periodic sampling in a background goroutine.
func (m *DiskMonitor) Start() {
	m.collect()
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *DiskMonitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *DiskMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *DiskMonitor) collect() {
	usage, err := disk.Usage(m.path)
	if err != nil {
		m.logger.Warn("disk usage collection failed", "path", m.path, "error", err)
		return
	}

	stats := Stats{
		FreeBytes:   usage.Free,
		TotalBytes:  usage.Total,
		UsedPercent: usage.UsedPercent,
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}

// Stats returns the most recent sample.
func (m *DiskMonitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// LowDisk reports whether the last sample fell below the configured
// threshold.
func (m *DiskMonitor) LowDisk() bool {
	s := m.Stats()
	return m.threshold > 0 && s.FreeBytes < uint64(m.threshold)
}

// HealthStatus maps the current sample to the control-channel health status
// byte (spec.md §7): low-disk takes priority over the plain-ready status.
// Maintenance and busy are never produced here, and the server's PING
// handler reports this value unchanged.
func (m *DiskMonitor) HealthStatus() byte {
	if m.LowDisk() {
		return protocol.HealthStatusLowDisk
	}
	return protocol.HealthStatusReady
}
