// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package resume

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCompactionScheduler_RejectsInvalidSchedule(t *testing.T) {
	h, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if _, err := NewCompactionScheduler(h, "not a cron expression", discardLogger()); err == nil {
		t.Error("expected error for invalid cron schedule")
	}
}

func TestCompactionScheduler_RunsCompactionOnSchedule(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	h.Save(sampleState())

	s, err := NewCompactionScheduler(h, "@every 50ms", discardLogger())
	if err != nil {
		t.Fatalf("NewCompactionScheduler: %v", err)
	}
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		size := h.journalSize
		h.mu.Unlock()
		if size <= int64(len(magic))+64 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected scheduled compaction to shrink the journal within the timeout")
}

func TestCompactionScheduler_StopIsIdempotentSafe(t *testing.T) {
	h, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	s, err := NewCompactionScheduler(h, "@every 1h", discardLogger())
	if err != nil {
		t.Fatalf("NewCompactionScheduler: %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
