// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"strings"
	"testing"
)

func TestManager_PutTracksUsedBytes(t *testing.T) {
	backend, _ := NewFSBackend(t.TempDir())
	m := NewManager(backend, true)

	if err := m.Put("a", strings.NewReader("12345"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := m.UsedBytes(); got != 5 {
		t.Errorf("UsedBytes() = %d, want 5", got)
	}
	if got := m.FileCount(); got != 1 {
		t.Errorf("FileCount() = %d, want 1", got)
	}
}

func TestManager_PutOverwriteAdjustsUsedBytes(t *testing.T) {
	backend, _ := NewFSBackend(t.TempDir())
	m := NewManager(backend, true)

	if err := m.Put("a", strings.NewReader("12345"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put("a", strings.NewReader("123"), 3); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if got := m.UsedBytes(); got != 3 {
		t.Errorf("UsedBytes() = %d, want 3 after overwrite", got)
	}
	if got := m.FileCount(); got != 1 {
		t.Errorf("FileCount() = %d, want 1", got)
	}
}

func TestManager_DeleteAdjustsUsedBytes(t *testing.T) {
	backend, _ := NewFSBackend(t.TempDir())
	m := NewManager(backend, true)

	if err := m.Put("a", strings.NewReader("12345"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := m.UsedBytes(); got != 0 {
		t.Errorf("UsedBytes() = %d, want 0", got)
	}
}

func TestManager_GetUpdatesAccessTrackingWhenEnabled(t *testing.T) {
	backend, _ := NewFSBackend(t.TempDir())
	m := NewManager(backend, true)
	m.Put("a", strings.NewReader("x"), 1)

	rc, err := m.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rc.Close()

	objs := m.Objects()
	if len(objs) != 1 || objs[0].AccessCount != 1 {
		t.Errorf("expected access count 1, got %+v", objs)
	}
}

func TestManager_GetSkipsAccessTrackingWhenDisabled(t *testing.T) {
	backend, _ := NewFSBackend(t.TempDir())
	m := NewManager(backend, false)
	m.Put("a", strings.NewReader("x"), 1)

	rc, err := m.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rc.Close()

	objs := m.Objects()
	if len(objs) != 1 || objs[0].AccessCount != 0 {
		t.Errorf("expected access count 0 when tracking disabled, got %+v", objs)
	}
}
