package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracklab/projectsync/internal/resource"
)

func testMeta(id string, version int64) resource.Metadata {
	return resource.Metadata{
		ResourceID:   id,
		ResourceType: resource.TypeProject,
		LastModified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Version:      version,
		SyncedAt:     time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

// --- Save / Load round trip ---

func TestSaveAndReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 3, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(testMeta("p1", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(testMeta("p2", 4)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A fresh store over the same directory sees the persisted set.
	s2, err := Open(dir, 3, false, nil)
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	if got := len(s2.All()); got != 2 {
		t.Fatalf("reopened store has %d entries, want 2", got)
	}
	m, ok := s2.Get(resource.TypeProject, "p2")
	if !ok {
		t.Fatal("p2 missing after reopen")
	}
	if m.Version != 4 {
		t.Errorf("p2 version = %d, want 4", m.Version)
	}
}

func TestSaveAndReopen_Compressed(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 1, true, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(testMeta("p1", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, FileName+".gz")); err != nil {
		t.Fatalf("compressed metadata file not written: %v", err)
	}

	s2, err := Open(dir, 1, true, nil)
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	if _, ok := s2.Get(resource.TypeProject, "p1"); !ok {
		t.Error("entry missing after compressed reopen")
	}
}

// --- Version monotonicity ---

func TestSave_RejectsVersionRegression(t *testing.T) {
	s, err := Open(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(testMeta("p1", 5)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	err = s.Save(testMeta("p1", 3))
	if !errors.Is(err, ErrVersionRegression) {
		t.Fatalf("Save with lower version: err = %v, want ErrVersionRegression", err)
	}

	m, _ := s.Get(resource.TypeProject, "p1")
	if m.Version != 5 {
		t.Errorf("stored version = %d, want 5 (unchanged)", m.Version)
	}
}

func TestSaveAll_SkipsRegressionsWithoutFailing(t *testing.T) {
	s, err := Open(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(testMeta("p1", 5)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.SaveAll([]resource.Metadata{testMeta("p1", 2), testMeta("p2", 1)}); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}
	if m, _ := s.Get(resource.TypeProject, "p1"); m.Version != 5 {
		t.Errorf("p1 version = %d, want 5", m.Version)
	}
	if _, ok := s.Get(resource.TypeProject, "p2"); !ok {
		t.Error("p2 not saved by SaveAll")
	}
}

// --- Corruption recovery ---

func TestOpen_FallsBackToBackup(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 3, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	// Two saves: the first good document rotates into .bak.1 on the second.
	if err := s.Save(testMeta("p1", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(testMeta("p2", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Corrupt the primary file.
	primary := filepath.Join(dir, FileName)
	if err := os.WriteFile(primary, []byte("{ not json"), 0o644); err != nil {
		t.Fatalf("corrupting primary: %v", err)
	}

	s2, err := Open(dir, 3, false, nil)
	if err != nil {
		t.Fatalf("Open after corruption failed: %v", err)
	}
	// The backup holds the state before the second save: just p1.
	if _, ok := s2.Get(resource.TypeProject, "p1"); !ok {
		t.Error("backup fallback lost p1")
	}
}

func TestOpen_AllInvalidStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, FileName)
	if err := os.WriteFile(primary, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if err := os.WriteFile(primary+".bak.1", []byte("also garbage"), 0o644); err != nil {
		t.Fatalf("writing garbage backup: %v", err)
	}

	s, err := Open(dir, 3, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := len(s.All()); got != 0 {
		t.Errorf("store has %d entries, want 0 (empty start)", got)
	}
}

// --- Durability atomicity ---

func TestInterruptedWrite_LeavesLastCompleteDocument(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 0, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(testMeta("p1", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Simulate a crash between write-temp and rename: a half-written temp
	// file is lying around, but the target still holds the last full write.
	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, []byte(`{"version":1,"entries":[{"resource_`), 0o644); err != nil {
		t.Fatalf("writing partial temp: %v", err)
	}

	s2, err := Open(dir, 0, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s2.Get(resource.TypeProject, "p1"); !ok {
		t.Error("last completed write not visible after simulated crash")
	}
}

// --- Backup cap ---

func TestBackupRotation_Bounded(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 2, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 1; i <= 6; i++ {
		if err := s.Save(testMeta("p1", int64(i))); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	primary := filepath.Join(dir, FileName)
	for _, path := range []string{primary, primary + ".bak.1", primary + ".bak.2"} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected file %s: %v", path, err)
		}
	}
	if _, err := os.Stat(primary + ".bak.3"); !os.IsNotExist(err) {
		t.Error("backup rotation exceeded the configured bound")
	}
}

// --- Stats ---

func TestStats(t *testing.T) {
	s, err := Open(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Save(testMeta("p1", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stats := s.Stats()
	if stats.Entries != 1 {
		t.Errorf("Stats.Entries = %d, want 1", stats.Entries)
	}
	if stats.SizeBytes == 0 {
		t.Error("Stats.SizeBytes = 0, want > 0")
	}
	if stats.LastWrite.IsZero() {
		t.Error("Stats.LastWrite is zero after a save")
	}
}
