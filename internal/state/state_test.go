package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chasecee/tv.local/internal/storage"
)

func newTestDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "tv.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addVideo(t *testing.T, db *storage.SQLiteStorage, id string) {
	t.Helper()
	err := db.UpsertVideo(&storage.Video{
		ID:         id,
		Title:      id + ".mp4",
		FrameCount: 5,
		SizeBytes:  100,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestStore(t *testing.T, db *storage.SQLiteStorage) *Store {
	t.Helper()
	s, err := Load(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

func TestSetCurrentUnknownVideo(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db)

	if err := s.SetCurrent("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetCurrent(ghost) = %v, want ErrNotFound", err)
	}
	if s.Current() != "" {
		t.Error("failed SetCurrent changed state")
	}
}

func TestSetCurrentAndDefault(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "clip")
	s := newTestStore(t, db)

	gen := s.Snapshot().Generation

	if err := s.SetCurrent("clip"); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	if s.Current() != "clip" {
		t.Errorf("Current = %q", s.Current())
	}
	if s.Snapshot().Generation == gen {
		t.Error("generation did not advance on SetCurrent")
	}

	if err := s.SetDefault("clip"); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	if s.Default() != "clip" {
		t.Errorf("Default = %q", s.Default())
	}

	// SetCurrent marks the video as played.
	v, err := db.GetVideo("clip")
	if err != nil || v == nil {
		t.Fatal(err)
	}
	if v.LastPlayedAt == nil {
		t.Error("SetCurrent did not record play time")
	}
}

func TestSetDefaultIdempotent(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "clip")
	s := newTestStore(t, db)

	if err := s.SetDefault("clip"); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()
	if err := s.SetDefault("clip"); err != nil {
		t.Fatal(err)
	}
	after := s.Snapshot()

	if after.Default != before.Default || after.Current != before.Current {
		t.Errorf("repeated SetDefault changed selection: %+v vs %+v", before, after)
	}
}

func TestSetDefaultDoesNotTouchCurrent(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "a")
	addVideo(t, db, "b")
	s := newTestStore(t, db)

	if err := s.SetCurrent("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefault("b"); err != nil {
		t.Fatal(err)
	}
	if s.Current() != "a" {
		t.Errorf("SetDefault changed current to %q", s.Current())
	}
}

func TestClearVideo(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "clip")
	s := newTestStore(t, db)

	if err := s.SetCurrent("clip"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefault("clip"); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearVideo("clip"); err != nil {
		t.Fatalf("ClearVideo failed: %v", err)
	}
	if s.Current() != "" || s.Default() != "" {
		t.Errorf("after ClearVideo: current=%q default=%q", s.Current(), s.Default())
	}
}

func TestClearVideoLeavesOthersAlone(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "a")
	addVideo(t, db, "b")
	s := newTestStore(t, db)

	if err := s.SetCurrent("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearVideo("b"); err != nil {
		t.Fatal(err)
	}
	if s.Current() != "a" {
		t.Errorf("ClearVideo of unrelated id changed current to %q", s.Current())
	}
}

func TestOnBoot(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "a")
	addVideo(t, db, "b")
	s := newTestStore(t, db)

	if err := s.SetCurrent("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefault("b"); err != nil {
		t.Fatal(err)
	}

	if err := s.OnBoot(); err != nil {
		t.Fatalf("OnBoot failed: %v", err)
	}
	if s.Current() != "b" {
		t.Errorf("after OnBoot current = %q, want b", s.Current())
	}

	// With no default, boot clears the current selection.
	if err := s.ClearVideo("b"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrent("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.OnBoot(); err != nil {
		t.Fatal(err)
	}
	if s.Current() != "" {
		t.Errorf("after OnBoot without default current = %q, want empty", s.Current())
	}
}

func TestPersistenceAcrossLoad(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "clip")
	s := newTestStore(t, db)

	if err := s.SetCurrent("clip"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefault("clip"); err != nil {
		t.Fatal(err)
	}

	reloaded := newTestStore(t, db)
	if reloaded.Current() != "clip" || reloaded.Default() != "clip" {
		t.Errorf("reloaded state: current=%q default=%q", reloaded.Current(), reloaded.Default())
	}
}

func TestLoadHealsDanglingSelection(t *testing.T) {
	db := newTestDB(t)
	addVideo(t, db, "clip")
	s := newTestStore(t, db)

	if err := s.SetCurrent("clip"); err != nil {
		t.Fatal(err)
	}

	// Simulate the store vanishing out from under the catalog.
	if err := db.DeleteVideo("clip"); err != nil {
		t.Fatal(err)
	}

	reloaded := newTestStore(t, db)
	if reloaded.Current() != "" {
		t.Errorf("dangling selection survived reload: %q", reloaded.Current())
	}
}

func TestProcessingBumpsGeneration(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db)

	gen := s.Snapshot().Generation
	s.SetProcessing(true)
	snap := s.Snapshot()
	if !snap.Processing || snap.Generation == gen {
		t.Errorf("SetProcessing(true): %+v", snap)
	}

	// Re-setting the same value must not bump the generation.
	gen = snap.Generation
	s.SetProcessing(true)
	if s.Snapshot().Generation != gen {
		t.Error("redundant SetProcessing advanced generation")
	}

	s.SetProcessing(false)
	if s.Snapshot().Processing {
		t.Error("Processing still set")
	}
}
