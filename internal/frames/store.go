// Package frames manages the on-disk frame stores: one directory per video
// holding its pre-scaled frames in playback order.
package frames

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("video not found")
	ErrNoFrames = errors.New("no frames produced")
)

const (
	framePrefix = "frame_"
	frameExt    = ".png"

	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// Store describes one fully materialized frame store.
type Store struct {
	ID         string
	FrameCount int
	SizeBytes  int64
	CreatedAt  time.Time
}

// Library is the frame store root. Stores are published into it atomically
// and hidden (dot-prefixed) directories are never visible to readers, so a
// store is either absent or complete.
type Library struct {
	root string
}

func NewLibrary(root string) (*Library, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Library{root: root}, nil
}

func (l *Library) Root() string { return l.root }

// ValidID reports whether id is safe to use as a store directory name.
func ValidID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

// FrameName returns the file name of frame n (1-based). Names are fixed-width
// and zero-padded so lexicographic order equals playback order.
func FrameName(n int) string {
	return fmt.Sprintf("%s%05d%s", framePrefix, n, frameExt)
}

// FramePattern is the ffmpeg output pattern matching FrameName numbering.
func FramePattern() string {
	return framePrefix + "%05d" + frameExt
}

func (l *Library) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	info, err := os.Stat(filepath.Join(l.root, id))
	return err == nil && info.IsDir()
}

// FramePath returns the path of frame n (1-based) of the given store. The
// file is not guaranteed to exist; callers handle a failed open as a missing
// store.
func (l *Library) FramePath(id string, n int) string {
	return filepath.Join(l.root, id, FrameName(n))
}

// FrameCount counts the frames of a store. Returns ErrNotFound if the store
// directory is absent.
func (l *Library) FrameCount(id string) (int, error) {
	if !ValidID(id) {
		return 0, ErrNotFound
	}
	entries, err := os.ReadDir(filepath.Join(l.root, id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return countFrames(entries), nil
}

func countFrames(entries []os.DirEntry) int {
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), framePrefix) && strings.HasSuffix(e.Name(), frameExt) {
			n++
		}
	}
	return n
}

// Get returns metadata for one store.
func (l *Library) Get(id string) (*Store, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	dir := filepath.Join(l.root, id)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotFound
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	st := &Store{
		ID:         id,
		FrameCount: countFrames(entries),
		CreatedAt:  info.ModTime(),
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil {
			st.SizeBytes += fi.Size()
		}
	}
	return st, nil
}

// List returns all published stores, sorted by ID. Staging and trash
// directories are invisible.
func (l *Library) List() ([]Store, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}

	var stores []Store
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		st, err := l.Get(e.Name())
		if err != nil {
			continue
		}
		stores = append(stores, *st)
	}

	sort.Slice(stores, func(i, j int) bool { return stores[i].ID < stores[j].ID })
	return stores, nil
}

// NewStaging creates a uniquely named staging directory on the same volume as
// the published stores, so Publish can use a plain rename.
func (l *Library) NewStaging() (string, error) {
	dir := filepath.Join(l.root, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// DiscardStaging removes a staging directory and everything in it.
func (l *Library) DiscardStaging(staging string) error {
	base := filepath.Base(staging)
	if !strings.HasPrefix(base, stagingPrefix) {
		return fmt.Errorf("not a staging directory: %s", staging)
	}
	return os.RemoveAll(staging)
}

// Publish makes a staged conversion visible as the store for id with a single
// directory rename. If a store for id already exists it is swapped out: the
// old directory is first renamed into a hidden trash name, then the staging
// directory takes its place, then the trash is removed. A reader therefore
// sees the old complete store, no store, or the new complete store - never a
// partial one.
func (l *Library) Publish(staging, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid video id %q", id)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	if countFrames(entries) == 0 {
		return ErrNoFrames
	}

	target := filepath.Join(l.root, id)
	trash := ""
	if _, err := os.Stat(target); err == nil {
		trash = filepath.Join(l.root, trashPrefix+uuid.NewString())
		if err := os.Rename(target, trash); err != nil {
			return fmt.Errorf("retire old store: %w", err)
		}
	}

	if err := os.Rename(staging, target); err != nil {
		// Try to restore the retired store rather than losing it.
		if trash != "" {
			_ = os.Rename(trash, target)
		}
		return fmt.Errorf("publish store: %w", err)
	}

	if trash != "" {
		_ = os.RemoveAll(trash)
	}
	return nil
}

// Delete removes a published store.
func (l *Library) Delete(id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	target := filepath.Join(l.root, id)
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return os.RemoveAll(target)
}

// SweepStaging removes leftover staging and trash directories from
// interrupted runs. Called once at boot before the library is used.
func (l *Library) SweepStaging() (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, trashPrefix) {
			if err := os.RemoveAll(filepath.Join(l.root, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
