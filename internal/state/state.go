// Package state holds the playback selection: which video is current and
// which is the boot default. Reads are in-memory and cheap enough for the
// playback loop to poll every tick; mutations write through to sqlite so a
// reboot resumes the default selection.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chasecee/tv.local/internal/storage"
)

var ErrNotFound = errors.New("video not found")

// Snapshot is a consistent view of the playback selection.
type Snapshot struct {
	Current    string // "" when nothing is selected
	Default    string
	Processing bool
	Generation uint64
}

type Store struct {
	mu         sync.RWMutex
	current    string
	def        string
	processing bool
	generation uint64

	db     *storage.SQLiteStorage
	logger zerolog.Logger
}

// Load restores the persisted selection. A persisted identifier whose catalog
// entry disappeared is treated as unset rather than an error.
func Load(db *storage.SQLiteStorage, logger zerolog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}

	var err error
	s.current, err = s.loadValidated(storage.SettingCurrentVideo)
	if err != nil {
		return nil, err
	}
	s.def, err = s.loadValidated(storage.SettingDefaultVideo)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadValidated(key string) (string, error) {
	id, ok, err := s.db.GetSetting(key)
	if err != nil {
		return "", err
	}
	if !ok || id == "" {
		return "", nil
	}

	v, err := s.db.GetVideo(id)
	if err != nil {
		return "", err
	}
	if v == nil {
		s.logger.Warn().Str("key", key).Str("id", id).Msg("persisted selection references missing video, clearing")
		_ = s.db.DeleteSetting(key)
		return "", nil
	}
	return id, nil
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Current:    s.current,
		Default:    s.def,
		Processing: s.processing,
		Generation: s.generation,
	}
}

func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// SetCurrent switches playback to id. The playback loop observes the change
// within one tick.
func (s *Store) SetCurrent(id string) error {
	if err := s.requireVideo(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.SetSetting(storage.SettingCurrentVideo, id); err != nil {
		return err
	}
	if err := s.db.TouchVideo(id, time.Now()); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("failed to record play time")
	}
	s.current = id
	s.generation++
	return nil
}

// SetDefault marks id as the video played after boot. Does not affect the
// current selection.
func (s *Store) SetDefault(id string) error {
	if err := s.requireVideo(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.SetSetting(storage.SettingDefaultVideo, id); err != nil {
		return err
	}
	s.def = id
	s.generation++
	return nil
}

// ClearVideo removes id from the selection after its store was deleted. The
// loop goes idle within a tick if id was playing.
func (s *Store) ClearVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == id {
		if err := s.db.DeleteSetting(storage.SettingCurrentVideo); err != nil {
			return err
		}
		s.current = ""
	}
	if s.def == id {
		if err := s.db.DeleteSetting(storage.SettingDefaultVideo); err != nil {
			return err
		}
		s.def = ""
	}
	s.generation++
	return nil
}

// OnBoot resets the current selection to the default. Called once at startup
// before the playback loop runs.
func (s *Store) OnBoot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.def == "" {
		if err := s.db.DeleteSetting(storage.SettingCurrentVideo); err != nil {
			return err
		}
		s.current = ""
	} else {
		if err := s.db.SetSetting(storage.SettingCurrentVideo, s.def); err != nil {
			return err
		}
		s.current = s.def
	}
	s.generation++
	return nil
}

// SetProcessing flags an in-flight conversion so the playback loop can show
// a status screen instead of frames.
func (s *Store) SetProcessing(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing != active {
		s.processing = active
		s.generation++
	}
}

func (s *Store) requireVideo(id string) error {
	v, err := s.db.GetVideo(id)
	if err != nil {
		return err
	}
	if v == nil {
		return ErrNotFound
	}
	return nil
}
