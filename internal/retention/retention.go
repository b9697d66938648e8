// Package retention keeps free space on the frames volume above a threshold
// by deleting the least-recently-played stores.
package retention

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/chasecee/tv.local/internal/frames"
	"github.com/chasecee/tv.local/internal/state"
	"github.com/chasecee/tv.local/internal/storage"
)

var ErrCapacity = errors.New("insufficient storage")

// Usage is the disk usage of the frames volume.
type Usage struct {
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreePercent float64 `json:"free_percent"`
}

// StatfsFunc measures a volume. Swappable for tests.
type StatfsFunc func(path string) (free, total uint64, err error)

func statfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

type Manager struct {
	library *frames.Library
	catalog *storage.SQLiteStorage
	state   *state.Store
	minFree uint64
	logger  zerolog.Logger
	statfs  StatfsFunc
}

func NewManager(library *frames.Library, catalog *storage.SQLiteStorage, st *state.Store, minFree uint64, logger zerolog.Logger) *Manager {
	return &Manager{
		library: library,
		catalog: catalog,
		state:   st,
		minFree: minFree,
		logger:  logger,
		statfs:  statfs,
	}
}

// SetStatfs overrides the volume measurement. Tests only.
func (m *Manager) SetStatfs(fn StatfsFunc) { m.statfs = fn }

func (m *Manager) Usage() (Usage, error) {
	free, total, err := m.statfs(m.library.Root())
	if err != nil {
		return Usage{}, err
	}
	u := Usage{FreeBytes: free, TotalBytes: total}
	if total > 0 {
		u.FreePercent = float64(free) / float64(total) * 100
	}
	return u, nil
}

// EnsureCapacity deletes least-recently-played stores, one at a time, until
// free space covers the threshold plus need. The current and default videos
// are never deleted. Returns the deleted identifiers; if space is still
// short once candidates run out, ErrCapacity.
func (m *Manager) EnsureCapacity(ctx context.Context, need uint64) ([]string, error) {
	var deleted []string

	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		free, _, err := m.statfs(m.library.Root())
		if err != nil {
			return deleted, err
		}
		if free >= m.minFree+need {
			return deleted, nil
		}

		victim, err := m.nextVictim()
		if err != nil {
			return deleted, err
		}
		if victim == "" {
			m.logger.Warn().
				Uint64("free", free).
				Uint64("required", m.minFree+need).
				Msg("no eligible store to reclaim")
			return deleted, ErrCapacity
		}

		m.logger.Info().Str("id", victim).Msg("reclaiming space, deleting store")
		if err := m.library.Delete(victim); err != nil && !errors.Is(err, frames.ErrNotFound) {
			return deleted, err
		}
		if err := m.catalog.DeleteVideo(victim); err != nil {
			return deleted, err
		}
		deleted = append(deleted, victim)
	}
}

func (m *Manager) nextVictim() (string, error) {
	exclude := []string{}
	if cur := m.state.Current(); cur != "" {
		exclude = append(exclude, cur)
	}
	if def := m.state.Default(); def != "" {
		exclude = append(exclude, def)
	}

	candidates, err := m.catalog.LeastRecentlyPlayed(exclude)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[0].ID, nil
}
