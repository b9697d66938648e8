// Package media turns uploaded videos into frame stores using the external
// ffmpeg pipeline, and probes source metadata with ffprobe.
package media

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chasecee/tv.local/internal/frames"
)

var (
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrConversionFailed = errors.New("conversion failed")
	ErrBusy             = errors.New("conversion already in progress for this video")
)

// AllowedUpload reports whether filename has an accepted extension.
// Only MP4 is accepted; everything else is rejected before ffmpeg runs.
func AllowedUpload(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".mp4")
}

// DeriveID maps an uploaded file's base name to a filesystem-safe video
// identifier. Unsafe characters become dashes. Re-uploading a file with the
// same name yields the same identifier, which overwrites the previous store.
func DeriveID(filename string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}

	id := strings.Trim(b.String(), "-")
	if !frames.ValidID(id) {
		return "", fmt.Errorf("%w: cannot derive an identifier from %q", ErrUnsupportedType, filename)
	}
	return id, nil
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Converter builds frame stores from source videos. Conversions are
// serialized globally: one ffmpeg process at a time is all a Pi-class board
// can afford without starving the playback loop.
type Converter struct {
	ffmpegPath string
	library    *frames.Library
	width      int
	height     int
	fps        int
	timeout    time.Duration
	logger     zerolog.Logger

	run runFunc

	gate     sync.Mutex
	inflight map[string]bool
	statusMu sync.Mutex
}

func NewConverter(ffmpegPath string, library *frames.Library, width, height, fps int, timeout time.Duration, logger zerolog.Logger) *Converter {
	if path, err := exec.LookPath(ffmpegPath); err == nil {
		ffmpegPath = path
	}

	return &Converter{
		ffmpegPath: ffmpegPath,
		library:    library,
		width:      width,
		height:     height,
		fps:        fps,
		timeout:    timeout,
		logger:     logger,
		run:        runCommand,
		inflight:   make(map[string]bool),
	}
}

func (c *Converter) IsAvailable() bool {
	_, err := exec.LookPath(c.ffmpegPath)
	return err == nil
}

// Convert decodes srcPath into a staged frame sequence and publishes it as
// the store for id. On any failure the staging directory is discarded and no
// store becomes visible. A second Convert for the same id while one is
// running returns ErrBusy.
func (c *Converter) Convert(ctx context.Context, srcPath, id string) (*frames.Store, error) {
	if !frames.ValidID(id) {
		return nil, fmt.Errorf("%w: invalid video id %q", ErrUnsupportedType, id)
	}

	c.statusMu.Lock()
	if c.inflight[id] {
		c.statusMu.Unlock()
		return nil, ErrBusy
	}
	c.inflight[id] = true
	c.statusMu.Unlock()

	defer func() {
		c.statusMu.Lock()
		delete(c.inflight, id)
		c.statusMu.Unlock()
	}()

	c.gate.Lock()
	defer c.gate.Unlock()

	staging, err := c.library.NewStaging()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := c.buildArgs(srcPath, staging)
	c.logger.Info().
		Str("id", id).
		Str("src", srcPath).
		Strs("args", args).
		Msg("starting conversion")

	start := time.Now()
	output, err := c.run(ctx, c.ffmpegPath, args...)
	if err != nil {
		_ = c.library.DiscardStaging(staging)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: timed out after %s", ErrConversionFailed, c.timeout)
		}
		c.logger.Error().
			Err(err).
			Str("id", id).
			Str("output", tail(output, 2048)).
			Msg("ffmpeg failed")
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	if err := c.library.Publish(staging, id); err != nil {
		_ = c.library.DiscardStaging(staging)
		if errors.Is(err, frames.ErrNoFrames) {
			return nil, fmt.Errorf("%w: ffmpeg produced no frames", ErrConversionFailed)
		}
		return nil, err
	}

	store, err := c.library.Get(id)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("id", id).
		Int("frames", store.FrameCount).
		Int64("bytes", store.SizeBytes).
		Dur("took", time.Since(start)).
		Msg("conversion finished")

	return store, nil
}

// buildArgs assembles the decode+scale+resample pipeline: frames are scaled
// into the panel size with letterbox padding and resampled to the playback
// rate, emitted as zero-padded PNGs whose lexicographic order is the
// playback order.
func (c *Converter) buildArgs(srcPath, staging string) []string {
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		c.width, c.height, c.width, c.height,
	)
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", srcPath,
		"-vf", vf,
		"-r", fmt.Sprintf("%d", c.fps),
		filepath.Join(staging, frames.FramePattern()),
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
