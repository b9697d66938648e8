// Package player runs the playback loop: one goroutine that streams the
// current video's frames to the display at a fixed rate, looping until the
// process stops. It is the sole writer to the display.
package player

import (
	"context"
	"image"
	"image/draw"
	"image/png"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"

	"github.com/chasecee/tv.local/internal/cache"
	"github.com/chasecee/tv.local/internal/display"
	"github.com/chasecee/tv.local/internal/frames"
	"github.com/chasecee/tv.local/internal/state"
)

const cacheCapacity = 4096

type Player struct {
	library *frames.Library
	state   *state.Store
	disp    display.Display
	cache   *cache.FrameCache
	fps     int
	logger  zerolog.Logger

	// screen currently shown when not playing, to avoid re-pushing the
	// same status card every tick
	shownStatus string
}

func New(library *frames.Library, st *state.Store, disp display.Display, fps int, cacheMaxSize int64, logger zerolog.Logger) *Player {
	if fps <= 0 {
		fps = 15
	}
	return &Player{
		library: library,
		state:   st,
		disp:    disp,
		cache:   cache.NewFrameCache(cacheCapacity, cacheMaxSize),
		fps:     fps,
		logger:  logger,
	}
}

// InvalidateVideo drops cached frames for a deleted or replaced store.
func (p *Player) InvalidateVideo(id string) {
	p.cache.InvalidatePrefix(id + "/")
}

// Run drives the display until ctx is cancelled, then blanks it. Cadence is
// kept with an absolute next-deadline schedule: a slow render skips its wait
// instead of sleeping a negative duration, and late ticks are not compensated
// by skipping frames - on a short loop, momentary slowdown beats judder.
func (p *Player) Run(ctx context.Context) {
	interval := time.Second / time.Duration(p.fps)
	p.logger.Info().Int("fps", p.fps).Dur("interval", interval).Msg("playback loop started")

	var (
		current    string
		frameIndex int
		frameCount int
		generation uint64
		synced     bool
	)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	next := time.Now()
	for {
		snap := p.state.Snapshot()

		if !synced || snap.Generation != generation {
			generation = snap.Generation
			synced = true

			if snap.Current != current {
				current = snap.Current
				frameIndex = 1
				frameCount = 0
			}
			if current != "" {
				n, err := p.library.FrameCount(current)
				if err != nil || n == 0 {
					// Store missing or empty: degrade to idle, retry
					// next state change.
					frameCount = 0
				} else {
					if n != frameCount {
						frameIndex = 1
					}
					frameCount = n
				}
			}
		}

		switch {
		case snap.Processing:
			p.showStatus("Processing...")
		case current == "" || frameCount == 0:
			p.showStatus("No video")
		default:
			p.renderFrame(current, frameIndex)
			frameIndex++
			if frameIndex > frameCount {
				frameIndex = 1
			}
			p.shownStatus = ""
		}

		next = next.Add(interval)
		wait := time.Until(next)
		if wait <= 0 {
			// Missed the deadline; realign instead of accumulating lag.
			next = time.Now()
			select {
			case <-ctx.Done():
				p.shutdown()
				return
			default:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			p.shutdown()
			return
		case <-timer.C:
		}
	}
}

func (p *Player) renderFrame(id string, n int) {
	img, err := p.loadFrame(id, n)
	if err != nil {
		// Concurrent deletion mid-read. Drop to idle for this tick; the
		// next generation change (or a republished store) recovers.
		p.logger.Warn().Err(err).Str("id", id).Int("frame", n).Msg("frame load failed")
		p.cache.InvalidatePrefix(id + "/")
		p.showStatus("No video")
		return
	}

	if err := p.disp.Push(img); err != nil {
		// Display hiccup: log and carry on to the next tick.
		p.logger.Error().Err(err).Msg("display push failed")
	}
}

func (p *Player) loadFrame(id string, n int) (image.Image, error) {
	key := id + "/" + strconv.Itoa(n)
	if img, ok := p.cache.Get(key); ok {
		return img, nil
	}

	f, err := os.Open(p.library.FramePath(id, n))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoded, err := png.Decode(f)
	if err != nil {
		return nil, err
	}

	img := p.fitToPanel(decoded)
	p.cache.Set(key, img)
	return img, nil
}

// fitToPanel returns an RGBA frame matching the panel size. Frames converted
// by our own pipeline already match and only need the RGBA conversion;
// anything else (a store built for a different panel) is letterboxed in.
func (p *Player) fitToPanel(src image.Image) *image.RGBA {
	bounds := p.disp.Bounds()

	if src.Bounds().Size() == bounds.Size() {
		if rgba, ok := src.(*image.RGBA); ok {
			return rgba
		}
		rgba := image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, src, src.Bounds().Min, draw.Src)
		return rgba
	}

	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, image.Black, image.Point{}, draw.Src)

	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	scale := float64(bounds.Dx()) / float64(sw)
	if s := float64(bounds.Dy()) / float64(sh); s < scale {
		scale = s
	}
	w := int(float64(sw) * scale)
	h := int(float64(sh) * scale)
	x := bounds.Min.X + (bounds.Dx()-w)/2
	y := bounds.Min.Y + (bounds.Dy()-h)/2

	xdraw.ApproxBiLinear.Scale(dst, image.Rect(x, y, x+w, y+h), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func (p *Player) showStatus(message string) {
	if p.shownStatus == message {
		return
	}
	if err := p.disp.Push(display.StatusImage(p.disp.Bounds(), message)); err != nil {
		p.logger.Error().Err(err).Msg("display push failed")
		return
	}
	p.shownStatus = message
}

func (p *Player) shutdown() {
	blank := image.NewRGBA(p.disp.Bounds())
	draw.Draw(blank, blank.Bounds(), image.Black, image.Point{}, draw.Src)
	if err := p.disp.Push(blank); err != nil {
		p.logger.Warn().Err(err).Msg("failed to blank display on shutdown")
	}
	p.logger.Info().Msg("playback loop stopped")
}
