package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/chasecee/tv.local/internal/frames"
	"github.com/chasecee/tv.local/internal/media"
	"github.com/chasecee/tv.local/internal/retention"
	"github.com/chasecee/tv.local/internal/state"
	"github.com/chasecee/tv.local/internal/storage"
)

const Version = "0.1.0"

// FrameConverter builds a frame store from an uploaded file.
type FrameConverter interface {
	Convert(ctx context.Context, srcPath, id string) (*frames.Store, error)
	IsAvailable() bool
}

// FrameInvalidator drops cached frames for a deleted or replaced store.
type FrameInvalidator interface {
	InvalidateVideo(id string)
}

type Handler struct {
	library   *frames.Library
	catalog   *storage.SQLiteStorage
	state     *state.Store
	converter FrameConverter
	prober    *media.Prober
	retention *retention.Manager
	player    FrameInvalidator
	logger    zerolog.Logger

	uploadsDir     string
	maxUploadBytes int64
	autoPlay       bool
}

func NewHandler(
	library *frames.Library,
	catalog *storage.SQLiteStorage,
	st *state.Store,
	converter FrameConverter,
	prober *media.Prober,
	ret *retention.Manager,
	player FrameInvalidator,
	uploadsDir string,
	maxUploadBytes int64,
	autoPlay bool,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		library:        library,
		catalog:        catalog,
		state:          st,
		converter:      converter,
		prober:         prober,
		retention:      ret,
		player:         player,
		logger:         logger,
		uploadsDir:     uploadsDir,
		maxUploadBytes: maxUploadBytes,
		autoPlay:       autoPlay,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()

	videos, err := h.catalog.ListVideos()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list videos")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list videos")
		return
	}

	resp := StatusResponse{
		CurrentVideo: snap.Current,
		DefaultVideo: snap.Default,
		Processing:   snap.Processing,
		Videos:       videos,
	}

	if usage, err := h.retention.Usage(); err == nil {
		resp.Disk = &DiskResponse{
			Usage:      usage,
			FreeHuman:  humanize.IBytes(usage.FreeBytes),
			TotalHuman: humanize.IBytes(usage.TotalBytes),
		}
	} else {
		h.logger.Warn().Err(err).Msg("disk usage unavailable")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.catalog.ListVideos()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list videos")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list videos")
		return
	}
	writeJSON(w, http.StatusOK, VideoListResponse{Videos: videos})
}

// Upload accepts a single MP4, converts it to a frame store and, per the
// auto-play policy, switches playback to it. Conversion runs synchronously in
// this handler (it never touches the playback goroutine) and is bounded by
// the converter timeout.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Missing file field")
		return
	}
	defer file.Close()

	if header.Size == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Empty file")
		return
	}
	if !media.AllowedUpload(header.Filename) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Only .mp4 uploads are accepted")
		return
	}

	id, err := media.DeriveID(header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Cannot derive a video name from this file")
		return
	}

	if !h.converter.IsAvailable() {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "ffmpeg is not installed")
		return
	}

	srcPath, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.logger.Error().Err(err).Str("file", header.Filename).Msg("failed to save upload")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save upload")
		return
	}

	// Decoded frames take far more space than the source; reserve a
	// rough multiple before converting.
	need := uint64(header.Size) * 4
	if !h.ensureCapacity(r.Context(), need) {
		_ = os.Remove(srcPath)
		writeError(w, http.StatusInsufficientStorage, "INSUFFICIENT_STORAGE", "Not enough space on the frames volume")
		return
	}

	h.state.SetProcessing(true)
	store, err := h.convertWithRetry(r.Context(), srcPath, id, need)
	h.state.SetProcessing(false)

	if err != nil {
		switch {
		case errors.Is(err, media.ErrBusy):
			writeError(w, http.StatusConflict, "CONFLICT", "This video is already being converted")
		case errors.Is(err, retention.ErrCapacity):
			writeError(w, http.StatusInsufficientStorage, "INSUFFICIENT_STORAGE", "Not enough space on the frames volume")
		default:
			h.logger.Error().Err(err).Str("id", id).Msg("conversion failed")
			writeError(w, http.StatusUnprocessableEntity, "CONVERSION_FAILED", "Could not convert this video")
		}
		return
	}

	video := h.recordVideo(r.Context(), store, header.Filename, srcPath)
	h.player.InvalidateVideo(id)

	playing := false
	if h.autoPlay {
		if err := h.state.SetCurrent(id); err != nil {
			h.logger.Warn().Err(err).Str("id", id).Msg("failed to auto-play upload")
		} else {
			playing = true
		}
	}

	writeJSON(w, http.StatusCreated, UploadResponse{Video: *video, Playing: playing})
}

func (h *Handler) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(h.uploadsDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(h.uploadsDir, filepath.Base(filename))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, nil
}

func (h *Handler) ensureCapacity(ctx context.Context, need uint64) bool {
	deleted, err := h.retention.EnsureCapacity(ctx, need)
	for _, id := range deleted {
		h.player.InvalidateVideo(id)
	}
	if err != nil {
		h.logger.Warn().Err(err).Msg("capacity check failed")
		return !errors.Is(err, retention.ErrCapacity)
	}
	return true
}

// convertWithRetry retries a failed conversion once if retention was able to
// free more space, covering the disk-full-mid-conversion case.
func (h *Handler) convertWithRetry(ctx context.Context, srcPath, id string, need uint64) (*frames.Store, error) {
	store, err := h.converter.Convert(ctx, srcPath, id)
	if err == nil || !errors.Is(err, media.ErrConversionFailed) {
		return store, err
	}

	deleted, retErr := h.retention.EnsureCapacity(ctx, need)
	for _, victim := range deleted {
		h.player.InvalidateVideo(victim)
	}
	if retErr != nil || len(deleted) == 0 {
		return nil, err
	}

	h.logger.Info().Str("id", id).Msg("retrying conversion after reclaiming space")
	return h.converter.Convert(ctx, srcPath, id)
}

func (h *Handler) recordVideo(ctx context.Context, store *frames.Store, title, srcPath string) *storage.Video {
	video := &storage.Video{
		ID:         store.ID,
		Title:      title,
		FrameCount: store.FrameCount,
		SizeBytes:  store.SizeBytes,
		CreatedAt:  time.Now(),
	}

	if h.prober != nil && h.prober.IsAvailable() {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if info, err := h.prober.Probe(probeCtx, srcPath); err == nil {
			video.Duration = &info.Duration
			video.Width = &info.Width
			video.Height = &info.Height
			if info.VideoCodec != "" {
				codec := info.VideoCodec
				video.VideoCodec = &codec
			}
		}
	}

	if err := h.catalog.UpsertVideo(video); err != nil {
		h.logger.Error().Err(err).Str("id", video.ID).Msg("failed to record video in catalog")
	}
	return video
}

// Play switches playback to the named video. The loop picks it up within one
// tick.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.state.SetCurrent(id); err != nil {
		h.respondStateError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "playing", ID: id})
}

func (h *Handler) SetDefault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.state.SetDefault(id); err != nil {
		h.respondStateError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "default", ID: id})
}

// Delete removes a video's frame store, catalog record, source upload and
// any playback selection pointing at it.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	video, err := h.catalog.GetVideo(id)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("failed to look up video")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to look up video")
		return
	}
	if video == nil {
		writeError(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "Video not found")
		return
	}

	if err := h.library.Delete(id); err != nil && !errors.Is(err, frames.ErrNotFound) {
		h.logger.Error().Err(err).Str("id", id).Msg("failed to delete frame store")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete video")
		return
	}
	if err := h.catalog.DeleteVideo(id); err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("failed to delete catalog record")
	}
	if err := h.state.ClearVideo(id); err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("failed to clear playback selection")
	}
	h.player.InvalidateVideo(id)

	// The source upload goes too; keeping it without a store would only
	// confuse the picker.
	if video.Title != "" {
		_ = os.Remove(filepath.Join(h.uploadsDir, filepath.Base(video.Title)))
	}

	writeJSON(w, http.StatusOK, ActionResponse{Status: "deleted", ID: id})
}

// Preview serves the first frame of a store as PNG.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.library.Exists(id) {
		writeError(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "Video not found")
		return
	}

	f, err := os.Open(h.library.FramePath(id, 1))
	if err != nil {
		writeError(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "Video not found")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read preview")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=60")
	http.ServeContent(w, r, "preview.png", stat.ModTime(), f)
}

func (h *Handler) respondStateError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "Video not found")
		return
	}
	h.logger.Error().Err(err).Str("id", id).Msg("playback state update failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update playback state")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
