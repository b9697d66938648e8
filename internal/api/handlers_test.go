package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/chasecee/tv.local/internal/frames"
	"github.com/chasecee/tv.local/internal/media"
	"github.com/chasecee/tv.local/internal/retention"
	"github.com/chasecee/tv.local/internal/state"
	"github.com/chasecee/tv.local/internal/storage"
)

type fakeConverter struct {
	library    *frames.Library
	frameCount int
	err        error
	calls      int
}

func (f *fakeConverter) IsAvailable() bool { return true }

func (f *fakeConverter) Convert(ctx context.Context, srcPath, id string) (*frames.Store, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	staging, err := f.library.NewStaging()
	if err != nil {
		return nil, err
	}
	for i := 1; i <= f.frameCount; i++ {
		if err := os.WriteFile(filepath.Join(staging, frames.FrameName(i)), []byte("png"), 0o644); err != nil {
			return nil, err
		}
	}
	if err := f.library.Publish(staging, id); err != nil {
		return nil, err
	}
	return f.library.Get(id)
}

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) InvalidateVideo(id string) {
	f.invalidated = append(f.invalidated, id)
}

type apiFixture struct {
	library     *frames.Library
	catalog     *storage.SQLiteStorage
	state       *state.Store
	converter   *fakeConverter
	invalidator *fakeInvalidator
	manager     *retention.Manager
	uploadsDir  string
	router      *chi.Mux
}

func newAPIFixture(t *testing.T, autoPlay bool) *apiFixture {
	t.Helper()

	lib, err := frames.NewLibrary(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "tv.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })

	st, err := state.Load(catalog, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	manager := retention.NewManager(lib, catalog, st, 0, zerolog.Nop())
	manager.SetStatfs(func(path string) (uint64, uint64, error) {
		return 1 << 40, 1 << 41, nil
	})

	converter := &fakeConverter{library: lib, frameCount: 4}
	invalidator := &fakeInvalidator{}
	uploadsDir := t.TempDir()

	h := NewHandler(
		lib, catalog, st,
		converter, nil, manager, invalidator,
		uploadsDir, 64<<20, autoPlay,
		zerolog.Nop(),
	)

	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Get("/videos", h.ListVideos)
	r.Post("/videos", h.Upload)
	r.Post("/videos/{id}/play", h.Play)
	r.Post("/videos/{id}/default", h.SetDefault)
	r.Delete("/videos/{id}", h.Delete)
	r.Get("/videos/{id}/preview", h.Preview)

	return &apiFixture{
		library:     lib,
		catalog:     catalog,
		state:       st,
		converter:   converter,
		invalidator: invalidator,
		manager:     manager,
		uploadsDir:  uploadsDir,
		router:      r,
	}
}

func multipartUpload(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatal(err)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func (f *apiFixture) upload(t *testing.T, filename string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := multipartUpload(t, filename, payload)
	req := httptest.NewRequest(http.MethodPost, "/videos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) addCatalogVideo(t *testing.T, id string) {
	t.Helper()

	staging, err := f.library.NewStaging()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, frames.FrameName(1)), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.library.Publish(staging, id); err != nil {
		t.Fatal(err)
	}
	err = f.catalog.UpsertVideo(&storage.Video{
		ID: id, Title: id + ".mp4", FrameCount: 1, SizeBytes: 3, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	return resp.Error.Code
}

func TestUploadSuccess(t *testing.T) {
	f := newAPIFixture(t, true)

	rec := f.upload(t, "clip.mp4", []byte("mp4data"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Video.ID != "clip" || resp.Video.FrameCount != 4 {
		t.Errorf("video = %+v", resp.Video)
	}
	if !resp.Playing {
		t.Error("auto-play did not engage")
	}

	if !f.library.Exists("clip") {
		t.Error("store not created")
	}
	if f.state.Current() != "clip" {
		t.Errorf("current = %q", f.state.Current())
	}
	if v, _ := f.catalog.GetVideo("clip"); v == nil {
		t.Error("catalog record missing")
	}
	if _, err := os.Stat(filepath.Join(f.uploadsDir, "clip.mp4")); err != nil {
		t.Error("upload artifact missing")
	}
	if len(f.invalidator.invalidated) == 0 || f.invalidator.invalidated[len(f.invalidator.invalidated)-1] != "clip" {
		t.Errorf("invalidated = %v", f.invalidator.invalidated)
	}
}

func TestUploadNoAutoPlay(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.upload(t, "clip.mp4", []byte("mp4data"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.state.Current() != "" {
		t.Errorf("current = %q, want unset", f.state.Current())
	}
}

func TestUploadValidation(t *testing.T) {
	f := newAPIFixture(t, true)

	cases := []struct {
		name     string
		filename string
		payload  []byte
	}{
		{"wrong extension", "clip.mov", []byte("data")},
		{"no extension", "clip", []byte("data")},
		{"empty file", "clip.mp4", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := f.upload(t, c.filename, c.payload)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if code := decodeError(t, rec); code != "VALIDATION" {
				t.Errorf("code = %q", code)
			}
		})
	}
	if f.converter.calls != 0 {
		t.Errorf("converter ran %d times for invalid uploads", f.converter.calls)
	}
}

func TestUploadConversionFailure(t *testing.T) {
	f := newAPIFixture(t, true)
	f.converter.err = media.ErrConversionFailed

	rec := f.upload(t, "clip.mp4", []byte("mp4data"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	if code := decodeError(t, rec); code != "CONVERSION_FAILED" {
		t.Errorf("code = %q", code)
	}
	if f.library.Exists("clip") {
		t.Error("failed conversion left a store")
	}
	if f.state.Current() != "" {
		t.Error("failed conversion changed playback state")
	}
	if f.state.Snapshot().Processing {
		t.Error("processing flag still set after failure")
	}
}

func TestUploadCapacityError(t *testing.T) {
	f := newAPIFixture(t, true)
	f.manager.SetStatfs(func(path string) (uint64, uint64, error) {
		return 0, 1 << 30, nil // volume full, nothing to reclaim
	})

	rec := f.upload(t, "clip.mp4", []byte("mp4data"))
	if rec.Code != http.StatusInsufficientStorage {
		t.Errorf("status = %d, want 507", rec.Code)
	}
	if f.converter.calls != 0 {
		t.Error("converter ran despite full volume")
	}
	if _, err := os.Stat(filepath.Join(f.uploadsDir, "clip.mp4")); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected upload artifact not cleaned up")
	}
}

func TestUploadBusy(t *testing.T) {
	f := newAPIFixture(t, true)
	f.converter.err = media.ErrBusy

	rec := f.upload(t, "clip.mp4", []byte("mp4data"))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestPlay(t *testing.T) {
	f := newAPIFixture(t, true)
	f.addCatalogVideo(t, "clip")

	req := httptest.NewRequest(http.MethodPost, "/videos/clip/play", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.state.Current() != "clip" {
		t.Errorf("current = %q", f.state.Current())
	}
}

func TestPlayUnknownVideo(t *testing.T) {
	f := newAPIFixture(t, true)

	req := httptest.NewRequest(http.MethodPost, "/videos/ghost/play", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if code := decodeError(t, rec); code != "VIDEO_NOT_FOUND" {
		t.Errorf("code = %q", code)
	}
}

func TestSetDefault(t *testing.T) {
	f := newAPIFixture(t, true)
	f.addCatalogVideo(t, "clip")

	req := httptest.NewRequest(http.MethodPost, "/videos/clip/default", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.state.Default() != "clip" {
		t.Errorf("default = %q", f.state.Default())
	}
	if f.state.Current() != "" {
		t.Error("SetDefault changed current")
	}
}

func TestDelete(t *testing.T) {
	f := newAPIFixture(t, true)
	f.addCatalogVideo(t, "clip")
	if err := f.state.SetCurrent("clip"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/videos/clip", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.library.Exists("clip") {
		t.Error("store still exists")
	}
	if v, _ := f.catalog.GetVideo("clip"); v != nil {
		t.Error("catalog record still exists")
	}
	if f.state.Current() != "" {
		t.Errorf("current = %q after delete", f.state.Current())
	}
	if len(f.invalidator.invalidated) == 0 {
		t.Error("frame cache not invalidated")
	}
}

func TestDeleteUnknownVideo(t *testing.T) {
	f := newAPIFixture(t, true)

	req := httptest.NewRequest(http.MethodDelete, "/videos/ghost", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	f := newAPIFixture(t, true)
	f.addCatalogVideo(t, "a")
	f.addCatalogVideo(t, "b")
	if err := f.state.SetCurrent("a"); err != nil {
		t.Fatal(err)
	}
	if err := f.state.SetDefault("b"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.CurrentVideo != "a" || resp.DefaultVideo != "b" {
		t.Errorf("selection = %q/%q", resp.CurrentVideo, resp.DefaultVideo)
	}
	if len(resp.Videos) != 2 {
		t.Errorf("videos = %d", len(resp.Videos))
	}
	if resp.Disk == nil || resp.Disk.TotalBytes != 1<<41 {
		t.Errorf("disk = %+v", resp.Disk)
	}
	if resp.Disk.FreeHuman == "" {
		t.Error("missing humanized free space")
	}
}

func TestPreview(t *testing.T) {
	f := newAPIFixture(t, true)
	f.addCatalogVideo(t, "clip")

	req := httptest.NewRequest(http.MethodGet, "/videos/clip/preview", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}

	req = httptest.NewRequest(http.MethodGet, "/videos/ghost/preview", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown preview status = %d", rec.Code)
	}
}

// End-to-end over the API surface: upload, switch, delete, re-upload.
func TestUploadSwitchDeleteReupload(t *testing.T) {
	f := newAPIFixture(t, true)

	if rec := f.upload(t, "clip.mp4", []byte("v1")); rec.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d", rec.Code)
	}
	if f.state.Current() != "clip" {
		t.Fatalf("current = %q", f.state.Current())
	}

	req := httptest.NewRequest(http.MethodDelete, "/videos/clip", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if f.state.Current() != "" {
		t.Error("current not cleared by delete")
	}

	// Re-uploading the same name rebuilds the same identifier.
	f.converter.frameCount = 6
	if rec := f.upload(t, "clip.mp4", []byte("v2")); rec.Code != http.StatusCreated {
		t.Fatalf("re-upload status = %d", rec.Code)
	}
	n, err := f.library.FrameCount("clip")
	if err != nil || n != 6 {
		t.Errorf("rebuilt store FrameCount = %d, %v, want 6", n, err)
	}
	if f.state.Current() != "clip" {
		t.Errorf("current = %q after re-upload", f.state.Current())
	}
}
