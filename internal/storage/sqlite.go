package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		frame_count INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		duration INTEGER,
		width INTEGER,
		height INTEGER,
		video_codec TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_played_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_videos_last_played ON videos(last_played_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Videos

// UpsertVideo inserts or replaces a catalog record. Replacing keeps the
// original created_at and last_played_at untouched only when the caller
// passes them along; a rebuilt store normally resets both.
func (s *SQLiteStorage) UpsertVideo(v *Video) error {
	_, err := s.db.Exec(`
		INSERT INTO videos (id, title, frame_count, size_bytes, duration, width, height, video_codec, created_at, last_played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			frame_count = excluded.frame_count,
			size_bytes = excluded.size_bytes,
			duration = excluded.duration,
			width = excluded.width,
			height = excluded.height,
			video_codec = excluded.video_codec,
			created_at = excluded.created_at
	`, v.ID, v.Title, v.FrameCount, v.SizeBytes, v.Duration, v.Width, v.Height, v.VideoCodec, v.CreatedAt, v.LastPlayedAt)
	return err
}

func (s *SQLiteStorage) GetVideo(id string) (*Video, error) {
	row := s.db.QueryRow(`
		SELECT id, title, frame_count, size_bytes, duration, width, height, video_codec, created_at, last_played_at
		FROM videos WHERE id = ?
	`, id)

	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStorage) ListVideos() ([]Video, error) {
	rows, err := s.db.Query(`
		SELECT id, title, frame_count, size_bytes, duration, width, height, video_codec, created_at, last_played_at
		FROM videos ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

func (s *SQLiteStorage) DeleteVideo(id string) error {
	_, err := s.db.Exec("DELETE FROM videos WHERE id = ?", id)
	return err
}

// TouchVideo records that a video was just selected for playback. Drives the
// least-recently-used ordering in retention.
func (s *SQLiteStorage) TouchVideo(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE videos SET last_played_at = ? WHERE id = ?", at, id)
	return err
}

// LeastRecentlyPlayed returns candidates for retention, oldest use first.
// Videos never played sort by creation time.
func (s *SQLiteStorage) LeastRecentlyPlayed(exclude []string) ([]Video, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	rows, err := s.db.Query(`
		SELECT id, title, frame_count, size_bytes, duration, width, height, video_codec, created_at, last_played_at
		FROM videos ORDER BY COALESCE(last_played_at, created_at) ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		if excluded[v.ID] {
			continue
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*Video, error) {
	var v Video
	var lastPlayed sql.NullTime
	err := row.Scan(
		&v.ID, &v.Title, &v.FrameCount, &v.SizeBytes,
		&v.Duration, &v.Width, &v.Height, &v.VideoCodec,
		&v.CreatedAt, &lastPlayed,
	)
	if err != nil {
		return nil, err
	}
	if lastPlayed.Valid {
		v.LastPlayedAt = &lastPlayed.Time
	}
	return &v, nil
}

// Settings

func (s *SQLiteStorage) GetSetting(key string) (string, bool, error) {
	row := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStorage) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLiteStorage) DeleteSetting(key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}
