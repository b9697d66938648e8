package storage

import "time"

// Video is the catalog record for one published frame store.
type Video struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	FrameCount   int        `json:"frame_count"`
	SizeBytes    int64      `json:"size_bytes"`
	Duration     *int64     `json:"duration,omitempty"` // source duration, seconds
	Width        *int       `json:"width,omitempty"`    // source dimensions
	Height       *int       `json:"height,omitempty"`
	VideoCodec   *string    `json:"video_codec,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastPlayedAt *time.Time `json:"-"`
}

// Setting keys for the persisted playback selection.
const (
	SettingCurrentVideo = "current_video"
	SettingDefaultVideo = "default_video"
)
