package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Display    DisplayConfig    `yaml:"display"`
	Storage    StorageConfig    `yaml:"storage"`
	Conversion ConversionConfig `yaml:"conversion"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Uploads can take a while on a slow SD card, so the multipart
	// size cap is configurable.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type DisplayConfig struct {
	// Kind selects the display backend: "framebuffer" or "null".
	Kind   string `yaml:"kind"`
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
	FramesDir  string `yaml:"frames_dir"`
	Database   string `yaml:"database"`
	// MinFreeBytes is the retention threshold on the frames volume.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
	// CacheMaxSize bounds the decoded frame cache, in bytes.
	CacheMaxSize int64 `yaml:"cache_max_size"`
}

type ConversionConfig struct {
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	FFprobePath string        `yaml:"ffprobe_path"`
	Timeout     time.Duration `yaml:"timeout"`
}

type PlaybackConfig struct {
	// AutoPlayUploads makes a freshly converted upload the current video.
	AutoPlayUploads bool `yaml:"auto_play_uploads"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    5 * time.Minute,
			WriteTimeout:   0,
			MaxUploadBytes: 512 * 1024 * 1024, // 512 MB
		},
		Display: DisplayConfig{
			Kind:   "framebuffer",
			Device: "/dev/fb1",
			Width:  320,
			Height: 240,
			FPS:    15,
		},
		Storage: StorageConfig{
			UploadsDir:   "data/uploads",
			FramesDir:    "data/frames",
			Database:     "data/tv.db",
			MinFreeBytes: 256 * 1024 * 1024, // 256 MB
			CacheMaxSize: 64 * 1024 * 1024,  // 64 MB
		},
		Conversion: ConversionConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Timeout:     5 * time.Minute,
		},
		Playback: PlaybackConfig{
			AutoPlayUploads: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
