package media

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

// SourceInfo is what we keep from probing an uploaded video.
type SourceInfo struct {
	Duration   int64 // seconds
	Width      int
	Height     int
	VideoCodec string
}

// Prober extracts source metadata with ffprobe. Absence of ffprobe only
// disables metadata, never uploads.
type Prober struct {
	ffprobePath string
	logger      zerolog.Logger
}

func NewProber(ffprobePath string, logger zerolog.Logger) *Prober {
	if path, err := exec.LookPath(ffprobePath); err == nil {
		ffprobePath = path
	}
	return &Prober{
		ffprobePath: ffprobePath,
		logger:      logger,
	}
}

func (p *Prober) IsAvailable() bool {
	_, err := exec.LookPath(p.ffprobePath)
	return err == nil
}

func (p *Prober) Probe(ctx context.Context, filePath string) (*SourceInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	output, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		p.logger.Debug().Err(err).Str("file", filePath).Msg("ffprobe failed")
		return nil, err
	}

	return parseProbeOutput(output)
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

func parseProbeOutput(output []byte) (*SourceInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, err
	}

	info := &SourceInfo{}

	if probe.Format.Duration != "" {
		if dur, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			info.Duration = int64(dur)
		}
	}

	for _, stream := range probe.Streams {
		if stream.CodecType == "video" && info.VideoCodec == "" {
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
		}
	}

	return info, nil
}
