package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// MediaInfo is what the assembler checks on a rendered file.
type MediaInfo struct {
	Duration time.Duration
	HasVideo bool
	HasAudio bool
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// Probe reads duration and stream kinds of path via ffprobe.
func Probe(ctx context.Context, runner Runner, s Settings, path string) (*MediaInfo, error) {
	cmd := s.ProbeCommand(path)
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w\nffprobe error: %s", path, err, res.Stderr)
	}
	return parseProbe([]byte(res.Stdout))
}

func parseProbe(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	info := &MediaInfo{}
	if out.Format.Duration != "" && out.Format.Duration != "N/A" {
		secs, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration %q: %w", out.Format.Duration, err)
		}
		info.Duration = time.Duration(math.Round(secs*1e6)) * time.Microsecond
	}
	for _, st := range out.Streams {
		switch st.CodecType {
		case "video":
			info.HasVideo = true
		case "audio":
			info.HasAudio = true
		}
	}
	return info, nil
}
