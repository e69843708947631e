// Package video renders per-cue still-image segments and concatenates them
// with the narration into one file using ffmpeg.
package video

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"flashback/core/caption"
)

// Settings are the encoder parameters shared by every command.
type Settings struct {
	FFmpegPath   string
	FFprobePath  string
	FontFile     string
	Width        int
	Height       int
	FPS          int
	FontSize     int // 0 derives it from Width
	AudioBitrate string
}

func (s Settings) withDefaults() Settings {
	if s.FFmpegPath == "" {
		s.FFmpegPath = "ffmpeg"
	}
	if s.FFprobePath == "" {
		s.FFprobePath = ffprobePathFor(s.FFmpegPath)
	}
	if s.Width <= 0 {
		s.Width = 1080
	}
	if s.Height <= 0 {
		s.Height = 1920
	}
	if s.FPS <= 0 {
		s.FPS = 25
	}
	if s.FontSize <= 0 {
		s.FontSize = s.Width / 24
	}
	if s.AudioBitrate == "" {
		s.AudioBitrate = "192k"
	}
	return s
}

// ffprobePathFor derives the ffprobe binary that sits next to ffmpegPath.
func ffprobePathFor(ffmpegPath string) string {
	dir, base := filepath.Split(ffmpegPath)
	return dir + strings.Replace(base, "ffmpeg", "ffprobe", 1)
}

// Command is a fully built subprocess invocation.
type Command struct {
	Path string
	Args []string
}

// String renders the command for logs with shell-style quoting.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Path))
	for _, a := range c.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type argList []string

func (a *argList) add(args ...string) *argList {
	*a = append(*a, args...)
	return a
}

// Segment describes one still-image clip. Length is a whole number of frames
// at Settings.FPS.
type Segment struct {
	Image  string
	Frames int
	Text   string
	Output string
}

// frameAt rounds a timeline position to the nearest frame boundary.
func (s Settings) frameAt(t time.Duration) int64 {
	s = s.withDefaults()
	if t <= 0 {
		return 0
	}
	return (t.Nanoseconds()*int64(s.FPS) + int64(time.Second)/2) / int64(time.Second)
}

// CueFrames is the number of frames between the grid-aligned start and end of
// a cue, at least one. Consecutive cues share boundaries, so the frames of a
// timeline add up to its rounded end.
func (s Settings) CueFrames(start, end time.Duration) int {
	n := s.frameAt(end) - s.frameAt(start)
	if n < 1 {
		n = 1
	}
	return int(n)
}

// FramesDuration is the playback length of n frames.
func (s Settings) FramesDuration(n int) time.Duration {
	s = s.withDefaults()
	return time.Duration(n) * time.Second / time.Duration(s.FPS)
}

// Characters that av_get_token treats specially at each parsing level. The
// filtergraph parser removes one level, the filter's option parser the next.
const (
	optionSpecials = `\':`
	graphSpecials  = `\',;[]`
)

func escapeLevel(s, specials string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unescapeLevel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	if escaped {
		b.WriteByte('\\')
	}
	return b.String()
}

// EscapeFilterText makes s safe as an option value inside a -vf filtergraph.
// Colons, quotes, commas and the rest survive verbatim on screen.
func EscapeFilterText(s string) string {
	return escapeLevel(escapeLevel(s, optionSpecials), graphSpecials)
}

// UnescapeFilterText reverses EscapeFilterText.
func UnescapeFilterText(s string) string {
	return unescapeLevel(unescapeLevel(s))
}

func validateText(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("cue text is not valid UTF-8")
	}
	if strings.ContainsRune(text, 0) {
		return fmt.Errorf("cue text contains a NUL byte")
	}
	return nil
}

// SegmentFilter builds the -vf graph: fit the image into the frame, then burn
// text centred horizontally in the lower third.
func (s Settings) SegmentFilter(text string) string {
	s = s.withDefaults()
	w, h := strconv.Itoa(s.Width), strconv.Itoa(s.Height)

	drawtext := []string{
		"text=" + EscapeFilterText(text),
		"expansion=none",
		"fontcolor=white",
		"fontsize=" + strconv.Itoa(s.FontSize),
		"borderw=3",
		"bordercolor=black",
		"x=(w-text_w)/2",
		"y=h*5/6-text_h/2",
	}
	if s.FontFile != "" {
		drawtext = append([]string{"fontfile=" + EscapeFilterText(s.FontFile)}, drawtext...)
	}

	return strings.Join([]string{
		"scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease",
		"pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2:color=black",
		"setsar=1",
		"drawtext=" + strings.Join(drawtext, ":"),
	}, ",")
}

// SegmentCommand holds seg.Image for exactly seg.Frames frames with seg.Text burned in.
func (s Settings) SegmentCommand(seg Segment) (Command, error) {
	s = s.withDefaults()
	switch {
	case seg.Image == "":
		return Command{}, fmt.Errorf("segment image is empty")
	case seg.Output == "":
		return Command{}, fmt.Errorf("segment output is empty")
	case seg.Frames <= 0:
		return Command{}, fmt.Errorf("segment frame count %d is not positive", seg.Frames)
	}
	if err := validateText(seg.Text); err != nil {
		return Command{}, err
	}

	var args argList
	fps := strconv.Itoa(s.FPS)
	args.add("-hide_banner", "-nostdin", "-y").
		add("-loop", "1", "-framerate", fps, "-i", seg.Image).
		add("-vf", s.SegmentFilter(seg.Text)).
		add("-r", fps).
		add("-frames:v", strconv.Itoa(seg.Frames)).
		add("-c:v", "libx264", "-tune", "stillimage", "-pix_fmt", "yuv420p").
		add("-an").
		add(seg.Output)
	return Command{Path: s.FFmpegPath, Args: args}, nil
}

// ConcatCommand joins the manifest's segments without re-encoding and muxes
// the narration. total is the frame-exact length of the segments, see FramesDuration.
func (s Settings) ConcatCommand(manifest, audio, output string, total time.Duration) (Command, error) {
	s = s.withDefaults()
	switch {
	case manifest == "":
		return Command{}, fmt.Errorf("concat manifest is empty")
	case audio == "":
		return Command{}, fmt.Errorf("audio path is empty")
	case output == "":
		return Command{}, fmt.Errorf("output path is empty")
	case total <= 0:
		return Command{}, fmt.Errorf("total duration %v is not positive", total)
	}

	var args argList
	args.add("-hide_banner", "-nostdin", "-y").
		add("-f", "concat", "-safe", "0", "-i", manifest).
		add("-i", audio).
		add("-map", "0:v:0", "-map", "1:a:0").
		add("-c:v", "copy").
		add("-c:a", "aac", "-b:a", s.AudioBitrate).
		add("-t", caption.FormatSeconds(total)).
		add("-movflags", "+faststart").
		add(output)
	return Command{Path: s.FFmpegPath, Args: args}, nil
}

// ProbeCommand asks ffprobe for format and stream metadata as JSON.
func (s Settings) ProbeCommand(path string) Command {
	s = s.withDefaults()
	return Command{Path: s.FFprobePath, Args: []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "json",
		path,
	}}
}

// WriteManifest writes a concat demuxer list of absolute segment paths.
func WriteManifest(path string, segments []string) error {
	var b strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			return fmt.Errorf("failed to resolve segment path %s: %w", seg, err)
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write concat manifest %s: %w", path, err)
	}
	return nil
}
