package video

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// splitUnescaped splits s at sep characters that are not backslash-escaped and
// then removes one level of escaping from every part, the way av_get_token does.
func splitUnescaped(s string, sep rune) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}

// parseDrawtext recovers drawtext options from a -vf value.
func parseDrawtext(t *testing.T, vf string) map[string]string {
	t.Helper()
	for _, filter := range splitUnescaped(vf, ',') {
		if !strings.HasPrefix(filter, "drawtext=") {
			continue
		}
		opts := map[string]string{}
		for _, kv := range splitUnescaped(strings.TrimPrefix(filter, "drawtext="), ':') {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				t.Fatalf("malformed option %q", kv)
			}
			opts[k] = v
		}
		return opts
	}
	t.Fatalf("no drawtext filter in %q", vf)
	return nil
}

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

var trickyTexts = []string{
	"Paris, 1889 : l'inauguration",
	"C'est l'heure :",
	"fin de phrase,",
	`anti\slash et [crochets]; point-virgule`,
	"100% garanti = vrai",
	"aujourd’hui « guillemets »",
	"a,b,c,",
	"",
}

func TestEscapeFilterTextRoundTrip(t *testing.T) {
	for _, text := range trickyTexts {
		if got := UnescapeFilterText(EscapeFilterText(text)); got != text {
			t.Errorf("round trip of %q gave %q", text, got)
		}
	}
}

func TestSegmentCommandDrawtextParsesBackToSource(t *testing.T) {
	s := Settings{FFmpegPath: "ffmpeg", FontFile: "font/Helvetica.ttf", Width: 1080, Height: 1920}
	for _, text := range trickyTexts {
		cmd, err := s.SegmentCommand(Segment{Image: "img.png", Frames: 38, Text: text, Output: "seg.mp4"})
		if err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		opts := parseDrawtext(t, argValue(t, cmd.Args, "-vf"))
		if opts["text"] != text {
			t.Errorf("drawtext text = %q, want %q", opts["text"], text)
		}
		if opts["fontfile"] != "font/Helvetica.ttf" {
			t.Errorf("fontfile = %q", opts["fontfile"])
		}
		if opts["x"] != "(w-text_w)/2" || opts["expansion"] != "none" {
			t.Errorf("unexpected placement options: %v", opts)
		}
	}
}

func TestSegmentCommandArgs(t *testing.T) {
	s := Settings{FFmpegPath: "/opt/bin/ffmpeg", Width: 720, Height: 1280, FPS: 30}
	cmd, err := s.SegmentCommand(Segment{Image: "/tmp/image_3.png", Frames: 70, Text: "x", Output: "/tmp/segment_3.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Path != "/opt/bin/ffmpeg" {
		t.Fatalf("Path = %s", cmd.Path)
	}
	if argValue(t, cmd.Args, "-loop") != "1" || argValue(t, cmd.Args, "-i") != "/tmp/image_3.png" {
		t.Fatalf("unexpected input args: %v", cmd.Args)
	}
	if argValue(t, cmd.Args, "-frames:v") != "70" || argValue(t, cmd.Args, "-framerate") != "30" {
		t.Fatalf("unexpected length args: %v", cmd.Args)
	}
	for _, a := range cmd.Args {
		if a == "-t" {
			t.Fatalf("segment length must be a frame count, got -t in %v", cmd.Args)
		}
	}
	if argValue(t, cmd.Args, "-r") != "30" || argValue(t, cmd.Args, "-pix_fmt") != "yuv420p" {
		t.Fatalf("unexpected encoder args: %v", cmd.Args)
	}
	if cmd.Args[len(cmd.Args)-1] != "/tmp/segment_3.mp4" {
		t.Fatalf("output must be last: %v", cmd.Args)
	}
	if !strings.HasPrefix(argValue(t, cmd.Args, "-vf"), "scale=720:1280:") {
		t.Fatalf("unexpected filter: %s", argValue(t, cmd.Args, "-vf"))
	}
}

func TestSegmentCommandValidation(t *testing.T) {
	s := Settings{}
	cases := []Segment{
		{Image: "", Frames: 25, Output: "o"},
		{Image: "i", Frames: 0, Output: "o"},
		{Image: "i", Frames: -1, Output: "o"},
		{Image: "i", Frames: 25, Output: ""},
		{Image: "i", Frames: 25, Output: "o", Text: "bad\x00text"},
		{Image: "i", Frames: 25, Output: "o", Text: string([]byte{0xff, 0xfe})},
	}
	for i, seg := range cases {
		if _, err := s.SegmentCommand(seg); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestConcatCommand(t *testing.T) {
	s := Settings{AudioBitrate: "192k"}
	cmd, err := s.ConcatCommand("segments.txt", "audio_0.mp3", "final.mp4", 12500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(cmd.Args, " ")
	for _, want := range []string{
		"-f concat -safe 0 -i segments.txt",
		"-i audio_0.mp3",
		"-map 0:v:0 -map 1:a:0",
		"-c:v copy",
		"-c:a aac -b:a 192k",
		"-t 12.500",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "-shortest") {
		t.Error("duration policy is an explicit -t, not -shortest")
	}
	if _, err := s.ConcatCommand("m", "a", "o", 0); err == nil {
		t.Error("expected error for zero total")
	}
}

func TestWriteManifestQuotesPaths(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "segments.txt")
	seg := filepath.Join(dir, "l'été", "segment_1.mp4")
	if err := WriteManifest(manifest, []string{seg}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}
	want := "file '" + strings.ReplaceAll(seg, "'", `'\''`) + "'\n"
	if string(data) != want {
		t.Fatalf("manifest = %q, want %q", data, want)
	}
}

func TestFFprobePathFor(t *testing.T) {
	cases := map[string]string{
		"ffmpeg":                "ffprobe",
		"/usr/local/bin/ffmpeg": "/usr/local/bin/ffprobe",
	}
	for in, want := range cases {
		if got := ffprobePathFor(in); got != want {
			t.Errorf("ffprobePathFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommandString(t *testing.T) {
	c := Command{Path: "ffmpeg", Args: []string{"-i", "my file.png", "-vf", "a'b"}}
	if got := c.String(); got != `ffmpeg -i 'my file.png' -vf 'a'\''b'` {
		t.Fatalf("String() = %s", got)
	}
}

func TestCueFramesFollowTheFrameGrid(t *testing.T) {
	s := Settings{FPS: 25}
	cases := []struct {
		start, end time.Duration
		want       int
	}{
		{0, 1230 * time.Millisecond, 31},
		{1230 * time.Millisecond, 2450 * time.Millisecond, 30},
		{0, 2 * time.Second, 50},
		{3000 * time.Millisecond, 3100 * time.Millisecond, 3},
		{3000 * time.Millisecond, 3010 * time.Millisecond, 1},
	}
	for _, tc := range cases {
		if got := s.CueFrames(tc.start, tc.end); got != tc.want {
			t.Errorf("CueFrames(%v, %v) = %d, want %d", tc.start, tc.end, got, tc.want)
		}
	}
	if got := s.FramesDuration(615); got != 24600*time.Millisecond {
		t.Errorf("FramesDuration(615) = %v", got)
	}
	if got := (Settings{FPS: 30}).FramesDuration(31); got != 1033333333*time.Nanosecond {
		t.Errorf("FramesDuration(31) at 30fps = %v", got)
	}
}
