package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"flashback/core/apperr"
	"flashback/core/caption"
	"flashback/core/utils"
	"flashback/logger"
)

// ErrNoSegments means no cue had an image to render.
var ErrNoSegments = errors.New("no cue has an image")

// Input is everything needed to render one chapter.
type Input struct {
	Cues       []caption.Cue
	Images     map[int]string // cue index -> image path
	AudioPath  string
	WorkDir    string // scratch directory for segments and the manifest
	OutputPath string
}

// Output describes a rendered chapter video.
type Output struct {
	Path     string
	Duration time.Duration // Frames at the output frame rate
	Frames   int
	Segments int
	Skipped  []int // cue indices without an image
	Info     *MediaInfo
}

// Assembler renders segments and concatenates them with the narration.
type Assembler struct {
	settings Settings
	runner   Runner
	verify   bool
}

// NewAssembler returns an assembler. With verify set, the final file is probed
// and rejected unless it has both a video and an audio stream.
func NewAssembler(settings Settings, runner Runner, verify bool) *Assembler {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Assembler{settings: settings.withDefaults(), runner: runner, verify: verify}
}

func (a *Assembler) run(ctx context.Context, stage string, cmd Command) error {
	start := time.Now()
	res, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return &apperr.AssemblyError{
			Stage:    stage,
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      err,
		}
	}
	logger.Debug("ffmpeg finished",
		logger.String("stage", stage),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Assemble builds one segment per cue that has an image, in cue index order,
// then concatenates them and muxes the audio. Scratch files are removed on
// success and kept on failure.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Output, error) {
	if err := utils.EnsureDir(in.WorkDir); err != nil {
		return nil, &apperr.AssemblyError{Stage: "prepare", Err: err}
	}
	if err := utils.EnsureDir(filepath.Dir(in.OutputPath)); err != nil {
		return nil, &apperr.AssemblyError{Stage: "prepare", Err: err}
	}

	cues := make([]caption.Cue, len(in.Cues))
	copy(cues, in.Cues)
	sort.Slice(cues, func(i, j int) bool { return cues[i].Index < cues[j].Index })

	out := &Output{Path: in.OutputPath}
	var segments []string

	for _, cue := range cues {
		img, ok := in.Images[cue.Index]
		if !ok || !utils.FileExists(img) {
			out.Skipped = append(out.Skipped, cue.Index)
			logger.Warn("cue has no image, skipping segment", logger.Int("cue", cue.Index))
			continue
		}

		frames := a.settings.CueFrames(cue.Start, cue.End)
		segPath := filepath.Join(in.WorkDir, fmt.Sprintf("segment_%d.mp4", cue.Index))
		cmd, err := a.settings.SegmentCommand(Segment{
			Image:  img,
			Frames: frames,
			Text:   cue.Text,
			Output: segPath,
		})
		if err != nil {
			return nil, &apperr.AssemblyError{Stage: fmt.Sprintf("segment %d", cue.Index), Err: err}
		}
		if err := a.run(ctx, fmt.Sprintf("segment %d", cue.Index), cmd); err != nil {
			return nil, err
		}
		segments = append(segments, segPath)
		out.Frames += frames
	}

	if len(segments) == 0 {
		return nil, &apperr.AssemblyError{Stage: "segment", Err: ErrNoSegments}
	}
	out.Segments = len(segments)
	out.Duration = a.settings.FramesDuration(out.Frames)

	manifest := filepath.Join(in.WorkDir, "segments.txt")
	if err := WriteManifest(manifest, segments); err != nil {
		return nil, &apperr.AssemblyError{Stage: "manifest", Err: err}
	}

	cmd, err := a.settings.ConcatCommand(manifest, in.AudioPath, in.OutputPath, out.Duration)
	if err != nil {
		return nil, &apperr.AssemblyError{Stage: "concat", Err: err}
	}
	if err := a.run(ctx, "concat", cmd); err != nil {
		return nil, err
	}

	if a.verify {
		info, err := Probe(ctx, a.runner, a.settings, in.OutputPath)
		if err != nil {
			return nil, &apperr.AssemblyError{Stage: "probe", Err: err}
		}
		if !info.HasVideo || !info.HasAudio {
			return nil, &apperr.AssemblyError{
				Stage: "probe",
				Err:   fmt.Errorf("output is missing streams (video=%v audio=%v)", info.HasVideo, info.HasAudio),
			}
		}
		out.Info = info
	}

	for _, p := range append(segments, manifest) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove scratch file", logger.String("path", p), logger.ErrorField(err))
		}
	}

	logger.Info("chapter video assembled",
		logger.String("output", in.OutputPath),
		logger.Int("segments", out.Segments),
		logger.Int("skipped", len(out.Skipped)),
		logger.Duration("duration", out.Duration))
	return out, nil
}
