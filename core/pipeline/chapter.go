package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"flashback/core/apperr"
	"flashback/core/caption"
	"flashback/core/video"
	"flashback/logger"
	"flashback/model"
)

type chapterResult struct {
	script    string
	audioURL  string
	videoPath string
	videoURL  string
	segments  int
	skipped   int
}

// runChapter executes every stage for one chapter. Adapter calls run on a
// context that ignores cancellation so an in-flight request finishes or hits
// its own timeout; cancellation is honoured between stages, while polling
// and inside the encoder runner.
func (p *Pipeline) runChapter(ctx context.Context, req Request, idx int, chapter model.Chapter, em *emitter) (*chapterResult, error) {
	res := &chapterResult{}
	call := context.WithoutCancel(ctx)
	dir := p.taskDir(req.TaskID)
	stage := func(name string) {
		ev := chapterEvent(StatusProcessing, idx)
		ev.Event = name
		em.emit(ctx, ev)
	}

	// script
	script, err := p.deps.Scripts.Write(call, req.ContentType, chapter)
	if err != nil {
		return res, err
	}
	res.script = script
	stage(EventScript)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	// voice
	audioPath := filepath.Join(dir, "audio", fmt.Sprintf("audio_%d.mp3", idx))
	if err := p.deps.Speech.Synthesize(call, script, audioPath); err != nil {
		return res, err
	}
	audioURL, err := p.deps.Uploader.Upload(call, audioPath, fmt.Sprintf("%s/audio_%d.mp3", req.TaskID, idx), "audio/mpeg")
	if err != nil {
		return res, &apperr.AdapterError{Service: "storage", Op: "upload audio", Err: err}
	}
	res.audioURL = audioURL
	stage(EventVoiceover)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	// transcribe
	job, err := p.deps.Transcriber.Submit(call, audioURL, p.cfg.Language)
	if err != nil {
		return res, err
	}
	transcript, err := p.deps.Poller.Resolve(ctx, p.deps.Transcriber, job)
	if err != nil {
		return res, err
	}
	stage(EventSubtitles)

	// caption
	track, err := caption.Normalize(transcript.Utterances)
	if err != nil {
		return res, err
	}
	if track.Len() == 0 {
		return res, &apperr.AdapterError{Service: "transcription", Op: "job " + transcript.JobID, Message: "no usable utterances"}
	}
	for _, adj := range track.Adjustments() {
		logger.Debug("Caption adjusted",
			logger.TaskID(req.TaskID),
			logger.Chapter(idx),
			logger.Int("source", adj.Source),
			logger.Int("cue", adj.Index),
			logger.String("reason", adj.Reason))
	}
	stage(EventCaptions)

	// images
	cues := track.Cues()
	images, err := p.generateImages(ctx, call, req.TaskID, idx, cues, em)
	if err != nil {
		return res, err
	}

	// assemble
	out, err := p.deps.Assembler.Assemble(ctx, video.Input{
		Cues:       cues,
		Images:     images,
		AudioPath:  audioPath,
		WorkDir:    filepath.Join(dir, "work", fmt.Sprintf("chapter_%d", idx)),
		OutputPath: filepath.Join(dir, "videos", fmt.Sprintf("chapter_%d.mp4", idx)),
	})
	if err != nil {
		return res, err
	}
	res.videoPath = out.Path
	res.segments = out.Segments
	res.skipped = len(out.Skipped)
	stage(EventVideoAssembled)

	if p.cfg.UploadVideos {
		key := fmt.Sprintf("%s/videos/chapter_%d.mp4", req.TaskID, idx)
		url, err := p.deps.Uploader.Upload(call, out.Path, key, "video/mp4")
		if err != nil {
			// The local file is still served, so the chapter stays complete.
			logger.Warn("Video upload failed",
				logger.TaskID(req.TaskID),
				logger.Chapter(idx),
				logger.ErrorField(err))
		} else {
			res.videoURL = url
		}
	}
	return res, nil
}

// generateImages renders one image per cue with bounded concurrency. A cue
// whose prompt or image fails is left out of the map and skipped later.
func (p *Pipeline) generateImages(ctx, call context.Context, taskID string, idx int, cues []caption.Cue, em *emitter) (map[int]string, error) {
	imagesDir := filepath.Join(p.taskDir(taskID), "images", fmt.Sprintf("chapter_%d", idx))
	images := make(map[int]string, len(cues))
	var mu sync.Mutex

	cueEvent := func(name string, cue int) {
		ev := chapterEvent(StatusProcessing, idx)
		ev.Event = name
		ev.Cue = cue
		em.emit(ctx, ev)
	}
	skip := func(cue int, stage string, err error) {
		logger.Warn("Cue image skipped",
			logger.TaskID(taskID),
			logger.Chapter(idx),
			logger.Int("cue", cue),
			logger.String("stage", stage),
			logger.ErrorField(err))
		cueEvent(EventImageSkipped, cue)
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.ImageConcurrency)
	for _, cue := range cues {
		// Stop handing out work once cancelled; running calls finish.
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			prompt, err := p.deps.Prompter.Prompt(call, cue.Text)
			if err != nil {
				skip(cue.Index, "prompt", err)
				return nil
			}
			cueEvent(EventImagePrompt, cue.Index)

			art, err := p.deps.Images.Generate(call, prompt, imagesDir, fmt.Sprintf("image_%d", cue.Index))
			if err != nil {
				skip(cue.Index, "image", err)
				return nil
			}
			mu.Lock()
			images[cue.Index] = art.Path
			mu.Unlock()
			cueEvent(EventImage, cue.Index)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return images, nil
}
