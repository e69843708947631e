// Package pipeline runs the per-chapter stages that turn a stored task into
// narrated videos and reports progress while doing so.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"flashback/core/agent"
	"flashback/core/apperr"
	"flashback/core/imagegen"
	"flashback/core/speech"
	"flashback/core/transcribe"
	"flashback/core/utils"
	"flashback/core/video"
	"flashback/logger"
	"flashback/model"
)

// Range defaults for a request that leaves them out.
const (
	DefaultStartChapter = 0
	DefaultEndChapter   = 3
)

// TaskStore is the record store as the pipeline sees it.
type TaskStore interface {
	GetChapters(ctx context.Context, id string) ([]model.Chapter, error)
	UpdateStatus(ctx context.Context, id, status string) (bool, error)
	StoreProcessedChapter(ctx context.Context, pc *model.ProcessedChapter) error
}

type ScriptWriter interface {
	Write(ctx context.Context, ct agent.ContentType, chapter model.Chapter) (string, error)
}

type ImagePrompter interface {
	Prompt(ctx context.Context, text string) (string, error)
}

type Assembler interface {
	Assemble(ctx context.Context, in video.Input) (*video.Output, error)
}

// Uploader stores a local file durably and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectKey, contentType string) (string, error)
}

// Deps are the collaborators of a pipeline. Recorder is optional.
type Deps struct {
	Store       TaskStore
	Scripts     ScriptWriter
	Speech      speech.Synthesizer
	Transcriber transcribe.Client
	Poller      *transcribe.Poller
	Prompter    ImagePrompter
	Images      imagegen.Generator
	Assembler   Assembler
	Uploader    Uploader
	Recorder    ProgressRecorder
}

// Config tunes a pipeline.
type Config struct {
	ArtifactsDir     string
	Language         string
	ImageConcurrency int
	// UploadVideos also stores each final video through the Uploader.
	UploadVideos bool
}

// Request selects the chapters of a task to process. The range is inclusive.
type Request struct {
	TaskID       string            `json:"task_id" validate:"required,max=64"`
	ContentType  agent.ContentType `json:"content_type"`
	StartChapter int               `json:"start_chapter" validate:"gte=0"`
	EndChapter   int               `json:"end_chapter" validate:"gtefield=StartChapter"`
}

// Pipeline is safe for concurrent runs on different tasks.
type Pipeline struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: task store is required")
	case deps.Scripts == nil, deps.Speech == nil, deps.Transcriber == nil,
		deps.Prompter == nil, deps.Images == nil, deps.Assembler == nil:
		return nil, errors.New("pipeline: every generation adapter is required")
	case deps.Uploader == nil:
		return nil, errors.New("pipeline: uploader is required")
	}
	if deps.Poller == nil {
		deps.Poller = transcribe.NewPoller(0, 0)
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = "artifacts"
	}
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = 3
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Run processes the requested chapters in order and sends exactly one
// terminal event. The returned error is the reason for a terminal error
// event, or nil when the run completed.
func (p *Pipeline) Run(ctx context.Context, req Request, sink Sink) error {
	em := &emitter{taskID: req.TaskID, sink: sink, recorder: p.deps.Recorder}
	defer em.close()

	start := time.Now()
	completed, err := p.run(ctx, req, em)
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if ctx.Err() != nil && !apperr.IsFatal(err) {
			err = fmt.Errorf("processing cancelled: %w", ctx.Err())
		}
		logger.Error("Task run failed",
			logger.TaskID(req.TaskID),
			logger.String("kind", apperr.Kind(err)),
			logger.Duration("elapsed", time.Since(start)),
			logger.ErrorField(err))
		if !errors.Is(err, apperr.ErrTaskNotFound) && !apperr.IsValidation(err) {
			p.setStatus(bg, req.TaskID, model.TaskStatusFailed)
		}
		em.emit(ctx, Event{Status: StatusError, Message: err.Error()})
		return err
	}

	p.setStatus(bg, req.TaskID, model.TaskStatusCompleted)
	logger.Info("Task run completed",
		logger.TaskID(req.TaskID),
		logger.Int("chapters", completed),
		logger.Duration("elapsed", time.Since(start)))
	em.emit(ctx, Event{Status: StatusCompleted, Message: fmt.Sprintf("%d chapter(s) processed successfully", completed)})
	return nil
}

// run returns the number of completed chapters.
func (p *Pipeline) run(ctx context.Context, req Request, em *emitter) (int, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return 0, err
	}

	chapters, err := p.deps.Store.GetChapters(ctx, req.TaskID)
	if err != nil {
		return 0, &apperr.FatalTaskError{TaskID: req.TaskID, Reason: "record store unavailable", Err: err}
	}
	if len(chapters) == 0 {
		return 0, &apperr.FatalTaskError{TaskID: req.TaskID, Reason: "no chapters", Err: apperr.ErrTaskNotFound}
	}

	first, last, err := SelectRange(len(chapters), req.StartChapter, req.EndChapter)
	if err != nil {
		return 0, err
	}
	// Only a run that will actually start replaces the previous history.
	em.begin(ctx)
	if _, err := p.deps.Store.UpdateStatus(ctx, req.TaskID, model.TaskStatusProcessing); err != nil {
		return 0, &apperr.FatalTaskError{TaskID: req.TaskID, Reason: "record store unavailable", Err: err}
	}

	total := last - first + 1
	logger.Info("Task run started",
		logger.TaskID(req.TaskID),
		logger.String("contentType", string(req.ContentType)),
		logger.Int("first", first),
		logger.Int("last", last))

	completed, failed := 0, 0
	for idx := first; idx <= last; idx++ {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		chapter := chapters[idx]
		ev := chapterEvent(StatusProcessing, idx)
		ev.TotalChapters = total
		em.emit(ctx, ev)

		res, err := p.runChapter(ctx, req, idx, chapter, em)
		if err != nil {
			if ctx.Err() != nil {
				p.storeChapter(ctx, req.TaskID, idx, chapter, res, err)
				return completed, err
			}
			if apperr.IsFatal(err) {
				return completed, err
			}
			failed++
			logger.Warn("Chapter failed",
				logger.TaskID(req.TaskID),
				logger.Chapter(idx),
				logger.String("kind", apperr.Kind(err)),
				logger.ErrorField(err))
			if serr := p.storeChapter(ctx, req.TaskID, idx, chapter, res, err); serr != nil {
				return completed, serr
			}
			ev := chapterEvent(StatusChapterError, idx)
			ev.ChapterTitle = chapter.Title
			ev.Message = err.Error()
			em.emit(ctx, ev)
			continue
		}

		if serr := p.storeChapter(ctx, req.TaskID, idx, chapter, res, nil); serr != nil {
			return completed, serr
		}
		completed++
		ev = chapterEvent(StatusChapterComplete, idx)
		ev.ChapterTitle = chapter.Title
		ev.VideoPath = res.videoPath
		ev.VideoURL = res.videoURL
		em.emit(ctx, ev)
	}

	if completed == 0 && failed > 0 {
		return 0, fmt.Errorf("none of the %d selected chapter(s) could be processed", failed)
	}
	return completed, nil
}

// SelectRange clamps an inclusive request range to n chapters.
func SelectRange(n, start, end int) (int, int, error) {
	if start < 0 || start >= n {
		return 0, 0, apperr.Invalid("start_chapter", "%d is out of range, task has %d chapter(s)", start, n)
	}
	if end < start {
		return 0, 0, apperr.Invalid("end_chapter", "%d is before start_chapter %d", end, start)
	}
	if end > n-1 {
		end = n - 1
	}
	return start, end, nil
}

func (p *Pipeline) setStatus(ctx context.Context, taskID, status string) {
	changed, err := p.deps.Store.UpdateStatus(ctx, taskID, status)
	if err != nil {
		logger.Error("Failed to update task status",
			logger.TaskID(taskID),
			logger.String("status", status),
			logger.ErrorField(err))
		return
	}
	if !changed {
		logger.Debug("Task status left unchanged", logger.TaskID(taskID), logger.String("status", status))
	}
}

func (p *Pipeline) storeChapter(ctx context.Context, taskID string, idx int, chapter model.Chapter, res *chapterResult, runErr error) error {
	pc := &model.ProcessedChapter{
		TaskID:       taskID,
		ChapterIndex: idx,
		Title:        chapter.Title,
		Status:       model.ChapterStatusCompleted,
	}
	if res != nil {
		pc.Script = res.script
		pc.AudioURL = res.audioURL
		pc.VideoPath = res.videoPath
		pc.VideoURL = res.videoURL
		pc.Segments = res.segments
		pc.SkippedCues = res.skipped
	}
	if runErr != nil {
		pc.Status = model.ChapterStatusFailed
		pc.ErrorKind = apperr.Kind(runErr)
		pc.Error = runErr.Error()
	}
	if err := p.deps.Store.StoreProcessedChapter(context.WithoutCancel(ctx), pc); err != nil {
		return &apperr.FatalTaskError{TaskID: taskID, Reason: "record store unavailable", Err: err}
	}
	return nil
}

func (p *Pipeline) taskDir(taskID string) string {
	return filepath.Join(p.cfg.ArtifactsDir, taskID)
}
