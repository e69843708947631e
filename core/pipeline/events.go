package pipeline

import (
	"context"
	"sync"

	"flashback/logger"
)

// Event statuses sent to the caller.
const (
	StatusProcessing      = "processing"
	StatusChapterComplete = "chapter_complete"
	StatusChapterError    = "chapter_error"
	StatusCompleted       = "completed"
	StatusError           = "error"
)

// Stage event names, in the order a chapter produces them.
const (
	EventScript         = "Script of the video generated"
	EventVoiceover      = "Voiceover generated"
	EventSubtitles      = "Subtitles generated"
	EventCaptions       = "Subtitles formatted"
	EventImagePrompt    = "Image prompt generated"
	EventImage          = "Image generated"
	EventImageSkipped   = "Image skipped"
	EventVideoAssembled = "Video assembled"
)

// Event is one progress message. Chapter is the absolute chapter index.
type Event struct {
	Status        string `json:"status"`
	Chapter       *int   `json:"chapter,omitempty"`
	TotalChapters int    `json:"total_chapters,omitempty"`
	Event         string `json:"event,omitempty"`
	Cue           int    `json:"cue,omitempty"`
	ChapterTitle  string `json:"chapter_title,omitempty"`
	VideoPath     string `json:"video_path,omitempty"`
	VideoURL      string `json:"video_url,omitempty"`
	Message       string `json:"message,omitempty"`
}

// IsTerminal reports whether e ends the run.
func (e Event) IsTerminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusError
}

func chapterEvent(status string, idx int) Event {
	return Event{Status: status, Chapter: &idx}
}

// Sink receives the events of one run. Send is never called concurrently.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

// ProgressRecorder keeps a replayable copy of the events of a task.
type ProgressRecorder interface {
	Reset(ctx context.Context, taskID string) error
	Record(ctx context.Context, taskID string, event any) error
}

// emitter serializes events from the chapter loop and the image workers.
// Events reach the sink first; recording happens on a separate goroutine so a
// slow recorder never holds up the run.
type emitter struct {
	mu       sync.Mutex
	taskID   string
	sink     Sink
	recorder ProgressRecorder
	terminal bool

	// set by begin, cleared by close
	queue []Event
	wake  chan struct{}
	done  chan struct{}
}

// begin clears the recorded history of the task and starts recording the
// events emitted from now on. Without a recorder it does nothing.
func (em *emitter) begin(ctx context.Context) {
	if em.recorder == nil {
		return
	}
	// A disconnected caller must not lose the recorded history.
	rctx := context.WithoutCancel(ctx)
	if err := em.recorder.Reset(rctx, em.taskID); err != nil {
		logger.Warn("Failed to reset progress log", logger.TaskID(em.taskID), logger.ErrorField(err))
	}

	wake := make(chan struct{}, 1)
	em.mu.Lock()
	em.wake = wake
	em.done = make(chan struct{})
	em.mu.Unlock()
	go em.record(rctx, wake)
}

func (em *emitter) record(ctx context.Context, wake <-chan struct{}) {
	defer close(em.done)
	flush := func() {
		for {
			em.mu.Lock()
			batch := em.queue
			em.queue = nil
			em.mu.Unlock()
			if len(batch) == 0 {
				return
			}
			for _, e := range batch {
				if err := em.recorder.Record(ctx, em.taskID, e); err != nil {
					logger.Warn("Failed to record progress", logger.TaskID(em.taskID), logger.ErrorField(err))
				}
			}
		}
	}
	for range wake {
		flush()
	}
	flush()
}

// close waits until every queued event is recorded.
func (em *emitter) close() {
	em.mu.Lock()
	wake, done := em.wake, em.done
	em.wake = nil
	em.mu.Unlock()
	if wake == nil {
		return
	}
	close(wake)
	<-done
}

func (em *emitter) emit(ctx context.Context, e Event) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminal {
		return
	}
	if e.IsTerminal() {
		em.terminal = true
	}

	if em.sink != nil {
		if err := em.sink.Send(context.WithoutCancel(ctx), e); err != nil {
			logger.Debug("Progress event not delivered",
				logger.TaskID(em.taskID),
				logger.String("status", e.Status),
				logger.ErrorField(err))
		}
	}
	if em.wake != nil {
		em.queue = append(em.queue, e)
		select {
		case em.wake <- struct{}{}:
		default:
		}
	}
}
