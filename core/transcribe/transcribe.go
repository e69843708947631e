// Package transcribe submits audio to a transcription service and resolves the
// asynchronous job into timed utterances.
package transcribe

import (
	"context"

	"flashback/core/caption"
)

// Job states reported by the service.
const (
	StateDone  = "done"
	StateError = "error"
)

// Transcript is a finished transcription.
type Transcript struct {
	JobID      string
	Utterances []caption.Utterance
}

// Job is what Submit returns: either a finished Transcript or an ID to poll.
type Job struct {
	ID         string
	Transcript *Transcript
}

// Status is one poll result.
type Status struct {
	State      string
	Transcript *Transcript // set when State is done
	Message    string      // upstream error when State is error
}

// Client is the transcription adapter.
type Client interface {
	Submit(ctx context.Context, audioURL, language string) (Job, error)
	Fetch(ctx context.Context, jobID string) (Status, error)
}
