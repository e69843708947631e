package transcribe

import (
	"context"
	"time"

	"flashback/core/apperr"
	"flashback/logger"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 30
)

// Poller resolves a submitted job by fetching its status at a fixed interval.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewPoller fills zero values with the defaults.
func NewPoller(interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Poller{Interval: interval, MaxAttempts: maxAttempts}
}

// Resolve returns the finished transcript of job.
//
// A done status ends polling with the transcript, an error status ends it with
// an *apperr.AdapterError carrying the upstream message, and any other status
// waits Interval before the next fetch. After MaxAttempts fetches without a
// terminal status it returns an *apperr.TimeoutError. Cancellation is observed
// before every fetch and during every wait; a fetch already in flight is left
// to its own deadline.
func (p *Poller) Resolve(ctx context.Context, client Client, job Job) (*Transcript, error) {
	if job.Transcript != nil {
		return job.Transcript, nil
	}

	timer := time.NewTimer(p.Interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, err := client.Fetch(context.WithoutCancel(ctx), job.ID)
		if err != nil {
			return nil, err
		}

		switch status.State {
		case StateDone:
			logger.Debug("transcription done",
				logger.String("jobId", job.ID),
				logger.Int("attempts", attempt))
			t := status.Transcript
			if t == nil {
				t = &Transcript{}
			}
			if t.JobID == "" {
				t.JobID = job.ID
			}
			return t, nil
		case StateError:
			return nil, &apperr.AdapterError{
				Service: "transcription",
				Op:      "job " + job.ID,
				Message: status.Message,
			}
		}

		if attempt == p.MaxAttempts {
			break
		}

		timer.Reset(p.Interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, &apperr.TimeoutError{Op: "transcription job " + job.ID, Attempts: p.MaxAttempts}
}
