// Package caption turns raw transcription utterances into an ordered track of cues.
package caption

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MinCueDuration is the shortest visible duration a cue may have.
const MinCueDuration = 100 * time.Millisecond

// Utterance is one timed record from a finished transcription, in seconds.
type Utterance struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Cue is one timed caption unit. Index is 1-based in start-time order.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

func (c Cue) Duration() time.Duration {
	return c.End - c.Start
}

// Adjustment records a cue that was clamped or an utterance that was skipped.
type Adjustment struct {
	Index  int // cue index, 0 for skipped utterances
	Source int // position in the raw input
	Reason string
}

// Track is an immutable, time-ordered cue sequence.
type Track struct {
	cues        []Cue
	adjustments []Adjustment
}

// Cues returns a copy of the cues.
func (t *Track) Cues() []Cue {
	out := make([]Cue, len(t.cues))
	copy(out, t.cues)
	return out
}

func (t *Track) Len() int {
	return len(t.cues)
}

// Adjustments returns a copy of the clamp and skip records.
func (t *Track) Adjustments() []Adjustment {
	out := make([]Adjustment, len(t.adjustments))
	copy(out, t.adjustments)
	return out
}

// Total is the sum of cue durations.
func (t *Track) Total() time.Duration {
	var total time.Duration
	for _, c := range t.cues {
		total += c.Duration()
	}
	return total
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

type pending struct {
	source int
	start  time.Duration
	end    time.Duration
	text   string
}

// Normalize sorts utterances by start time and assigns 1-based indices.
//
// Each cue's end is extended to the next cue's start and the first cue starts
// at zero, so the cues cover the audio timeline without gaps. Overlapping
// input is kept as is. Durations below MinCueDuration are raised to it and
// recorded. Utterances with no text are skipped and recorded.
func Normalize(utterances []Utterance) (*Track, error) {
	track := &Track{}
	items := make([]pending, 0, len(utterances))

	for i, u := range utterances {
		if math.IsNaN(u.Start) || math.IsNaN(u.End) || math.IsInf(u.Start, 0) || math.IsInf(u.End, 0) {
			return nil, fmt.Errorf("utterance %d has a non-finite timestamp", i)
		}
		text := strings.Join(strings.Fields(u.Text), " ")
		if text == "" {
			track.adjustments = append(track.adjustments, Adjustment{Source: i, Reason: "skipped: empty text"})
			continue
		}
		items = append(items, pending{source: i, start: seconds(u.Start), end: seconds(u.End), text: text})
	}

	sort.SliceStable(items, func(a, b int) bool { return items[a].start < items[b].start })

	for i := range items {
		it := &items[i]
		index := i + 1
		if it.start < 0 {
			it.start = 0
		}
		if i == 0 && it.start > 0 {
			it.start = 0
		}
		if it.end-it.start < MinCueDuration {
			track.adjustments = append(track.adjustments, Adjustment{
				Index:  index,
				Source: it.source,
				Reason: fmt.Sprintf("clamped: duration %v below minimum %v", it.end-it.start, MinCueDuration),
			})
			it.end = it.start + MinCueDuration
		}
	}

	for i := 0; i+1 < len(items); i++ {
		if next := items[i+1].start; next > items[i].end {
			items[i].end = next
		}
	}

	track.cues = make([]Cue, len(items))
	for i, it := range items {
		track.cues[i] = Cue{Index: i + 1, Start: it.start, End: it.end, Text: it.text}
	}
	return track, nil
}

// FormatSeconds renders d with millisecond precision, the way ffmpeg expects it.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
