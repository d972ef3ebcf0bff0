package ankicache

import "time"

// EventKind distinguishes build events.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventStats    EventKind = "stats"
	EventError    EventKind = "error"
)

// Progress reports token batches committed so far.
type Progress struct {
	Current   int           `json:"current"`
	Total     int           `json:"total"`
	StartedAt time.Time     `json:"started_at"`
	ETA       time.Duration `json:"eta"`
}

// Stats summarizes a finished build.
type Stats struct {
	Tracks            []int         `json:"tracks"`
	SkippedTracks     []int         `json:"skipped_tracks,omitempty"`
	ClearedTracks     []int         `json:"cleared_tracks,omitempty"`
	ClearedCards      int64         `json:"cleared_cards"`
	ModifiedCards     int           `json:"modified_cards"`
	ProcessedCards    int           `json:"processed_cards"`
	SuspensionChanges int64         `json:"suspension_changes"`
	OrphanedCards     int64         `json:"orphaned_cards"`
	Duration          time.Duration `json:"duration"`
}

// Event is one entry of the build status stream. ModifiedTokens is the set of tokens and
// lemmas touched so far and only grows over the stream. The final stats or error event
// also carries the lemma fan-out.
type Event struct {
	Kind           EventKind   `json:"kind"`
	Progress       *Progress   `json:"progress,omitempty"`
	Stats          *Stats      `json:"stats,omitempty"`
	Error          *BuildError `json:"error,omitempty"`
	ModifiedTokens []string    `json:"modified_tokens,omitempty"`
}

// Sink receives build events in order.
type Sink func(Event)

// Collect returns a Sink appending to events.
func Collect(events *[]Event) Sink {
	return func(e Event) { *events = append(*events, e) }
}
