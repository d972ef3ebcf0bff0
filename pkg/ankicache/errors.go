package ankicache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/japaniel/vocabsync/pkg/anki"
	"github.com/japaniel/vocabsync/pkg/classify"
	"github.com/japaniel/vocabsync/pkg/diff"
	"github.com/japaniel/vocabsync/pkg/lease"
)

// Code classifies a build failure.
type Code string

const (
	CodePermission               Code = "permission"
	CodeDependencyUnavailable    Code = "dependency_unavailable"
	CodeConcurrentBuild          Code = "concurrent_build"
	CodeCorruptedLease           Code = "corrupted_lease"
	CodeSyncInconsistency        Code = "sync_inconsistency"
	CodeClassificationIncomplete Code = "classification_incomplete"
	CodeInternal                 Code = "internal"
)

// NoTrack marks an error not tied to a single track.
const NoTrack = -1

// BuildError is a classified build failure.
type BuildError struct {
	Code Code
	// Track is the zero-based track index, or NoTrack.
	Track   int
	Message string
	// RetryAfter is the expiry of the competing lease for CodeConcurrentBuild.
	RetryAfter time.Time
	Err        error
}

func (e *BuildError) Error() string {
	msg := e.Message
	if e.Track != NoTrack {
		msg = fmt.Sprintf("track %d: %s", e.Track+1, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *BuildError) Unwrap() error { return e.Err }

// MarshalJSON renders the error for event consumers; Track is one-based there.
func (e *BuildError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code       Code      `json:"code"`
		Track      int       `json:"track,omitempty"`
		Message    string    `json:"message"`
		RetryAfter time.Time `json:"retry_after,omitzero"`
	}{Code: e.Code, Message: e.Error(), RetryAfter: e.RetryAfter}
	if e.Track != NoTrack {
		out.Track = e.Track + 1
	}
	return json.Marshal(out)
}

// codeOf maps a pipeline error onto its taxonomy code.
func codeOf(err error) Code {
	switch {
	case errors.Is(err, anki.ErrPermissionDenied):
		return CodePermission
	case errors.Is(err, lease.ErrCorruptedLease):
		return CodeCorruptedLease
	case errors.Is(err, diff.ErrInconsistent):
		return CodeSyncInconsistency
	case errors.Is(err, classify.ErrIncomplete):
		return CodeClassificationIncomplete
	}
	return CodeInternal
}

func wrap(track int, message string, err error) *BuildError {
	var be *BuildError
	if errors.As(err, &be) {
		return be
	}
	return &BuildError{Code: codeOf(err), Track: track, Message: message, Err: err}
}
