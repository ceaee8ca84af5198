// Package summarizer is the pure-functional topic-extraction contract:
// given newly-finalized segments and the previously-known topics, return
// the session's complete, updated topic list.
package summarizer

import (
	"context"

	"stenod/internal/store"
)

// ErrorKind tags why Summarize failed.
type ErrorKind string

const (
	// ErrUnavailable means the model backend isn't ready; the coordinator
	// will retry on a later trigger.
	ErrUnavailable ErrorKind = "unavailable"
	// ErrRateLimited means the caller should back off.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrInvalidOutput means the model produced something unusable; the
	// coordinator skips this trigger without retry.
	ErrInvalidOutput ErrorKind = "invalid_output"
)

// Error is a tagged-variant error returned from Summarize.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Summarizer is the capability interface the rolling summary coordinator
// depends on. Implementations are not required to be deterministic. The
// returned list is the session's complete topic set: the coordinator
// stores it in place of the previous topics rather than appending to them.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID string, segments []store.Segment, previousTopics []store.Topic) ([]store.Topic, error)
}
