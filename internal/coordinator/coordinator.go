// Package coordinator decides when to invoke the summarizer (count and
// elapsed-time triggers), persists the topics it returns, and emits
// topics_updated. It owns its mutable per-session state exclusively.
package coordinator

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"stenod/internal/store"
	"stenod/internal/summarizer"
)

// Config holds the two triggers plus the model identity recorded on each
// run's Summary audit row.
type Config struct {
	TriggerCount  int           // newly-finalized segments since last run
	TimeThreshold time.Duration // elapsed since last run
	ModelID       string
}

// DefaultConfig matches the documented defaults: 10 segments or 120s.
func DefaultConfig() Config {
	return Config{TriggerCount: 10, TimeThreshold: 120 * time.Second, ModelID: "heuristic"}
}

// Coordinator is a single-session actor: every method call is serialized
// through its mutex so state mutation is linearizable without leaking the
// lock across goroutine boundaries.
type Coordinator struct {
	db  *store.DB
	sum summarizer.Summarizer
	cfg Config

	onTopicsUpdated   func(sessionID string, topics []store.Topic)
	onModelProcessing func(sessionID string, processing bool)

	mu           sync.Mutex
	sessionID    string
	pending      int
	lastRun      time.Time
	running      bool
	rerunPending bool
	segmentsSeen []store.Segment    // not yet handed to a run; an unavailable/rate_limited run puts its batch back
	doneCh       chan struct{}      // closed when the in-flight run completes
	runCancel    context.CancelFunc // cancels the in-flight run's context; nil when none is running
}

// New builds a Coordinator. onTopicsUpdated and onModelProcessing are
// called synchronously from the coordinator's own goroutines; callers
// must not block in them.
func New(db *store.DB, sum summarizer.Summarizer, cfg Config, onTopicsUpdated func(string, []store.Topic), onModelProcessing func(string, bool)) *Coordinator {
	return &Coordinator{
		db:                db,
		sum:               sum,
		cfg:               cfg,
		onTopicsUpdated:   onTopicsUpdated,
		onModelProcessing: onModelProcessing,
	}
}

// StartSession resets per-session state for a newly-started session.
func (c *Coordinator) StartSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.pending = 0
	c.lastRun = time.Now()
	c.running = false
	c.rerunPending = false
	c.segmentsSeen = nil
	c.doneCh = nil
	c.runCancel = nil
}

// SegmentFinalized is called once per newly-persisted segment. It
// increments the pending count and launches a summarization run if either
// trigger fires and none is already running for this session.
func (c *Coordinator) SegmentFinalized(seg store.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seg.SessionID != c.sessionID {
		return
	}

	c.pending++
	c.segmentsSeen = append(c.segmentsSeen, seg)

	countFired := c.pending >= c.cfg.TriggerCount
	timeFired := time.Since(c.lastRun) >= c.cfg.TimeThreshold
	if !countFired && !timeFired {
		return
	}

	if c.running {
		c.rerunPending = true
		return
	}

	c.launchRun()
}

// launchRun must be called with c.mu held; it starts a run in a new
// goroutine and returns immediately.
func (c *Coordinator) launchRun() {
	sessionID := c.sessionID
	segments := append([]store.Segment{}, c.segmentsSeen...)
	c.segmentsSeen = nil
	c.running = true
	c.doneCh = make(chan struct{})
	done := c.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	c.runCancel = cancel

	go c.run(ctx, sessionID, segments, done)
}

func (c *Coordinator) run(ctx context.Context, sessionID string, segments []store.Segment, done chan struct{}) {
	defer close(done)

	if c.onModelProcessing != nil {
		c.onModelProcessing(sessionID, true)
	}
	defer func() {
		if c.onModelProcessing != nil {
			c.onModelProcessing(sessionID, false)
		}
	}()

	previous, err := c.db.TopicsFor(sessionID)
	if err != nil {
		log.Printf("coordinator: load previous topics for %s: %v", sessionID, err)
		previous = nil
	}

	topics, err := c.sum.Summarize(ctx, sessionID, segments, previous)

	c.mu.Lock()
	canceled := ctx.Err() != nil
	c.running = false
	c.runCancel = nil
	rerun := c.rerunPending
	c.rerunPending = false
	if !canceled {
		if err == nil {
			c.pending = 0
			c.lastRun = time.Now()
		} else if se, ok := err.(*summarizer.Error); ok {
			switch se.Kind {
			case summarizer.ErrUnavailable, summarizer.ErrRateLimited:
				// Re-arm the time trigger; keep the pending count and the
				// accumulated segments so the retry has the full picture.
				c.lastRun = time.Now()
				c.segmentsSeen = append(segments, c.segmentsSeen...)
			case summarizer.ErrInvalidOutput:
				c.pending = 0
				c.lastRun = time.Now()
			}
		}
	}
	shouldRelaunch := rerun && !c.running && !canceled
	if shouldRelaunch {
		c.launchRun()
	}
	c.mu.Unlock()

	if canceled {
		log.Printf("coordinator: summarize session %s canceled by shutdown", sessionID)
		return
	}

	if err != nil {
		log.Printf("coordinator: summarize session %s: %v", sessionID, err)
		return
	}

	if err := c.db.SaveTopicsReplacing(sessionID, topics); err != nil {
		log.Printf("coordinator: save topics for %s: %v", sessionID, err)
		return
	}

	if len(segments) > 0 {
		if err := c.db.SaveSummary(rollingSummary(sessionID, c.cfg.ModelID, segments, topics)); err != nil {
			log.Printf("coordinator: save summary audit row for %s: %v", sessionID, err)
		}
	}

	if c.onTopicsUpdated != nil {
		c.onTopicsUpdated(sessionID, topics)
	}
}

// rollingSummary builds the audit row recording which segment range fed
// this run's topic extraction and what the run produced.
func rollingSummary(sessionID, modelID string, segments []store.Segment, topics []store.Topic) store.Summary {
	lo, hi := segments[0].SequenceNumber, segments[0].SequenceNumber
	for _, s := range segments[1:] {
		if s.SequenceNumber < lo {
			lo = s.SequenceNumber
		}
		if s.SequenceNumber > hi {
			hi = s.SequenceNumber
		}
	}

	var content strings.Builder
	for i, t := range topics {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString(t.Title)
		content.WriteString(": ")
		content.WriteString(t.Summary)
	}

	return store.Summary{
		SessionID:         sessionID,
		Content:           content.String(),
		SummaryType:       store.SummaryRolling,
		SegmentRangeStart: lo,
		SegmentRangeEnd:   hi,
		ModelID:           modelID,
	}
}

// Stop awaits any in-flight summarization for the active session up to
// the given bound. Past the bound it cancels the run's context: no
// topics are persisted and topics_updated is not fired for that run.
func (c *Coordinator) Stop(bound time.Duration) {
	c.mu.Lock()
	done := c.doneCh
	running := c.running
	c.mu.Unlock()

	if !running || done == nil {
		return
	}

	select {
	case <-done:
		return
	case <-time.After(bound):
	}

	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		log.Printf("coordinator: timed out waiting for in-flight summary, canceling")
		cancel()
	}
}
