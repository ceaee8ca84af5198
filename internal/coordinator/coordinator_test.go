package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stenod/internal/store"
	"stenod/internal/summarizer"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "steno.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newSessionID creates a real session row; topics and summaries reference
// sessions by foreign key, so coordinator runs need one to write against.
func newSessionID(t *testing.T, db *store.DB) string {
	t.Helper()
	s, err := db.CreateSession("en_US")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s.ID
}

// blockingSummarizer lets a test control exactly when Summarize returns.
type blockingSummarizer struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	topics  []store.Topic
	err     error
}

func (b *blockingSummarizer) Summarize(ctx context.Context, sessionID string, segments []store.Segment, previous []store.Topic) ([]store.Topic, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.release != nil {
		<-b.release
	}
	return b.topics, b.err
}

func (b *blockingSummarizer) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recorder struct {
	mu             sync.Mutex
	topicsUpdates  [][]store.Topic
	processingSeen []bool
}

func (r *recorder) onTopics(sessionID string, topics []store.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topicsUpdates = append(r.topicsUpdates, topics)
}

func (r *recorder) onProcessing(sessionID string, processing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processingSeen = append(r.processingSeen, processing)
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topicsUpdates)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func seg(sessionID string, n int) store.Segment {
	return store.Segment{SessionID: sessionID, SequenceNumber: n, Text: "x", Source: store.SourceMicrophone}
}

func TestCoordinatorFiresOnTriggerCount(t *testing.T) {
	db := openTestDB(t)
	sum := &summarizer.Fake{Topics: []store.Topic{{Title: "Intro", Summary: "A.", SegmentRangeStart: 1, SegmentRangeEnd: 2}}}
	rec := &recorder{}

	sid := newSessionID(t, db)
	c := New(db, sum, Config{TriggerCount: 2, TimeThreshold: time.Hour, ModelID: "test-model"}, rec.onTopics, rec.onProcessing)
	c.StartSession(sid)

	c.SegmentFinalized(seg(sid, 1))
	if sum.CallCount() != 0 {
		t.Fatalf("Summarize called after one segment, want zero")
	}
	c.SegmentFinalized(seg(sid, 2))

	waitFor(t, func() bool { return rec.updateCount() == 1 })

	topics, err := db.TopicsFor(sid)
	if err != nil {
		t.Fatalf("TopicsFor: %v", err)
	}
	if len(topics) != 1 || topics[0].Title != "Intro" {
		t.Fatalf("TopicsFor = %+v, want one Intro topic", topics)
	}

	summaries, err := db.SummariesFor(sid)
	if err != nil {
		t.Fatalf("SummariesFor: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("SummariesFor = %+v, want one audit row", summaries)
	}
	audit := summaries[0]
	if audit.SummaryType != store.SummaryRolling || audit.ModelID != "test-model" {
		t.Errorf("audit row = %+v, want rolling test-model", audit)
	}
	if audit.SegmentRangeStart != 1 || audit.SegmentRangeEnd != 2 {
		t.Errorf("audit range = [%d,%d], want [1,2]", audit.SegmentRangeStart, audit.SegmentRangeEnd)
	}
}

func TestCoordinatorIgnoresSegmentsFromOtherSessions(t *testing.T) {
	db := openTestDB(t)
	sum := &summarizer.Fake{}
	rec := &recorder{}

	c := New(db, sum, Config{TriggerCount: 1, TimeThreshold: time.Hour}, rec.onTopics, rec.onProcessing)
	c.StartSession(newSessionID(t, db))

	c.SegmentFinalized(seg("some-other-session", 1))
	time.Sleep(20 * time.Millisecond)
	if sum.CallCount() != 0 {
		t.Errorf("Summarize called for a stale session's segment")
	}
}

func TestCoordinatorCoalescesTriggersWhileRunning(t *testing.T) {
	db := openTestDB(t)
	sum := &blockingSummarizer{release: make(chan struct{}), topics: nil}
	rec := &recorder{}

	sid := newSessionID(t, db)
	c := New(db, sum, Config{TriggerCount: 1, TimeThreshold: time.Hour}, rec.onTopics, rec.onProcessing)
	c.StartSession(sid)

	c.SegmentFinalized(seg(sid, 1)) // launches run 1, blocked on release
	waitFor(t, func() bool { return sum.callCount() == 1 })

	c.SegmentFinalized(seg(sid, 2)) // fires trigger again while run 1 is in flight
	c.SegmentFinalized(seg(sid, 3)) // additional trigger, must coalesce into one follow-up

	close(sum.release)
	waitFor(t, func() bool { return sum.callCount() == 2 })

	time.Sleep(50 * time.Millisecond)
	if got := sum.callCount(); got != 2 {
		t.Errorf("Summarize called %d times, want exactly 2 (one run + one coalesced follow-up)", got)
	}
}

func TestCoordinatorRearmsOnUnavailableWithoutResettingPending(t *testing.T) {
	db := openTestDB(t)
	sum := &summarizer.Fake{Err: &summarizer.Error{Kind: summarizer.ErrUnavailable, Message: "model loading"}}
	rec := &recorder{}

	sid := newSessionID(t, db)
	c := New(db, sum, Config{TriggerCount: 1, TimeThreshold: time.Hour}, rec.onTopics, rec.onProcessing)
	c.StartSession(sid)
	c.mu.Lock()
	armedAt := c.lastRun
	c.mu.Unlock()
	c.SegmentFinalized(seg(sid, 1))

	waitFor(t, func() bool { return sum.CallCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	topics, err := db.TopicsFor(sid)
	if err != nil {
		t.Fatalf("TopicsFor: %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("TopicsFor after unavailable = %+v, want none persisted", topics)
	}
	if rec.updateCount() != 0 {
		t.Errorf("topics_updated emitted despite unavailable error")
	}

	c.mu.Lock()
	pending, lastRun := c.pending, c.lastRun
	c.mu.Unlock()
	if pending != 1 {
		t.Errorf("pending after unavailable = %d, want 1 (not reset)", pending)
	}
	if !lastRun.After(armedAt) {
		t.Errorf("time trigger not re-armed after unavailable: lastRun %v, armed at %v", lastRun, armedAt)
	}
}

func TestCoordinatorSignalsModelProcessingAroundRun(t *testing.T) {
	db := openTestDB(t)
	sum := &summarizer.Fake{Topics: []store.Topic{{Title: "T", Summary: "S", SegmentRangeStart: 1, SegmentRangeEnd: 1}}}
	rec := &recorder{}

	sid := newSessionID(t, db)
	c := New(db, sum, Config{TriggerCount: 1, TimeThreshold: time.Hour}, rec.onTopics, rec.onProcessing)
	c.StartSession(sid)
	c.SegmentFinalized(seg(sid, 1))

	waitFor(t, func() bool { return rec.updateCount() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.processingSeen) != 2 || rec.processingSeen[0] != true || rec.processingSeen[1] != false {
		t.Errorf("processingSeen = %v, want [true false]", rec.processingSeen)
	}
}

func TestCoordinatorStopAwaitsInFlightRun(t *testing.T) {
	db := openTestDB(t)
	sum := &blockingSummarizer{release: make(chan struct{})}
	rec := &recorder{}

	sid := newSessionID(t, db)
	c := New(db, sum, Config{TriggerCount: 1, TimeThreshold: time.Hour}, rec.onTopics, rec.onProcessing)
	c.StartSession(sid)
	c.SegmentFinalized(seg(sid, 1))
	waitFor(t, func() bool { return sum.callCount() == 1 })

	stopped := make(chan struct{})
	go func() {
		c.Stop(500 * time.Millisecond)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned before the in-flight run finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(sum.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return after the run completed")
	}
}

func TestCoordinatorStopGivesUpAfterBound(t *testing.T) {
	db := openTestDB(t)
	sum := &blockingSummarizer{
		release: make(chan struct{}),
		topics:  []store.Topic{{Title: "Late", Summary: "S.", SegmentRangeStart: 1, SegmentRangeEnd: 1}},
	}
	rec := &recorder{}

	sid := newSessionID(t, db)
	c := New(db, sum, Config{TriggerCount: 1, TimeThreshold: time.Hour}, rec.onTopics, rec.onProcessing)
	c.StartSession(sid)
	c.SegmentFinalized(seg(sid, 1))
	waitFor(t, func() bool { return sum.callCount() == 1 })

	start := time.Now()
	c.Stop(30 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Stop took %v, want to give up near the bound", elapsed)
	}

	// Summarize ignores ctx and blocks purely on release, so releasing it
	// now simulates the in-flight call finally returning after Stop gave
	// up and canceled its context. The run must notice the cancellation
	// and persist nothing, regardless of the (nil-error, non-empty)
	// result the summarizer produces.
	close(sum.release)

	time.Sleep(100 * time.Millisecond)
	topics, err := db.TopicsFor(sid)
	if err != nil {
		t.Fatalf("TopicsFor: %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("TopicsFor after canceled Stop = %+v, want none persisted", topics)
	}
	if rec.updateCount() != 0 {
		t.Errorf("topics_updated emitted for a run canceled by Stop")
	}
}
