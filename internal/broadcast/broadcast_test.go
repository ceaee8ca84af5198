package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"stenod/internal/proto"
)

// recordingSink collects every line written to it; failAfter makes WriteLine
// fail once the recorded count reaches that value.
type recordingSink struct {
	mu        sync.Mutex
	lines     [][]byte
	failAfter int // -1 disables
}

func newRecordingSink() *recordingSink { return &recordingSink{failAfter: -1} }

func (s *recordingSink) WriteLine(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.lines) >= s.failAfter {
		return errors.New("write failed")
	}
	cp := append([]byte(nil), data...)
	s.lines = append(s.lines, cp)
	return nil
}

func (s *recordingSink) events(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	for i, line := range s.lines {
		var ev proto.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			t.Fatalf("unmarshal frame %d: %v", i, err)
		}
		out[i] = ev.Event
	}
	return out
}

func TestBroadcastFiltersByKind(t *testing.T) {
	b := New()
	sink := newRecordingSink()
	b.Subscribe("c1", sink, []string{"segment"})

	b.Broadcast(proto.Event{Event: string(proto.EventPartial), Text: "partial"})
	b.Broadcast(proto.Event{Event: string(proto.EventSegment), Text: "hello"})

	got := sink.events(t)
	if len(got) != 1 || got[0] != "segment" {
		t.Fatalf("events = %v, want only [segment]", got)
	}
}

func TestBroadcastEmptyFilterMeansAllKinds(t *testing.T) {
	b := New()
	sink := newRecordingSink()
	b.Subscribe("c1", sink, nil)

	b.Broadcast(proto.Event{Event: string(proto.EventPartial)})
	b.Broadcast(proto.Event{Event: string(proto.EventStatus)})

	got := sink.events(t)
	if len(got) != 2 {
		t.Fatalf("events = %v, want 2", got)
	}
}

func TestBroadcastDropsSubscriberOnWriteFailure(t *testing.T) {
	b := New()
	sink := newRecordingSink()
	sink.failAfter = 0
	b.Subscribe("c1", sink, nil)

	b.Broadcast(proto.Event{Event: string(proto.EventStatus)})
	b.Broadcast(proto.Event{Event: string(proto.EventStatus)})

	b.mu.Lock()
	_, stillSubscribed := b.subs["c1"]
	b.mu.Unlock()
	if stillSubscribed {
		t.Errorf("subscription survived a write failure")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	b.Subscribe("c1", newRecordingSink(), nil)
	b.Unsubscribe("c1")
	b.Unsubscribe("c1") // must not panic
}

func TestBroadcastPreservesEmissionOrderPerSubscriber(t *testing.T) {
	b := New()
	sink := newRecordingSink()
	b.Subscribe("c1", sink, nil)

	kinds := []proto.EventKind{proto.EventStatus, proto.EventPartial, proto.EventSegment, proto.EventTopics}
	for _, k := range kinds {
		b.Broadcast(proto.Event{Event: string(k)})
	}

	got := sink.events(t)
	if len(got) != len(kinds) {
		t.Fatalf("events = %v, want %d frames", got, len(kinds))
	}
	for i, k := range kinds {
		if got[i] != string(k) {
			t.Errorf("events[%d] = %s, want %s", i, got[i], k)
		}
	}
}
