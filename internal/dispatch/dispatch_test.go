package dispatch

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stenod/internal/audiosrc"
	"stenod/internal/broadcast"
	"stenod/internal/coordinator"
	"stenod/internal/engine"
	"stenod/internal/permission"
	"stenod/internal/proto"
	"stenod/internal/recognizer"
	"stenod/internal/store"
	"stenod/internal/summarizer"
)

type nopSink struct{}

func (nopSink) WriteLine(data []byte) error { return nil }

// recordingSink collects every line written to it.
type recordingSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (s *recordingSink) WriteLine(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, append([]byte(nil), data...))
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
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

func newTestDispatcher(t *testing.T) (*Dispatcher, *broadcast.Broadcaster) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "steno.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := broadcast.New()
	coord := coordinator.New(db, &summarizer.Fake{}, coordinator.Config{TriggerCount: 1000, TimeThreshold: time.Hour}, nil, nil)

	sourceFn := func(kind audiosrc.Kind, device string) audiosrc.Source { return audiosrc.NewFake(string(kind), kind) }
	recognizerFn := func() recognizer.Recognizer { return recognizer.NewFake() }
	listDevices := func() ([]string, error) { return []string{"Mic A", "Mic B"}, nil }

	e := engine.New(db, b, coord, sourceFn, recognizerFn, listDevices, permission.AlwaysGranted{}, "")
	return New(e, b, "en_US"), b
}

func TestDispatchStartStopStatus(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp, emit := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "start", Locale: "en_US"})
	if emit != nil {
		emit()
	}
	if !resp.OK || !resp.Recording || resp.SessionID == "" {
		t.Fatalf("start response = %+v", resp)
	}

	status, _ := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "status"})
	if !status.OK || !status.Recording || status.SessionID != resp.SessionID {
		t.Fatalf("status response = %+v, want recording session %s", status, resp.SessionID)
	}

	stop, stopEmit := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "stop"})
	if stopEmit != nil {
		stopEmit()
	}
	if !stop.OK || stop.Recording {
		t.Fatalf("stop response = %+v", stop)
	}

	idleStatus, _ := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "status"})
	if !idleStatus.OK || idleStatus.Recording {
		t.Fatalf("status after stop = %+v", idleStatus)
	}
}

func TestDispatchIdempotentStop(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, emit := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "stop"})
	if emit != nil {
		emit()
	}
	if !resp.OK || resp.Recording {
		t.Fatalf("stop while idle = %+v, want ok=true recording=false", resp)
	}
}

func TestDispatchDevices(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, _ := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "devices"})
	if !resp.OK || len(resp.Devices) != 2 {
		t.Fatalf("devices response = %+v", resp)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp, _ := d.Dispatch("c1", nopSink{}, proto.Command{Cmd: "frobnicate"})
	if resp.OK || resp.Error != "Unknown command: frobnicate" {
		t.Fatalf("unknown command response = %+v", resp)
	}
}

func TestDispatchSubscribeRegistersWithBroadcaster(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sink := &recordingSink{}

	resp, _ := d.Dispatch("sub", sink, proto.Command{Cmd: "subscribe", Events: []string{"status"}})
	if !resp.OK {
		t.Fatalf("subscribe response = %+v", resp)
	}

	start, startEmit := d.Dispatch("other", nopSink{}, proto.Command{Cmd: "start", Locale: "en_US"})
	if startEmit != nil {
		startEmit()
	}
	if !start.OK {
		t.Fatalf("start response = %+v", start)
	}

	waitFor(t, func() bool { return sink.count() >= 1 })
}
