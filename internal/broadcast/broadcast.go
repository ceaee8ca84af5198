// Package broadcast fans out recording-engine events to subscribed client
// connections as line-delimited JSON. It exclusively owns the
// subscription map; client connection lifetime is owned by the socket
// server.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"stenod/internal/proto"
)

// Sink is the per-connection write capability the broadcaster targets.
// The socket server's connection type implements this.
type Sink interface {
	WriteLine(data []byte) error
}

type subscription struct {
	sink  Sink
	kinds map[proto.EventKind]bool // empty/nil means "all kinds"
}

// Broadcaster holds the subscription map and performs best-effort,
// single-pass, no-queue fan-out. It never buffers per client: a write
// failure removes that subscription immediately.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*subscription)}
}

// Subscribe registers or replaces a client's subscription. An empty or
// nil kinds list means "all kinds".
func (b *Broadcaster) Subscribe(clientID string, sink Sink, kinds []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := make(map[proto.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[proto.EventKind(k)] = true
	}
	b.subs[clientID] = &subscription{sink: sink, kinds: set}
}

// Unsubscribe forgets a client's subscription. Called by the socket
// server's client_disconnected callback; idempotent.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, clientID)
}

// Broadcast classifies ev to one EventKind, encodes it once, and writes it
// to every subscriber whose filter includes that kind. A write failure
// removes that subscription. Calls that do not overlap reach each
// subscriber in the order Broadcast was called, so events emitted one
// after another from the same goroutine keep their order. The engine calls
// Broadcast from several goroutines (finalize drain, per-source recognizer
// loops, level ticker); frames are written outside the lock, so calls that
// overlap are not ordered against each other.
func (b *Broadcaster) Broadcast(ev proto.Event) {
	kind := classify(ev)

	frame, err := json.Marshal(ev)
	if err != nil {
		log.Printf("broadcast: encode event: %v", err)
		return
	}
	frame = append(frame, '\n')

	b.mu.Lock()
	targets := make(map[string]Sink)
	for id, sub := range b.subs {
		if len(sub.kinds) == 0 || sub.kinds[kind] {
			targets[id] = sub.sink
		}
	}
	b.mu.Unlock()

	var dead []string
	for id, sink := range targets {
		if err := sink.WriteLine(frame); err != nil {
			dead = append(dead, id)
		}
	}

	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dead {
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

func classify(ev proto.Event) proto.EventKind {
	switch proto.EventKind(ev.Event) {
	case proto.EventPartial, proto.EventLevel, proto.EventSegment, proto.EventTopics,
		proto.EventStatus, proto.EventModelProcessing, proto.EventError:
		return proto.EventKind(ev.Event)
	default:
		return proto.EventKind(fmt.Sprintf("unknown:%s", ev.Event))
	}
}
