package engine

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"stenod/internal/archive"
	"stenod/internal/audiosrc"
	"stenod/internal/proto"
	"stenod/internal/recognizer"
	"stenod/internal/store"
)

// atomicFloat is a lock-free float32 box, used to hold the most recent
// per-source audio level between 100ms ticker emissions.
type atomicFloat struct {
	bits uint32
}

func (f *atomicFloat) Store(v float32) { atomic.StoreUint32(&f.bits, math.Float32bits(v)) }
func (f *atomicFloat) Load() float32   { return math.Float32frombits(atomic.LoadUint32(&f.bits)) }

// pipeline is one source's audio-source-to-recognizer chain for the
// active session. It owns its source and (possibly replaced, on a
// transient-error restart) recognizer, and stop() tears both down
// idempotently.
type pipeline struct {
	kind   audiosrc.Kind
	source audiosrc.Source
	done   chan struct{} // closed by stop; unblocks the level pump

	mu       sync.Mutex
	rec      recognizer.Recognizer
	stopOnce sync.Once
}

func (p *pipeline) currentRecognizer() recognizer.Recognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec
}

func (p *pipeline) setRecognizer(r recognizer.Recognizer) {
	p.mu.Lock()
	p.rec = r
	p.mu.Unlock()
}

// stop tears down the level pump, the recognizer, then the source;
// idempotent so the engine can call it unconditionally during Stop and
// during a failed startPipelines rollback.
func (p *pipeline) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if r := p.currentRecognizer(); r != nil {
			r.Stop()
		}
		p.source.Stop()
	})
}

// startPipelines builds one pipeline per requested source kind, rolling
// back everything already started if any source or recognizer fails to
// come up.
func (e *Engine) startPipelines(sessionID, locale, device string, systemAudio bool) ([]*pipeline, error) {
	kinds := []audiosrc.Kind{audiosrc.KindMicrophone}
	if systemAudio {
		kinds = append(kinds, audiosrc.KindSystemAudio)
	}

	var pipelines []*pipeline
	for _, kind := range kinds {
		p, err := e.startPipeline(sessionID, locale, device, kind)
		if err != nil {
			for _, pp := range pipelines {
				pp.stop()
			}
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func (e *Engine) startPipeline(sessionID, locale, device string, kind audiosrc.Kind) (*pipeline, error) {
	src := e.sourceFn(kind, device)
	stream, format, err := src.Start()
	if err != nil {
		return nil, fmt.Errorf("start %s source: %w", kind, err)
	}

	p := &pipeline{kind: kind, source: src, done: make(chan struct{})}

	bridged := make(chan []float32, 64)
	go e.pumpLevel(kind, stream, bridged, e.currentArchive(), p.done)

	rec := e.recognizerFn()
	recFormat := recognizer.Format{SampleRate: format.SampleRate, Channels: format.Channels}
	recOut, err := rec.Start(bridged, recFormat, locale)
	if err != nil {
		p.stop()
		return nil, fmt.Errorf("start %s recognizer: %w", kind, err)
	}
	p.setRecognizer(rec)

	e.pipelineWG.Add(1)
	go func() {
		defer e.pipelineWG.Done()
		e.runRecognizer(sessionID, kind, p, bridged, recOut, recFormat, locale)
	}()

	return p, nil
}

// pumpLevel forwards every buffer from a source's stream onward to the
// recognizer's input while updating the source's held level from its RMS
// and, if arch is non-nil, archiving the buffer. It closes out when in
// closes (so the recognizer observes end-of-stream) or when done is
// closed, which keeps the pump from blocking on a full out once the
// recognizer has stopped consuming.
func (e *Engine) pumpLevel(kind audiosrc.Kind, in <-chan []float32, out chan<- []float32, arch *archive.Writer, done <-chan struct{}) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case samples, ok := <-in:
			if !ok {
				return
			}
			e.setLevel(kind, rms(samples))
			if arch != nil {
				if err := arch.Write(samples); err != nil {
					log.Printf("engine: archive write: %v", err)
				}
			}
			select {
			case out <- samples:
			case <-done:
				return
			}
		}
	}
}

func (e *Engine) setLevel(kind audiosrc.Kind, v float32) {
	if kind == audiosrc.KindMicrophone {
		e.micLevel.Store(v)
	} else {
		e.sysLevel.Store(v)
	}
}

func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// runRecognizer drains one pipeline's recognizer event stream, persisting
// finalized segments and relaying partials, for as long as the pipeline
// lives. A transient error triggers one in-place restart; a second
// transient error within restartWindow, or any non-transient error,
// escalates to a full session stop.
func (e *Engine) runRecognizer(sessionID string, kind audiosrc.Kind, p *pipeline, bridged chan []float32, out <-chan recognizer.Event, format recognizer.Format, locale string) {
	var lastTransient time.Time

	for {
		ev, ok := <-out
		if !ok {
			return
		}

		switch ev.Kind {
		case recognizer.Partial:
			e.broadcaster.Broadcast(proto.Event{Event: string(proto.EventPartial), Text: ev.Text, Source: string(kind)})

		case recognizer.Final:
			e.enqueueFinalize(sessionID, kind, ev)

		case recognizer.RecognizerError:
			now := time.Now()
			withinWindow := !lastTransient.IsZero() && now.Sub(lastTransient) < restartWindow

			if ev.Transient && !withinWindow {
				lastTransient = now
				if newOut, err := e.restartRecognizer(p, bridged, format, locale); err == nil {
					out = newOut
					continue
				}
			}

			// escalate calls Stop, which waits on pipelineWG for this very
			// goroutine; it must run on its own goroutine after we return.
			go e.escalate(fmt.Sprintf("%s recognizer failed: %s", kind, ev.Message))
			return
		}
	}
}

// restartRecognizer stops the pipeline's current recognizer and starts a
// fresh one over the same bridged buffer stream. Transient errors get one
// such in-place restart before escalating.
func (e *Engine) restartRecognizer(p *pipeline, bridged chan []float32, format recognizer.Format, locale string) (<-chan recognizer.Event, error) {
	if old := p.currentRecognizer(); old != nil {
		old.Stop()
	}

	rec := e.recognizerFn()
	out, err := rec.Start(bridged, format, locale)
	if err != nil {
		return nil, fmt.Errorf("restart recognizer: %w", err)
	}
	p.setRecognizer(rec)
	return out, nil
}

// finalizeRequest is one pipeline's finalized segment, queued for the
// engine's single finalize-drain goroutine so that sequence assignment,
// persistence, and broadcast happen in one serialized order across
// however many source pipelines are concurrently active.
type finalizeRequest struct {
	sessionID string
	kind      audiosrc.Kind
	ev        recognizer.Event
}

// enqueueFinalize hands a finalized segment to the drain goroutine. It is
// called from each pipeline's own runRecognizer goroutine, so multiple
// sources can enqueue concurrently; only their arrival order at the
// channel, not a shared lock, need be correct from here on.
func (e *Engine) enqueueFinalize(sessionID string, kind audiosrc.Kind, ev recognizer.Event) {
	e.mu.Lock()
	ch := e.finalizeCh
	e.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- finalizeRequest{sessionID: sessionID, kind: kind, ev: ev}
}

// drainFinalize is the engine's single finalize-processing actor: for as
// long as the channel is open, it is the only goroutine that assigns
// sequence numbers, persists segments, and broadcasts segment_finalized,
// so two concurrent source pipelines can never interleave out of order.
func (e *Engine) drainFinalize(ch chan finalizeRequest, done chan struct{}) {
	defer close(done)
	for req := range ch {
		e.processFinalize(req)
	}
}

// processFinalize assigns the next dense sequence number, persists the
// segment, emits segment_finalized, and notifies the rolling summary
// coordinator - in that order, so the event never precedes persistence,
// and always in the order requests arrived at the finalize channel.
func (e *Engine) processFinalize(req finalizeRequest) {
	seg := store.Segment{
		SessionID:      req.sessionID,
		Text:           req.ev.Text,
		StartedAt:      req.ev.StartedAt,
		EndedAt:        req.ev.EndedAt,
		Confidence:     req.ev.Confidence,
		SequenceNumber: e.nextSequence(),
		Source:         store.Source(req.kind),
	}

	if err := e.db.AppendSegment(seg); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			log.Panicf("engine: duplicate sequence number for session %s: %v", req.sessionID, err)
		}
		log.Printf("engine: append segment: %v", err)
		// escalate calls Stop, which waits for this very drain goroutine
		// to exit; running it inline here would deadlock, so it runs on
		// its own goroutine instead.
		go e.escalate(fmt.Sprintf("storage failure: %v", err))
		return
	}

	e.broadcaster.Broadcast(proto.Event{
		Event:          string(proto.EventSegment),
		Text:           seg.Text,
		Source:         string(seg.Source),
		SessionID:      req.sessionID,
		SequenceNumber: seg.SequenceNumber,
	})

	e.coordinator.SegmentFinalized(seg)
}

// startLevelTicker emits at most one audio_level event per 100ms while
// recording, holding the most recent per-source value between ticks.
func (e *Engine) startLevelTicker() {
	stop := make(chan struct{})
	e.tickerStop = stop

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.broadcaster.Broadcast(proto.Event{
					Event: string(proto.EventLevel),
					Mic:   e.micLevel.Load(),
					Sys:   e.sysLevel.Load(),
				})
			}
		}
	}()
}

func (e *Engine) stopLevelTicker() {
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerStop = nil
	}
}
