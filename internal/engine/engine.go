// Package engine is the recording engine: the state machine that wires
// the audio source, recognizer, repository, and rolling summary
// coordinator together, owns the active session, and emits events to the
// broadcaster.
package engine

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"stenod/internal/archive"
	"stenod/internal/audiosrc"
	"stenod/internal/broadcast"
	"stenod/internal/coordinator"
	"stenod/internal/permission"
	"stenod/internal/proto"
	"stenod/internal/recognizer"
	"stenod/internal/store"
)

// State is one of the five recording-engine states.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// SourceFactory builds a concrete audio Source for a kind and device
// selector. The engine never imports a capture backend directly.
type SourceFactory func(kind audiosrc.Kind, deviceID string) audiosrc.Source

// RecognizerFactory builds a fresh Recognizer instance; the engine calls
// it once per source per session (and again on in-place restart).
type RecognizerFactory func() recognizer.Recognizer

// DeviceLister enumerates available capture devices by name.
type DeviceLister func() ([]string, error)

// Status is the engine's externally-queryable snapshot.
type Status struct {
	State       State
	SessionID   string
	Recording   bool
	Segments    int
	Device      string
	SystemAudio bool
}

// stopGraceTimeout bounds how long Stop waits for the coordinator's
// in-flight summary before moving on.
const stopGraceTimeout = 5 * time.Second

// restartWindow is how long a second transient recognizer error must fall
// within the first to be escalated to non-transient.
const restartWindow = 5 * time.Second

// Engine is the single serialized actor owning current-session state: all
// public methods take the lock, so callers never observe a half-applied
// transition.
type Engine struct {
	db           *store.DB
	broadcaster  *broadcast.Broadcaster
	coordinator  *coordinator.Coordinator
	sourceFn     SourceFactory
	recognizerFn RecognizerFactory
	listDevices  DeviceLister
	permissions  permission.Checker
	baseDir      string // "" disables the session audio archive

	mu          sync.Mutex
	state       State
	sessionID   string
	seq         int
	device      string
	systemAudio bool

	pipelines []*pipeline
	archive   *archive.Writer

	finalizeCh   chan finalizeRequest
	finalizeDone chan struct{}
	pipelineWG   sync.WaitGroup

	micLevel   atomicFloat
	sysLevel   atomicFloat
	tickerStop chan struct{}
}

// New builds an idle Engine. permissions is consulted once at the start of
// every Start call; pass permission.AlwaysGranted{} on platforms with
// nothing to check. baseDir enables the per-session MP3 archive under
// <baseDir>/sessions/<id>/audio.mp3; pass "" to disable it.
func New(db *store.DB, b *broadcast.Broadcaster, c *coordinator.Coordinator, sourceFn SourceFactory, recognizerFn RecognizerFactory, listDevices DeviceLister, permissions permission.Checker, baseDir string) *Engine {
	return &Engine{
		db:           db,
		broadcaster:  b,
		coordinator:  c,
		sourceFn:     sourceFn,
		recognizerFn: recognizerFn,
		listDevices:  listDevices,
		permissions:  permissions,
		baseDir:      baseDir,
		state:        StateIdle,
	}
}

// Status returns a snapshot of the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:       e.state,
		SessionID:   e.sessionID,
		Recording:   e.state == StateRecording,
		Segments:    e.seq,
		Device:      e.device,
		SystemAudio: e.systemAudio,
	}
}

// CurrentSession returns the active session id, or "" when idle.
func (e *Engine) CurrentSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// SegmentCount returns how many segments the active session has finalized.
func (e *Engine) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// CurrentDevice returns the device selector the active session was started
// with.
func (e *Engine) CurrentDevice() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// IsSystemAudioEnabled reports whether the active session also captures
// system audio.
func (e *Engine) IsSystemAudioEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemAudio
}

// AvailableDevices lists capture device names.
func (e *Engine) AvailableDevices() ([]string, error) {
	return e.listDevices()
}

// Start transitions idle -> starting -> recording. Failing fast when
// already recording, per the "already_recording" contract. The returned
// emit, if non-nil, broadcasts the event this call causes; callers that
// owe a reply to the command that triggered Start must write that reply
// before invoking emit, so the event never precedes it on the same
// connection.
func (e *Engine) Start(locale, device string, systemAudio bool) (sessionID string, emit func(), err error) {
	e.mu.Lock()
	if e.state == StateRecording || e.state == StateStarting {
		e.mu.Unlock()
		return "", nil, fmt.Errorf("already_recording")
	}
	e.state = StateStarting
	e.mu.Unlock()

	if locale == "" {
		locale = "en_US"
	}

	if e.permissions != nil {
		if err := e.permissions.Check(); err != nil {
			return "", e.rollbackStart(nil, err), err
		}
	}

	session, err := e.db.CreateSession(locale)
	if err != nil {
		return "", e.rollbackStart(nil, fmt.Errorf("create session: %w", err)), err
	}

	var arch *archive.Writer
	if e.baseDir != "" {
		dir := filepath.Join(e.baseDir, "sessions", session.ID)
		a, archErr := archive.New(dir, audiosrc.Standard16kMono.SampleRate)
		if archErr != nil {
			log.Printf("engine: start session archive: %v", archErr)
		} else {
			arch = a
		}
	}
	e.mu.Lock()
	e.archive = arch
	e.mu.Unlock()

	finalizeCh := make(chan finalizeRequest, 64)
	finalizeDone := make(chan struct{})
	e.mu.Lock()
	e.finalizeCh = finalizeCh
	e.finalizeDone = finalizeDone
	e.mu.Unlock()
	go e.drainFinalize(finalizeCh, finalizeDone)

	pipelines, err := e.startPipelines(session.ID, locale, device, systemAudio)
	if err != nil {
		e.pipelineWG.Wait()
		close(finalizeCh)
		<-finalizeDone
		e.mu.Lock()
		e.finalizeCh = nil
		e.finalizeDone = nil
		e.mu.Unlock()
		if arch != nil {
			arch.Close()
		}
		e.mu.Lock()
		e.archive = nil
		e.mu.Unlock()
		return "", e.rollbackStart(session, err), err
	}

	e.mu.Lock()
	e.state = StateRecording
	e.sessionID = session.ID
	e.seq = 0
	e.device = device
	e.systemAudio = systemAudio
	e.pipelines = pipelines
	e.mu.Unlock()

	e.coordinator.StartSession(session.ID)
	e.startLevelTicker()

	emit = func() {
		e.broadcaster.Broadcast(proto.Event{Event: string(proto.EventStatus), Recording: true})
	}
	return session.ID, emit, nil
}

// rollbackStart rolls a failed start back to idle, marking the session
// interrupted if one was created, and returns a closure that emits the
// terminal error events once the caller has written its reply.
func (e *Engine) rollbackStart(session *store.Session, cause error) func() {
	if session != nil {
		if err := e.db.EndSession(session.ID, store.SessionInterrupted); err != nil {
			log.Printf("engine: mark failed session interrupted: %v", err)
		}
	}

	e.mu.Lock()
	e.state = StateIdle
	e.sessionID = ""
	e.pipelines = nil
	e.mu.Unlock()

	return func() {
		e.broadcaster.Broadcast(proto.Event{Event: string(proto.EventError), Message: cause.Error(), Transient: false})
		e.broadcaster.Broadcast(proto.Event{Event: string(proto.EventStatus), Recording: false})
	}
}

// Stop transitions recording -> stopping -> idle. Calling it while not
// recording is a no-op that still reports success, returning a nil emit.
// The returned emit, if non-nil, broadcasts the status event this call
// causes; callers that owe a reply to the command that triggered Stop
// must write that reply before invoking emit.
func (e *Engine) Stop() func() {
	e.mu.Lock()
	if e.state != StateRecording && e.state != StateError {
		e.mu.Unlock()
		return nil
	}
	wasError := e.state == StateError
	e.state = StateStopping
	sessionID := e.sessionID
	pipelines := e.pipelines
	arch := e.archive
	finalizeCh := e.finalizeCh
	finalizeDone := e.finalizeDone
	e.archive = nil
	e.mu.Unlock()

	e.coordinator.Stop(stopGraceTimeout)
	e.stopLevelTicker()

	for _, p := range pipelines {
		p.stop()
	}
	e.pipelineWG.Wait()

	if finalizeCh != nil {
		close(finalizeCh)
		<-finalizeDone
	}

	if arch != nil {
		if err := arch.Close(); err != nil {
			log.Printf("engine: close session archive: %v", err)
		}
	}

	status := store.SessionCompleted
	if wasError {
		status = store.SessionInterrupted
	}
	if sessionID != "" {
		if err := e.db.EndSession(sessionID, status); err != nil {
			log.Printf("engine: end session %s: %v", sessionID, err)
		}
	}

	e.mu.Lock()
	e.state = StateIdle
	e.sessionID = ""
	e.seq = 0
	e.device = ""
	e.systemAudio = false
	e.pipelines = nil
	e.finalizeCh = nil
	e.finalizeDone = nil
	e.mu.Unlock()

	return func() {
		e.broadcaster.Broadcast(proto.Event{Event: string(proto.EventStatus), Recording: false})
	}
}

// nextSequence assigns the next dense, 1-based sequence number across all
// sources for the active session.
func (e *Engine) nextSequence() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// currentArchive returns the active session's archive writer, or nil if
// archiving is disabled or no session is active.
func (e *Engine) currentArchive() *archive.Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.archive
}

// DeleteSession removes a session (cascading to its segments, summaries,
// and topics per the schema's foreign keys) and its audio archive, if any.
// No IPC command currently exposes this; it is the repository-level
// operation the cascade-delete testable property exercises directly.
func (e *Engine) DeleteSession(id string) error {
	if err := e.db.DeleteSession(id); err != nil {
		return err
	}
	if e.baseDir == "" {
		return nil
	}
	return archive.Remove(e.baseDir, id)
}

// escalate moves the engine into the error state from within a running
// pipeline (a non-transient recognizer or source failure), then fully
// stops the session as if Stop had been called.
func (e *Engine) escalate(message string) {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return
	}
	e.state = StateError
	e.mu.Unlock()

	e.broadcaster.Broadcast(proto.Event{Event: string(proto.EventError), Message: message, Transient: false})
	if emit := e.Stop(); emit != nil {
		emit()
	}
}
