package audiosrc

import "sync"

// Fake is an in-memory Source for tests: Push feeds frames that Start's
// channel will deliver, and Start can be made to fail on demand via
// StartErr. Stop always succeeds.
type Fake struct {
	NameValue string
	KindValue Kind
	StartErr  *Error

	mu      sync.Mutex
	out     chan []float32
	started bool
}

// NewFake returns a ready-to-use fake source of the given kind.
func NewFake(name string, kind Kind) *Fake {
	return &Fake{NameValue: name, KindValue: kind}
}

func (f *Fake) Name() string { return f.NameValue }
func (f *Fake) Kind() Kind   { return f.KindValue }

func (f *Fake) Start() (<-chan []float32, Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return nil, Format{}, f.StartErr
	}
	f.out = make(chan []float32, 64)
	f.started = true
	return f.out, Standard16kMono, nil
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	close(f.out)
	return nil
}

// Push delivers one buffer of frames to the stream. It is a no-op if Start
// hasn't been called or Stop already has.
func (f *Fake) Push(frames []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return
	}
	f.out <- frames
}
