package summarizer

import (
	"context"
	"sync"

	"stenod/internal/store"
)

// Fake is a scripted Summarizer for tests.
type Fake struct {
	Topics []store.Topic
	Err    error

	mu    sync.Mutex
	calls int
}

func (f *Fake) Summarize(ctx context.Context, sessionID string, segments []store.Segment, previousTopics []store.Topic) ([]store.Topic, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Topics, nil
}

// CallCount reports how many times Summarize has been invoked.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
