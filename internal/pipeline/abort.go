package pipeline

import "sync"

// abortRegistry tracks per-session abort signals. Entries exist only while
// a run for that session is in flight and are evicted on completion, so the
// registry stays bounded by the number of concurrent runs.
type abortRegistry struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{m: make(map[string]chan struct{})}
}

// register installs a fresh abort channel for a session, replacing any
// stale one, and returns it.
func (a *abortRegistry) register(sessionID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.m[sessionID] = ch
	return ch
}

// evict removes the session's channel.
func (a *abortRegistry) evict(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, sessionID)
}

// signal closes the session's abort channel if a run is in flight. Closing
// is idempotent per run because the channel is evicted with the run.
func (a *abortRegistry) signal(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.m[sessionID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		// already signalled
	default:
		close(ch)
	}
	return true
}
