package engine

import "sync"

// parker blocks executing goroutines of idling tokens until another
// goroutine wakes them. The executor owns its goroutine while parked; this
// is the cheap in-memory suspend, nothing is persisted.
type parker struct {
	mu      sync.Mutex
	waiting map[string]chan struct{}
}

func newParker() *parker {
	return &parker{waiting: make(map[string]chan struct{})}
}

// prepare registers the token as parked and returns the channel closed on wake.
func (p *parker) prepare(tokenID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.waiting[tokenID] = ch
	return ch
}

// cancel drops a registration without waking anyone.
func (p *parker) cancel(tokenID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, tokenID)
}

// unpark wakes the parked token. fn runs under the lock before the wake-up,
// so its writes are visible to the woken goroutine. Reports false when the
// token was not parked; fn is not called then.
func (p *parker) unpark(tokenID string, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiting[tokenID]
	if !ok {
		return false
	}
	if fn != nil {
		fn()
	}
	delete(p.waiting, tokenID)
	close(ch)
	return true
}

func (p *parker) parked(tokenID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.waiting[tokenID]
	return ok
}
