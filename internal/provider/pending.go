package provider

import "sync"

// Pending holds per-request values that Encode hands to Rewrite, such as the full
// prompt that replaces the short placeholder typed into the page.
type Pending[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

func (p *Pending[T]) Put(correlationID string, v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]T)
	}
	p.m[correlationID] = v
}

func (p *Pending[T]) Get(correlationID string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[correlationID]
	return v, ok
}

func (p *Pending[T]) Delete(correlationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, correlationID)
}

func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
