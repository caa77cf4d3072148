package session

import (
	"sort"
	"sync"
)

// Registry remembers which session tokens have already been used to start a
// backend conversation. State is process-lifetime only.
type Registry struct {
	mu      sync.RWMutex
	started map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{started: map[string]struct{}{}}
}

func (r *Registry) HasStarted(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.started[token]
	return ok
}

func (r *Registry) MarkStarted(token string) {
	r.mu.Lock()
	r.started[token] = struct{}{}
	r.mu.Unlock()
}

// Reset makes token eligible for a fresh start again. Unknown tokens are ignored.
func (r *Registry) Reset(token string) {
	r.mu.Lock()
	delete(r.started, token)
	r.mu.Unlock()
}

func (r *Registry) Tokens() []string {
	r.mu.RLock()
	tokens := make([]string, 0, len(r.started))
	for token := range r.started {
		tokens = append(tokens, token)
	}
	r.mu.RUnlock()
	sort.Strings(tokens)
	return tokens
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.started)
}
