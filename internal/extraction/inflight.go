package extraction

import (
	"sync"
)

// Inflight tracks running extraction calls by request ID so they can be
// cancelled from a separate request. IDs are scoped to their owner: two
// owners may use the same ID without seeing each other's calls.
type Inflight struct {
	mu     sync.Mutex
	tokens map[inflightKey]*Token
}

type inflightKey struct {
	owner string
	id    string
}

// NewInflight constructs an empty registry.
func NewInflight() *Inflight {
	return &Inflight{tokens: make(map[inflightKey]*Token)}
}

// Add registers token under id for owner. The returned func removes it and
// must be called when the call completes.
func (r *Inflight) Add(id, owner string, token *Token) func() {
	key := inflightKey{owner: owner, id: id}

	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if current, ok := r.tokens[key]; ok && current == token {
			delete(r.tokens, key)
		}
		r.mu.Unlock()
	}
}

// Cancel aborts the call owner registered under id.
func (r *Inflight) Cancel(id, owner string) bool {
	r.mu.Lock()
	token, ok := r.tokens[inflightKey{owner: owner, id: id}]
	r.mu.Unlock()

	if !ok {
		return false
	}
	token.Cancel()
	return true
}

// CancelOwner aborts every call belonging to owner and returns how many were
// cancelled.
func (r *Inflight) CancelOwner(owner string) int {
	r.mu.Lock()
	var tokens []*Token
	for key, token := range r.tokens {
		if key.owner == owner {
			tokens = append(tokens, token)
		}
	}
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

// CancelAll aborts every registered call, as on shutdown.
func (r *Inflight) CancelAll() int {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.tokens))
	for _, token := range r.tokens {
		tokens = append(tokens, token)
	}
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

// Len returns the number of registered calls.
func (r *Inflight) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
