package relay

import (
	"errors"
	"sync"
)

var (
	ErrCallNotFound  = errors.New("call not found")
	ErrCallDuplicate = errors.New("call already registered")
)

// Registry pairs the two websocket attachments of one call into a single
// Session, keyed by the call reference the routing layer passes in the
// stream's custom parameters.
type Registry struct {
	mu     sync.Mutex
	byCall map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{byCall: make(map[string]*Session)}
}

func (r *Registry) Put(callRef string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCall[callRef]; ok {
		return ErrCallDuplicate
	}
	r.byCall[callRef] = s
	return nil
}

func (r *Registry) Get(callRef string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCall[callRef]
	if !ok {
		return nil, ErrCallNotFound
	}
	return s, nil
}

func (r *Registry) Remove(callRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byCall, callRef)
}

// CloseAll tears down every registered session. Used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byCall))
	for _, s := range r.byCall {
		sessions = append(sessions, s)
	}
	r.byCall = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
