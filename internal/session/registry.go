package session

import (
	"sync"

	"github.com/emberware/voicerelay/internal/completion"
	"github.com/emberware/voicerelay/internal/synth"
)

// Session is the in-memory conversation state for one live connection.
// History is a sliding window: the registry evicts the oldest entries once
// the cap is exceeded. Nothing survives the connection.
type Session struct {
	ID      string
	Active  bool
	History []completion.Message
}

// Registry owns every live session and the at-most-one synthesis handle per
// connection. Entries are partitioned by connection id; there is no
// cross-session sharing.
type Registry struct {
	maxHistory int

	mu       sync.Mutex
	sessions map[string]*Session
	handles  map[string]*synth.Handle
}

func NewRegistry(maxHistory int) *Registry {
	if maxHistory <= 0 {
		maxHistory = 12
	}
	return &Registry{
		maxHistory: maxHistory,
		sessions:   make(map[string]*Session),
		handles:    make(map[string]*synth.Handle),
	}
}

func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Create registers a fresh inactive session, replacing any prior entry for id.
func (r *Registry) Create(id string) *Session {
	s := &Session{ID: id}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// GetOrCreate returns the session for id, creating it when missing.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id}
	r.sessions[id] = s
	return s
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.handles, id)
	r.mu.Unlock()
}

// SetActive flips the session's active flag.
func (r *Registry) SetActive(id string, active bool) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.Active = active
	}
	r.mu.Unlock()
}

// AppendHistory appends entry and truncates from the front so the history
// never exceeds the configured cap.
func (r *Registry) AppendHistory(id string, entry completion.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.History = append(s.History, entry)
	if excess := len(s.History) - r.maxHistory; excess > 0 {
		s.History = append(s.History[:0:0], s.History[excess:]...)
	}
}

// HistorySnapshot copies the session history for a provider call.
func (r *Registry) HistorySnapshot(id string) []completion.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]completion.Message, len(s.History))
	copy(out, s.History)
	return out
}

func (r *Registry) Handle(id string) *synth.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

// SetHandle records the connection's in-flight synthesis handle, stopping any
// handle it replaces.
func (r *Registry) SetHandle(id string, h *synth.Handle) {
	r.mu.Lock()
	prev := r.handles[id]
	r.handles[id] = h
	r.mu.Unlock()
	if prev != nil && prev != h {
		prev.Stop()
	}
}

func (r *Registry) ClearHandle(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// ClearHandleIf clears the connection's handle only when it is still h, so a
// late completion cannot drop a newer in-flight handle.
func (r *Registry) ClearHandleIf(id string, h *synth.Handle) {
	r.mu.Lock()
	if r.handles[id] == h {
		delete(r.handles, id)
	}
	r.mu.Unlock()
}

// StopHandle stops and clears the connection's handle; a no-op when none is
// registered.
func (r *Registry) StopHandle(id string) bool {
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.Stop()
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
