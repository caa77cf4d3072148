package history

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const DefaultMaxPerSession = 1000

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is an append-only, in-memory log of the messages submitted for each
// session. It is bookkeeping only and is never replayed into the backend.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string][]Message
	maxPerSession int
}

func NewStore(maxPerSession int) *Store {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	return &Store{
		sessions:      map[string][]Message{},
		maxPerSession: maxPerSession,
	}
}

// Ensure registers sessionID with an empty log if it is not known yet.
func (s *Store) Ensure(sessionID string) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = []Message{}
	}
	s.mu.Unlock()
}

func (s *Store) Append(sessionID, role, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	// ids are minted under the lock so log order and id order agree
	msg := Message{
		ID:        ulid.Make().String(),
		Role:      strings.TrimSpace(role),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	log := append(s.sessions[sessionID], msg)
	if overflow := len(log) - s.maxPerSession; overflow > 0 {
		log = append([]Message(nil), log[overflow:]...)
	}
	s.sessions[sessionID] = log
	return msg
}

// Read returns a copy of the log for sessionID, oldest first.
func (s *Store) Read(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.sessions[sessionID]
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

// ReadAfter returns the messages whose ID sorts after cursor. ULIDs are
// lexicographically ordered by creation time.
func (s *Store) ReadAfter(sessionID, cursor string) []Message {
	all := s.Read(sessionID)
	if cursor == "" {
		return all
	}
	out := make([]Message, 0, len(all))
	for _, msg := range all {
		if msg.ID > cursor {
			out = append(out, msg)
		}
	}
	return out
}

func (s *Store) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Delete drops the log for sessionID and reports whether it existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
