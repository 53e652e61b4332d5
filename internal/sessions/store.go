// Package sessions keeps per-upload analysis state in memory. Every async
// stage captures the session's generation at spawn; a renewed session bumps
// the generation so late results from a superseded upload are discarded
// instead of clobbering the new one.
package sessions

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")

	// ErrStaleGeneration is returned by Patch when the session was renewed
	// after the caller captured its generation.
	ErrStaleGeneration = errors.New("session generation is stale")
)

// Store holds sessions in memory and is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Session)}
}

// Create stores a new session and returns its current snapshot.
func (s *Store) Create(session Session) Session {
	now := time.Now().UTC()
	session.Generation = 1
	session.CreatedAt = now
	session.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := session
	s.byID[session.ID] = &stored
	return copySession(&stored)
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return copySession(session), nil
}

// Renew replaces a session's document-derived state for a fresh upload,
// bumping the generation so in-flight patches from the previous upload are
// discarded. Returns the renewed snapshot.
func (s *Store) Renew(id string, fresh Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	fresh.ID = session.ID
	fresh.Generation = session.Generation + 1
	fresh.CreatedAt = session.CreatedAt
	fresh.UpdatedAt = time.Now().UTC()
	*session = fresh
	return copySession(session), nil
}

// Patch applies fn to the session under the write lock, provided the
// caller's captured generation still matches. fn receives the live session
// and may mutate it freely.
func (s *Store) Patch(id string, generation uint64, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if session.Generation != generation {
		return ErrStaleGeneration
	}
	fn(session)
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func copySession(s *Session) Session {
	out := *s
	if s.PageKeys != nil {
		out.PageKeys = make([]string, len(s.PageKeys))
		copy(out.PageKeys, s.PageKeys)
	}
	if s.FigureIndices != nil {
		out.FigureIndices = make([]int, len(s.FigureIndices))
		copy(out.FigureIndices, s.FigureIndices)
	}
	if s.Analysis != nil {
		analysis := *s.Analysis
		out.Analysis = &analysis
	}
	if s.Legal != nil {
		legal := *s.Legal
		out.Legal = &legal
	}
	return out
}
