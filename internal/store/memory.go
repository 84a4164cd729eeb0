package store

import (
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.Mutex
	messages map[string]Message
	lastGC   time.Time
	hasGC    bool
}

// NewMemory returns an in-memory Service for tests and ephemeral
// sessions.
func NewMemory() Service {
	return &memoryStore{messages: make(map[string]Message)}
}

func (s *memoryStore) SaveMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *memoryStore) UpdateStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Status = status
		s.messages[id] = m
	}
	return nil
}

func (s *memoryStore) sorted() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *memoryStore) RecentMessages(limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted()
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *memoryStore) PendingMessages() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.sorted() {
		if m.Status == StatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryStore) TrimLog(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted()
	for i := 0; i < len(all)-keep; i++ {
		delete(s.messages, all[i].ID)
	}
	return nil
}

func (s *memoryStore) SetLastGC(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGC = t
	s.hasGC = true
	return nil
}

func (s *memoryStore) LastGC() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGC, s.hasGC, nil
}

func (s *memoryStore) Close() error { return nil }
