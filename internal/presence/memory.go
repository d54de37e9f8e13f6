package presence

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store. Nodes sharing one instance behave like
// nodes sharing a Redis, which is how the multi-node tests run.
type MemoryStore struct {
	mu      sync.RWMutex
	flags   map[string]struct{}
	rooms   []string
	rosters map[string][]string
	failErr error
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags:   make(map[string]struct{}),
		rosters: make(map[string][]string),
	}
}

// FailWith makes every subsequent call fail with err wrapped in ErrStore;
// nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) check(op string) error {
	if s.failErr != nil {
		return storeErr(op, s.failErr)
	}
	return nil
}

func (s *MemoryStore) RoomExists(_ context.Context, room string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("room exists"); err != nil {
		return false, err
	}
	_, ok := s.flags[room]
	return ok, nil
}

func (s *MemoryStore) MarkRoomExists(_ context.Context, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mark room"); err != nil {
		return false, err
	}
	if _, ok := s.flags[room]; ok {
		return false, nil
	}
	s.flags[room] = struct{}{}
	return true, nil
}

func (s *MemoryStore) AppendRoomToGlobalList(_ context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append room"); err != nil {
		return err
	}
	s.rooms = append(s.rooms, room)
	return nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list rooms"); err != nil {
		return nil, err
	}
	return append([]string(nil), s.rooms...), nil
}

func (s *MemoryStore) AppendRosterMember(_ context.Context, room, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append roster"); err != nil {
		return err
	}
	s.rosters[room] = append(s.rosters[room], identity)
	return nil
}

func (s *MemoryStore) ListRosterMembers(_ context.Context, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list roster"); err != nil {
		return nil, err
	}
	return append([]string(nil), s.rosters[room]...), nil
}
