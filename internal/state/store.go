package state

import "sync"

// Store serializes actions from concurrent producers (stream reader, poller,
// backfill, API callers) and notifies subscribers after each dispatch.
type Store struct {
	mu    sync.RWMutex
	state State
	subs  map[int]chan struct{}
	next  int
}

func NewStore(initial State) *Store {
	return &Store{state: initial, subs: make(map[int]chan struct{})}
}

// State returns the current state. The result must not be modified.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dispatch applies actions in order as one unit.
func (s *Store) Dispatch(actions ...Action) State {
	s.mu.Lock()
	for _, a := range actions {
		s.state = Reduce(s.state, a)
	}
	st := s.state
	s.notifyLocked()
	s.mu.Unlock()
	return st
}

// DispatchFor applies actions only while the store is still watching taskID,
// so late writes from a previous task's producers are discarded.
func (s *Store) DispatchFor(taskID string, actions ...Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.TaskID != taskID {
		return false
	}
	for _, a := range actions {
		s.state = Reduce(s.state, a)
	}
	s.notifyLocked()
	return true
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce; readers fetch the latest State themselves.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
