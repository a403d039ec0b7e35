package snapshot

import "sync"

type registeredListener struct {
	id       uint64
	listener Listener
}

// listenerSet keys registrations by id, so listeners of any type, including ListenerFunc, can be removed.
type listenerSet struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []registeredListener
}

func (s *listenerSet) add(l Listener) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, registeredListener{id: id, listener: l})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// notify runs outside the store lock so listeners may call back into the store.
func (s *listenerSet) notify(snap Snapshot) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, r := range s.listeners {
		listeners = append(listeners, r.listener)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnNewSnapshot(snap)
	}
}
