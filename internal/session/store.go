package session

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for NewStore.
const (
	DefaultCapacity = 256
	DefaultTTL      = 30 * time.Minute
)

// Store is a bounded in-memory map from conversation id to Session.
// Least recently used sessions are evicted past capacity, and every
// session expires ttl after it was last stored. Nothing survives a
// restart.
type Store struct {
	mode     Mode
	capacity int
	ttl      time.Duration
	lru      *expirable.LRU[string, Session]

	mu    sync.Mutex
	locks map[string]*turnLock
}

// turnLock is a per-id mutex that is dropped from the map once nobody
// holds or waits on it.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a store for sessions of the given mode. A
// non-positive capacity or ttl selects the default.
func NewStore(mode Mode, capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		mode:     mode,
		capacity: capacity,
		ttl:      ttl,
		lru:      expirable.NewLRU[string, Session](capacity, nil, ttl),
		locks:    make(map[string]*turnLock),
	}
}

// Mode returns the payload style of the sessions this store holds.
func (s *Store) Mode() Mode { return s.mode }

// Capacity returns the maximum number of sessions kept.
func (s *Store) Capacity() int { return s.capacity }

// TTL returns how long an untouched session is kept.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the session for id. An empty id never matches.
func (s *Store) Get(id string) (Session, bool) {
	if id == "" {
		return nil, false
	}
	return s.lru.Get(id)
}

// Put stores sess under its id, replacing any previous value and
// resetting its expiry.
func (s *Store) Put(sess Session) {
	s.lru.Add(sess.ID(), sess)
}

// Delete removes the session for id.
func (s *Store) Delete(id string) {
	s.lru.Remove(id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Purge removes every session.
func (s *Store) Purge() {
	s.lru.Purge()
}

// Lock serializes turns on one conversation id. It blocks until no
// other caller holds the lock for id and returns the function that
// releases it.
func (s *Store) Lock(id string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &turnLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, id)
			}
			s.mu.Unlock()
		})
	}
}

// lockCount returns the number of ids with a held or awaited lock.
func (s *Store) lockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
