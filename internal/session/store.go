package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrInvalidArgument is returned for an empty sender identifier.
var ErrInvalidArgument = errors.New("session: invalid argument")

// Mutator changes a sender state in place. created is true when the state was
// made for this call. Returning an error discards the change.
type Mutator func(state *SenderState, created bool) error

// Store serves sender states from a TTL cache in front of a Persister.
// Calls for the same identifier are serialized; different identifiers never
// wait on each other.
type Store struct {
	persist Persister
	cache   *cache.Cache
	locks   keyLocks
	now     func() time.Time
}

// NewStore creates a store. Idle states drop out of the cache after ttl but
// remain in persist.
func NewStore(persist Persister, ttl time.Duration) *Store {
	if persist == nil {
		persist = NewMemoryPersister()
	}
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Store{
		persist: persist,
		cache:   cache.New(ttl, 10*time.Minute),
		locks:   keyLocks{locks: make(map[string]*keyLock)},
		now:     time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Len is the number of states currently cached.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

// Get returns the state for id, if one exists.
func (s *Store) Get(ctx context.Context, id string) (SenderState, bool, error) {
	id, err := normalizeID(id)
	if err != nil {
		return SenderState{}, false, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	st, ok, err := s.load(ctx, id)
	if err != nil || !ok {
		return SenderState{}, ok, err
	}
	return st.Clone(), true, nil
}

// Upsert creates the state for id if needed, applies fn and persists the
// result before returning it.
func (s *Store) Upsert(ctx context.Context, id string, fn Mutator) (SenderState, error) {
	id, err := normalizeID(id)
	if err != nil {
		return SenderState{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	current, ok, err := s.load(ctx, id)
	if err != nil {
		return SenderState{}, err
	}
	now := s.now()
	next := current.Clone()
	if !ok {
		next = SenderState{
			Identifier: id,
			OptIn:      AwaitingConsent,
			CreatedAt:  now,
		}
	}
	if fn != nil {
		if err := fn(&next, !ok); err != nil {
			return current.Clone(), err
		}
	}
	next.Identifier = id
	next.UpdatedAt = now
	if err := s.persist.SaveSender(ctx, next); err != nil {
		return current.Clone(), fmt.Errorf("failed to persist sender %s: %w", id, err)
	}
	s.cache.Set(id, next, cache.DefaultExpiration)
	return next.Clone(), nil
}

// AppendHistory records text as the newest history entry of id.
func (s *Store) AppendHistory(ctx context.Context, id, text string) (SenderState, error) {
	return s.Upsert(ctx, id, func(st *SenderState, _ bool) error {
		st.AppendHistory(text)
		return nil
	})
}

// Reset removes every trace of id so that its next message starts a fresh
// conversation. It reports whether a state existed.
func (s *Store) Reset(ctx context.Context, id string) (bool, error) {
	id, err := normalizeID(id)
	if err != nil {
		return false, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	_, cached := s.cache.Get(id)
	s.cache.Delete(id)
	d, ok := s.persist.(Deleter)
	if !ok {
		return cached, nil
	}
	existed, err := d.DeleteSender(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset sender %s: %w", id, err)
	}
	return existed || cached, nil
}

// Forget drops id from the cache. The persisted copy is untouched.
func (s *Store) Forget(id string) {
	s.cache.Delete(strings.TrimSpace(id))
}

func (s *Store) load(ctx context.Context, id string) (SenderState, bool, error) {
	if v, ok := s.cache.Get(id); ok {
		return v.(SenderState), true, nil
	}
	st, ok, err := s.persist.LoadSender(ctx, id)
	if err != nil {
		return SenderState{}, false, fmt.Errorf("failed to load sender %s: %w", id, err)
	}
	if ok {
		s.cache.Set(id, st, cache.DefaultExpiration)
	}
	return st, ok, nil
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty sender identifier", ErrInvalidArgument)
	}
	return id, nil
}

type keyLock struct {
	sync.Mutex
	refs int
}

// keyLocks hands out one mutex per key and drops it when nobody holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
