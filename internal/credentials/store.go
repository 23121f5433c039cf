// Package credentials holds registered identities in memory and owns password
// hashing and verification. A Store is created per process and passed to the
// code that needs it; nothing here is a package-level singleton.
package credentials

import (
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
)

// Identity is a registered principal. The password hash never leaves the store.
type Identity struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type record struct {
	identity Identity
	hash     string
}

// Store is an in-memory, non-persistent identity store safe for concurrent use.
//
// Emails are matched exactly (case-sensitive). Create checks for duplicates
// twice: once before hashing so the common rejection is cheap, and again under
// the write lock so two concurrent registrations of one email cannot both win.
type Store struct {
	hasher Hasher
	now    func() time.Time

	mu      sync.RWMutex
	byEmail map[string]record
	closed  bool

	dummyOnce sync.Once
	dummyHash string
}

// NewStore returns an empty store. A nil hasher uses BcryptHasher defaults.
func NewStore(hasher Hasher) *Store {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Store{
		hasher:  hasher,
		now:     time.Now,
		byEmail: make(map[string]record),
	}
}

// Exists reports whether email is registered.
func (s *Store) Exists(email string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byEmail[email]
	return ok
}

// Create registers email with a hash of password and returns the new identity.
// CreatedAt is taken when the identity is stored.
func (s *Store) Create(email, password string) (Identity, error) {
	if email == "" {
		return Identity{}, errspkg.ErrEmailRequired
	}
	if password == "" {
		return Identity{}, errspkg.ErrPasswordRequired
	}

	s.mu.RLock()
	_, taken := s.byEmail[email]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Identity{}, errspkg.ErrStoreClosed
	}
	if taken {
		return Identity{}, errspkg.ErrDuplicateEmail
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Identity{}, errspkg.ErrStoreClosed
	}
	if _, taken := s.byEmail[email]; taken {
		return Identity{}, errspkg.ErrDuplicateEmail
	}

	identity := Identity{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	s.byEmail[email] = record{identity: identity, hash: hash}
	return identity, nil
}

// Verify returns the identity when password matches the stored hash. An
// unknown email and a wrong password give the same result, and an unknown
// email still costs one hash comparison.
func (s *Store) Verify(email, password string) (Identity, bool) {
	s.mu.RLock()
	rec, ok := s.byEmail[email]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return Identity{}, false
	}
	if !ok {
		_ = s.hasher.Verify(s.dummy(), password)
		return Identity{}, false
	}
	if err := s.hasher.Verify(rec.hash, password); err != nil {
		return Identity{}, false
	}
	return rec.identity, true
}

// Remove deletes the identity with the given id. It exists so that a
// registration whose event could not be published can be rolled back.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for email, rec := range s.byEmail {
		if rec.identity.ID == id {
			delete(s.byEmail, email)
			return true
		}
	}
	return false
}

// Len returns the number of registered identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byEmail)
}

// Close drops every identity. Later calls to Create fail with ErrStoreClosed
// and Verify always fails.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.byEmail = make(map[string]record)
	return nil
}

func (s *Store) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}
