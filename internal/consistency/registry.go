package consistency

import (
	"context"
	"fmt"
	"sync"

	"panelforge/internal/models"
)

// IdentityStore owns the identities the service works with. The store is
// injected into the service so its lifetime is an explicit contract of the
// host application (per-request, per-session, or process-wide).
type IdentityStore interface {
	// Insert adds a freshly extracted identity. Ids are unique by
	// construction, so Insert never overwrites.
	Insert(ctx context.Context, identity *models.Identity) error

	// Get returns the identity with the given id.
	Get(ctx context.Context, id string) (*models.Identity, bool)

	// List returns all identities.
	List(ctx context.Context) []*models.Identity

	// IncrementUsage bumps the identity's usage counter by exactly one and
	// returns the new value. The increment is atomic: concurrent
	// applications of the same identity never lose updates.
	IncrementUsage(ctx context.Context, id string) (int64, error)

	// Clear removes all identities at once. There is no per-identity delete.
	Clear(ctx context.Context) error
}

// MemoryStore is the in-memory IdentityStore. Identities live for the store's
// lifetime and are destroyed only by Clear.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*models.Identity
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]*models.Identity)}
}

// Insert adds a new identity.
func (s *MemoryStore) Insert(ctx context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.ID]; exists {
		return fmt.Errorf("identity already exists: %s", identity.ID)
	}
	s.identities[identity.ID] = identity
	return nil
}

// Get returns the identity with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	return identity, ok
}

// List returns all identities.
func (s *MemoryStore) List(ctx context.Context) []*models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	return out
}

// IncrementUsage atomically bumps the usage counter.
func (s *MemoryStore) IncrementUsage(ctx context.Context, id string) (int64, error) {
	s.mu.RLock()
	identity, ok := s.identities[id]
	s.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("identity not found: %s", id)
	}
	return identity.UsageCount.Inc(), nil
}

// Clear removes all identities.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities = make(map[string]*models.Identity)
	return nil
}
