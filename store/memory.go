package store

import (
	"context"
	"sync"

	tokengate "github.com/jassus213/go-token-gate"
)

// MemoryStore is an in-memory implementation of tokengate.Store.
//
// All state lives behind one mutex, which makes Consume and Create atomic.
//
// Note: MemoryStore is suitable for single-instance applications.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*tokengate.TokenRecord
	owners   map[string][]string
	policies *policies
}

// NewMemory creates a new MemoryStore instance.
//
// Example:
//
//	st := store.NewMemory(store.WithPolicies(tokengate.Policy{Name: "free", Limit: 10}))
func NewMemory(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*tokengate.TokenRecord),
		owners:   make(map[string][]string),
		policies: newPolicies(newOptions(opts...)),
	}
}

// SetPolicy registers or replaces a policy. Existing tokens keep their limits.
func (s *MemoryStore) SetPolicy(p tokengate.Policy) {
	s.policies.set(p)
}

// Consume takes units from the token's budget and returns what is left.
func (s *MemoryStore) Consume(_ context.Context, token string, units int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return 0, tokengate.ErrTokenNotExists
	}
	if rec.Count || rec.Remaining < units {
		return rec.Remaining, tokengate.ErrUsageLimit
	}
	rec.Remaining -= units
	rec.Consumed += units
	return rec.Remaining, nil
}

// Count adds units to the token's usage and returns the new total.
func (s *MemoryStore) Count(_ context.Context, token string, units int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return 0, tokengate.ErrTokenNotExists
	}
	rec.Consumed += units
	return rec.Consumed, nil
}

// Create issues a token under the identity's policy.
func (s *MemoryStore) Create(_ context.Context, id tokengate.Identity) (*tokengate.TokenRecord, error) {
	pol, err := s.policies.resolve(id.PolicyName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pol.MaxTokens > 0 && len(s.owners[id.OwnerID]) >= pol.MaxTokens {
		return nil, maxTokensError(pol)
	}
	rec := initialRecord(id, pol)
	s.records[rec.Token] = &rec
	s.owners[id.OwnerID] = append(s.owners[id.OwnerID], rec.Token)

	out := copyRecord(rec)
	return &out, nil
}

// Get returns a copy of the record, or nil when it does not exist.
func (s *MemoryStore) Get(_ context.Context, token string) (*tokengate.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return nil, nil
	}
	out := copyRecord(*rec)
	return &out, nil
}

// GetByOwnerID returns the owner's tokens in creation order.
func (s *MemoryStore) GetByOwnerID(_ context.Context, ownerID string) ([]tokengate.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := s.owners[ownerID]
	out := make([]tokengate.TokenRecord, 0, len(tokens))
	for _, t := range tokens {
		if rec, ok := s.records[t]; ok {
			out = append(out, copyRecord(*rec))
		}
	}
	return out, nil
}

// Delete removes the token.
func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return tokengate.ErrTokenNotExists
	}
	delete(s.records, token)

	tokens := s.owners[rec.OwnerID]
	for i, t := range tokens {
		if t == token {
			tokens = append(tokens[:i:i], tokens[i+1:]...)
			break
		}
	}
	if len(tokens) == 0 {
		delete(s.owners, rec.OwnerID)
	} else {
		s.owners[rec.OwnerID] = tokens
	}
	return nil
}

func copyRecord(rec tokengate.TokenRecord) tokengate.TokenRecord {
	rec.Attributes = copyAttributes(rec.Attributes)
	return rec
}
