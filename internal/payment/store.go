package payment

import (
	"context"
	"fmt"
	"sync"
)

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, p *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, p *Record) error
	// FindLatestPending returns the newest pending record a processor holds
	// for a payable/payer pair.
	FindLatestPending(ctx context.Context, processor string, payable, payer PartyRef) (*Record, error)
	FindByReference(ctx context.Context, processor, reference string) (*Record, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Record
	order    []string
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Record)}
}

func (s *MemoryStore) Create(ctx context.Context, p *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	s.payments[p.ID] = p.Clone()
	s.order = append(s.order, p.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("get payment %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; !ok {
		return fmt.Errorf("update payment %s: %w", p.ID, ErrNotFound)
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) FindLatestPending(ctx context.Context, processor string, payable, payer PartyRef) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		p := s.payments[s.order[i]]
		if p.Processor == processor && p.Status == StatusPending &&
			p.Payable == payable && p.Payer == payer {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("latest pending payment for %s: %w", payable, ErrNotFound)
}

func (s *MemoryStore) FindByReference(ctx context.Context, processor, reference string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		p := s.payments[id]
		if p.Processor == processor && p.ExternalReference == reference {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("payment with reference %s: %w", reference, ErrNotFound)
}
