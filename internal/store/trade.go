package store

import (
	"sync"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// TradeStore is a thread-safe in-memory trade table keyed by trade ID.
// Records are never removed; IDs are allocated monotonically from 1.
type TradeStore struct {
	mu     sync.RWMutex
	last   domain.TradeID
	trades map[domain.TradeID]*domain.Trade
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[domain.TradeID]*domain.Trade),
	}
}

// Insert allocates the next trade ID and stores the terms as a registered,
// non-finalized trade.
func (s *TradeStore) Insert(terms domain.TradeTerms) domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last++
	t := &domain.Trade{ID: s.last, TradeTerms: terms}
	s.trades[t.ID] = t
	return *t
}

// Get returns a copy of the trade. It returns domain.ErrTradeNotFound if the
// ID was never allocated.
func (s *TradeStore) Get(id domain.TradeID) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrTradeNotFound
	}
	return *t, nil
}

// MarkFinalized flips the trade's finalized flag. It returns
// domain.ErrAlreadyFinalized if the flag is already set.
func (s *TradeStore) MarkFinalized(id domain.TradeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return domain.ErrTradeNotFound
	}
	if t.Finalized {
		return domain.ErrAlreadyFinalized
	}
	t.Finalized = true
	return nil
}
