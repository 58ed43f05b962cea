package store

import (
	"sync"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountStore is a thread-safe in-memory balance table, in base units,
// keyed by account address. Accounts keep the order in which they were
// first seen.
type AccountStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	order    []common.Address
}

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		balances: make(map[common.Address]*uint256.Int),
	}
}

// Credit adds amount to the account's balance, creating the account if
// needed. It returns domain.ErrOverflow if the balance would wrap.
func (s *AccountStore) Credit(addr common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.get(addr)
	next, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return domain.ErrOverflow
	}
	s.set(addr, next)
	return nil
}

// Balance returns a copy of the account's balance; unknown accounts hold zero.
func (s *AccountStore) Balance(addr common.Address) uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return *s.get(addr)
}

// SetBalances replaces several balances under a single lock so that readers
// observe either all of them or none.
func (s *AccountStore) SetBalances(balances map[common.Address]uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, v := range balances {
		v := v
		s.set(addr, &v)
	}
}

// Accounts returns all known accounts in first-seen order.
func (s *AccountStore) Accounts() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]common.Address, len(s.order))
	copy(result, s.order)
	return result
}

func (s *AccountStore) get(addr common.Address) *uint256.Int {
	if v, ok := s.balances[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

func (s *AccountStore) set(addr common.Address, v *uint256.Int) {
	if _, ok := s.balances[addr]; !ok {
		s.order = append(s.order, addr)
	}
	s.balances[addr] = v
}
