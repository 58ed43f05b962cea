package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTerms(qty, price uint64) domain.TradeTerms {
	return domain.TradeTerms{
		Buyer:        common.HexToAddress("0x01"),
		Seller:       common.HexToAddress("0x02"),
		Quantity:     *uint256.NewInt(qty),
		UnitPrice:    *uint256.NewInt(price),
		DeliveryTime: 1672531200,
	}
}

func TestTradeStore_InsertAllocatesSequentialIDs(t *testing.T) {
	s := NewTradeStore()

	t1 := s.Insert(newTestTerms(1000, 1))
	t2 := s.Insert(newTestTerms(2000, 2))

	assert.Equal(t, domain.TradeID(1), t1.ID)
	assert.Equal(t, domain.TradeID(2), t2.ID)
	assert.False(t, t1.Finalized)
}

func TestTradeStore_Get(t *testing.T) {
	s := NewTradeStore()
	terms := newTestTerms(1000, 7)
	inserted := s.Insert(terms)

	got, err := s.Get(inserted.ID)
	require.NoError(t, err)
	assert.Equal(t, terms, got.TradeTerms)

	_, err = s.Get(99)
	assert.ErrorIs(t, err, domain.ErrTradeNotFound)
}

func TestTradeStore_GetReturnsCopy(t *testing.T) {
	s := NewTradeStore()
	inserted := s.Insert(newTestTerms(1000, 7))

	got, _ := s.Get(inserted.ID)
	got.Finalized = true
	got.Quantity = *uint256.NewInt(1)

	again, _ := s.Get(inserted.ID)
	assert.False(t, again.Finalized, "Get should return a copy; internal state was mutated")
	assert.Equal(t, uint64(1000), again.Quantity.Uint64())
}

func TestTradeStore_MarkFinalized(t *testing.T) {
	s := NewTradeStore()
	tr := s.Insert(newTestTerms(1, 1))

	require.NoError(t, s.MarkFinalized(tr.ID))
	assert.ErrorIs(t, s.MarkFinalized(tr.ID), domain.ErrAlreadyFinalized)
	assert.ErrorIs(t, s.MarkFinalized(42), domain.ErrTradeNotFound)

	got, _ := s.Get(tr.ID)
	assert.True(t, got.Finalized)
}

func TestTradeStore_ConcurrentInsertsGetUniqueIDs(t *testing.T) {
	s := NewTradeStore()
	var wg sync.WaitGroup
	ids := make(chan domain.TradeID, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids <- s.Insert(newTestTerms(uint64(i), 1)).ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[domain.TradeID]bool)
	for id := range ids {
		require.False(t, seen[id], fmt.Sprintf("duplicate id %d", id))
		seen[id] = true
	}
	assert.Len(t, seen, 100)

	for id := domain.TradeID(1); id <= 100; id++ {
		assert.True(t, seen[id], "missing id %d", id)
	}
}
