package domain

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xcE81C550f6945Ef9a8ED19F4359055de5332Ed3C")
	bob   = common.HexToAddress("0x5504D1410dB562105F1D48c3999E4E0B1c3C176D")
)

func TestTradeTerms_Validate(t *testing.T) {
	tests := []struct {
		name    string
		buyer   common.Address
		seller  common.Address
		wantErr error
	}{
		{"distinct parties", alice, bob, nil},
		{"same party", alice, alice, ErrInvalidParties},
		{"zero buyer", common.Address{}, bob, ErrInvalidParties},
		{"zero seller", alice, common.Address{}, ErrInvalidParties},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TradeTerms{Buyer: tt.buyer, Seller: tt.seller}.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTrade_TotalPrice(t *testing.T) {
	tr := Trade{TradeTerms: TradeTerms{Quantity: *uint256.NewInt(1000), UnitPrice: *uint256.NewInt(1)}}
	total, err := tr.TotalPrice()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), total.Uint64())

	max := new(uint256.Int).SetAllOne()
	tr.Quantity = *max
	tr.UnitPrice = *uint256.NewInt(2)
	_, err = tr.TotalPrice()
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestTrade_StateAndSlot(t *testing.T) {
	tr := Trade{ID: 1, TradeTerms: TradeTerms{DeliveryTime: 1672531200}}
	assert.Equal(t, TradeStateRegistered, tr.State())
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), tr.DeliverySlot())

	tr.Finalized = true
	assert.Equal(t, TradeStateFinalized, tr.State())

	assert.Equal(t, TradeStateUnregistered, Trade{}.State())
}
