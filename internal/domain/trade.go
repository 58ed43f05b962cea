package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TradeID identifies a trade on the ledger. Identifiers start at 1 and
// increase by one per registration.
type TradeID uint64

// TradeState is the lifecycle position of a trade.
type TradeState string

const (
	TradeStateUnregistered TradeState = "unregistered"
	TradeStateRegistered   TradeState = "registered"
	TradeStateFinalized    TradeState = "finalized"
)

// TradeTerms are the arguments of a registration.
type TradeTerms struct {
	Buyer        common.Address
	Seller       common.Address
	Quantity     uint256.Int // Wh
	UnitPrice    uint256.Int // base units per Wh
	DeliveryTime uint64      // unix seconds
}

// Validate checks the invariants the ledger enforces at registration.
// Zero quantity and zero price are accepted.
func (t TradeTerms) Validate() error {
	if t.Buyer == (common.Address{}) || t.Seller == (common.Address{}) || t.Buyer == t.Seller {
		return ErrInvalidParties
	}
	return nil
}

// Trade is one record of the ledger's trade table.
type Trade struct {
	ID TradeID
	TradeTerms
	Finalized bool
}

// State derives the lifecycle state. The zero Trade has no id and was never
// registered.
func (t Trade) State() TradeState {
	if t.ID == 0 {
		return TradeStateUnregistered
	}
	if t.Finalized {
		return TradeStateFinalized
	}
	return TradeStateRegistered
}

// TotalPrice returns quantity*unitPrice, failing with ErrOverflow rather
// than wrapping.
func (t Trade) TotalPrice() (uint256.Int, error) {
	return MulChecked(&t.Quantity, &t.UnitPrice)
}

// DeliverySlot returns the delivery time as a UTC time.
func (t Trade) DeliverySlot() time.Time {
	return time.Unix(int64(t.DeliveryTime), 0).UTC()
}

// MulChecked multiplies two ledger integers and reports overflow as ErrOverflow.
func MulChecked(x, y *uint256.Int) (uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return uint256.Int{}, ErrOverflow
	}
	return *z, nil
}

// TradeRegistered is emitted once per successful registration.
type TradeRegistered struct {
	TradeID TradeID
	TradeTerms
}

// TradeFinalized is emitted once per successful finalization. The refund,
// if any, is not part of the event.
type TradeFinalized struct {
	TradeID    TradeID
	TotalPrice uint256.Int
}
