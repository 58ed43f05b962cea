package engine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/store"
)

// Event is one entry of the ledger's append-only event log. Exactly one of
// Registered and Finalized is set.
type Event struct {
	Seq        uint64
	Registered *domain.TradeRegistered
	Finalized  *domain.TradeFinalized
}

// Settlement is the outcome of a successful finalize: the seller payout and
// the refund returned to the caller. Payout + Refund equals the payment.
type Settlement struct {
	Event  domain.TradeFinalized
	Payout uint256.Int
	Refund uint256.Int
}

// Ledger is the in-process settlement state machine. Each trade moves
// Registered -> Finalized exactly once; finalize moves funds from the caller
// to the seller with escrow semantics.
//
// All operations are serialized by a single mutex, so a finalize either
// applies every balance change and the state flip or none of them.
type Ledger struct {
	mu       sync.Mutex
	trades   *store.TradeStore
	accounts *store.AccountStore
	events   []Event
}

// NewLedger creates a Ledger over the given stores.
func NewLedger(trades *store.TradeStore, accounts *store.AccountStore) *Ledger {
	return &Ledger{
		trades:   trades,
		accounts: accounts,
	}
}

// RegisterTrade records a new trade and returns the emitted event carrying
// the allocated ID. Any account may register. It returns
// domain.ErrInvalidParties when buyer and seller are equal or zero.
func (l *Ledger) RegisterTrade(terms domain.TradeTerms) (domain.TradeRegistered, error) {
	if err := terms.Validate(); err != nil {
		return domain.TradeRegistered{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.trades.Insert(terms)
	ev := domain.TradeRegistered{TradeID: t.ID, TradeTerms: t.TradeTerms}
	l.emit(Event{Registered: &ev})
	return ev, nil
}

// FinalizeTrade settles a registered trade. The caller escrows paid; the
// seller receives quantity*unitPrice and the caller is refunded the excess.
//
// Checks, in order: trade exists, caller is the buyer, trade not finalized,
// product does not overflow, payment covers the total, caller can fund the
// payment. Nothing is mutated unless every check passes.
func (l *Ledger) FinalizeTrade(caller common.Address, id domain.TradeID, paid *uint256.Int) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.trades.Get(id)
	if err != nil {
		return Settlement{}, err
	}
	if caller != t.Buyer {
		return Settlement{}, domain.ErrUnauthorized
	}
	if t.Finalized {
		return Settlement{}, domain.ErrAlreadyFinalized
	}
	total, err := t.TotalPrice()
	if err != nil {
		return Settlement{}, err
	}
	if paid.Lt(&total) {
		return Settlement{}, domain.ErrInsufficientPayment
	}

	callerBal := l.accounts.Balance(caller)
	if callerBal.Lt(paid) {
		return Settlement{}, domain.ErrInsufficientFunds
	}
	sellerBal := l.accounts.Balance(t.Seller)
	newSeller, overflow := new(uint256.Int).AddOverflow(&sellerBal, &total)
	if overflow {
		return Settlement{}, domain.ErrOverflow
	}
	// Escrow paid, pay out total, refund paid-total: net effect on the
	// caller is -total.
	refund := new(uint256.Int).Sub(paid, &total)
	newCaller := new(uint256.Int).Sub(&callerBal, &total)

	if err := l.trades.MarkFinalized(id); err != nil {
		return Settlement{}, err
	}
	l.accounts.SetBalances(map[common.Address]uint256.Int{
		caller:   *newCaller,
		t.Seller: *newSeller,
	})

	ev := domain.TradeFinalized{TradeID: id, TotalPrice: total}
	l.emit(Event{Finalized: &ev})
	return Settlement{Event: ev, Payout: total, Refund: *refund}, nil
}

// GetTrade returns the current state of a trade, or domain.ErrTradeNotFound.
func (l *Ledger) GetTrade(id domain.TradeID) (domain.Trade, error) {
	return l.trades.Get(id)
}

// Balance returns an account's balance in base units.
func (l *Ledger) Balance(addr common.Address) uint256.Int {
	return l.accounts.Balance(addr)
}

// Fund credits an account outside the settlement protocol (genesis
// allocation).
func (l *Ledger) Fund(addr common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.accounts.Credit(addr, amount)
}

// Accounts returns the funded accounts in allocation order.
func (l *Ledger) Accounts() []common.Address {
	return l.accounts.Accounts()
}

// Events returns a copy of the event log.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Event, len(l.events))
	copy(result, l.events)
	return result
}

func (l *Ledger) emit(ev Event) {
	ev.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, ev)
}
