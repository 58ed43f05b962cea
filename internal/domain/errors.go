package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for settlement-level error handling.
// The orchestrator treats every error except ErrCollaboratorUnavailable as
// scoped to a single trade.
var (
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrInvalidExchangeRate = errors.New("invalid_exchange_rate")
	ErrInvalidParties      = errors.New("invalid_parties")
	ErrInvalidDeliveryTime = errors.New("invalid_delivery_time")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyFinalized    = errors.New("already_finalized")
	ErrInsufficientPayment = errors.New("insufficient_payment")
	ErrInsufficientFunds   = errors.New("insufficient_funds")
	ErrOverflow            = errors.New("overflow")
	ErrTradeNotFound       = errors.New("trade_not_found")
	ErrUnknownParticipant  = errors.New("unknown_participant")
	ErrReconciliation      = errors.New("reconciliation_mismatch")
	ErrConfirmationTimeout = errors.New("confirmation_timeout")
	ErrTransactionReverted = errors.New("transaction_reverted")

	// ErrCollaboratorUnavailable means the ledger node (or compiler) cannot be
	// reached. It is fatal for a settlement run.
	ErrCollaboratorUnavailable = errors.New("collaborator_unavailable")
)

// ConversionError reports a market value the unit converter rejected.
type ConversionError struct {
	Field string
	Value string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s=%s: %v", e.Field, e.Value, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ReconciliationError reports a divergence between the converter's transfer
// amount and the product the ledger computes from its stored trade.
type ReconciliationError struct {
	TradeID   TradeID
	Converted string
	OnLedger  string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("trade %d: converter transfer %s != ledger total %s", e.TradeID, e.Converted, e.OnLedger)
}

func (e *ReconciliationError) Unwrap() error {
	return ErrReconciliation
}

// IsFatal reports whether err must abort a settlement run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCollaboratorUnavailable)
}

// Reason returns the snake_case code of the first settlement sentinel found
// in err's chain, or "internal_error".
func Reason(err error) string {
	for _, s := range []error{
		ErrInvalidQuantity, ErrInvalidPrice, ErrInvalidExchangeRate,
		ErrInvalidParties, ErrInvalidDeliveryTime, ErrUnauthorized, ErrAlreadyFinalized,
		ErrInsufficientPayment, ErrInsufficientFunds, ErrOverflow,
		ErrTradeNotFound, ErrUnknownParticipant, ErrReconciliation,
		ErrConfirmationTimeout, ErrTransactionReverted, ErrCollaboratorUnavailable,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal_error"
}
