// Package node provides ledger node collaborators: an in-process simulated
// node and a JSON-RPC client for EVM nodes holding the settlement contract.
package node

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// Receipt is the confirmation of one ledger transaction. At most one of
// Registered and Finalized is set.
type Receipt struct {
	TxHash          common.Hash
	BlockNumber     uint64
	Registered      *domain.TradeRegistered
	Finalized       *domain.TradeFinalized
	ContractAddress common.Address // deployments only
}

// Pending is a submitted transaction awaiting confirmation.
type Pending struct {
	TxHash common.Hash
	wait   func(ctx context.Context) (*Receipt, error)
}

// Wait blocks until the transaction is confirmed or ctx is done. A reverted
// transaction returns the matching domain error. Wait may be called more
// than once.
func (p *Pending) Wait(ctx context.Context) (*Receipt, error) {
	return p.wait(ctx)
}
