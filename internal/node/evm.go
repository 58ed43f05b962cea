package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// EVMConfig configures the JSON-RPC ledger client.
type EVMConfig struct {
	URL            string
	Contract       common.Address // zero until deployed
	GasLimit       uint64
	DeployGasLimit uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration // bounds the deployment confirmation; 0 waits on ctx only
}

// EVM talks to an EVM node that holds the settlement contract. Transactions
// are sent with eth_sendTransaction from node-managed accounts; signing keys
// never reach this process.
type EVM struct {
	rpc      *rpc.Client
	client   *ethclient.Client
	abi      abi.ABI
	chainID  *big.Int
	address  common.Address
	contract *bind.BoundContract
	cfg      EVMConfig
	logger   *zap.Logger
}

// txArgs is the eth_sendTransaction parameter object.
type txArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Gas   hexutil.Uint64  `json:"gas"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data"`
}

// DialEVM connects to the node at cfg.URL and checks it answers. Failing to
// reach it returns domain.ErrCollaboratorUnavailable.
func DialEVM(ctx context.Context, cfg EVMConfig, logger *zap.Logger) (*EVM, error) {
	rc, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", cfg.URL, err, domain.ErrCollaboratorUnavailable)
	}
	e := &EVM{
		rpc:    rc,
		client: ethclient.NewClient(rc),
		abi:    parsedABI,
		cfg:    cfg,
		logger: logger,
	}
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("chain id from %s: %v: %w", cfg.URL, err, domain.ErrCollaboratorUnavailable)
	}
	e.chainID = chainID
	logger.Info("connected to ledger node", zap.String("url", cfg.URL), zap.String("chain_id", chainID.String()))

	if cfg.Contract != (common.Address{}) {
		e.Bind(cfg.Contract)
	}
	return e, nil
}

// Bind points the client at an already deployed contract.
func (e *EVM) Bind(addr common.Address) {
	e.address = addr
	e.contract = bind.NewBoundContract(addr, e.abi, e.client, e.client, e.client)
}

// ID identifies the ledger as chain id and contract address. It changes when
// the client is bound to another contract.
func (e *EVM) ID() string {
	return fmt.Sprintf("evm:%s:%s", e.chainID, e.address.Hex())
}

// Address returns the bound contract address.
func (e *EVM) Address() common.Address {
	return e.address
}

// Deploy creates the contract from bytecode, waits for confirmation and binds
// the client to it.
func (e *EVM) Deploy(ctx context.Context, from common.Address, bytecode []byte) (common.Address, error) {
	hash, err := e.send(ctx, txArgs{From: from, Gas: hexutil.Uint64(e.cfg.DeployGasLimit), Data: bytecode})
	if err != nil {
		return common.Address{}, err
	}
	waitCtx := ctx
	if e.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		defer cancel()
	}
	r, err := e.pending(hash).Wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return common.Address{}, fmt.Errorf("deploy tx %s not confirmed within %s: %w", hash.Hex(), e.cfg.ConfirmTimeout, domain.ErrConfirmationTimeout)
		}
		return common.Address{}, err
	}
	e.Bind(r.ContractAddress)
	e.logger.Info("contract deployed",
		zap.String("address", r.ContractAddress.Hex()),
		zap.String("tx", hash.Hex()),
	)
	return r.ContractAddress, nil
}

// Accounts lists the node-managed accounts.
func (e *EVM) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := e.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

// RegisterTrade submits registerTrade from the given account.
func (e *EVM) RegisterTrade(ctx context.Context, from common.Address, terms domain.TradeTerms) (*Pending, error) {
	data, err := e.abi.Pack("registerTrade",
		terms.Buyer,
		terms.Seller,
		terms.Quantity.ToBig(),
		terms.UnitPrice.ToBig(),
		new(big.Int).SetUint64(terms.DeliveryTime),
	)
	if err != nil {
		return nil, fmt.Errorf("pack registerTrade: %w", err)
	}
	return e.transact(ctx, from, data, nil)
}

// FinalizeTrade submits finalizeTrade from the given account with paid
// attached as the transaction value.
func (e *EVM) FinalizeTrade(ctx context.Context, from common.Address, id domain.TradeID, paid *uint256.Int) (*Pending, error) {
	data, err := e.abi.Pack("finalizeTrade", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return nil, fmt.Errorf("pack finalizeTrade: %w", err)
	}
	return e.transact(ctx, from, data, paid.ToBig())
}

// GetTrade calls the contract's getTrade view.
func (e *EVM) GetTrade(ctx context.Context, id domain.TradeID) (domain.Trade, error) {
	if e.contract == nil {
		return domain.Trade{}, errors.New("contract not bound")
	}
	var out []interface{}
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTrade", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return domain.Trade{}, classify(err)
	}
	if len(out) != 6 {
		return domain.Trade{}, fmt.Errorf("getTrade returned %d values", len(out))
	}

	delivery, _ := out[0].(*big.Int)
	buyer, _ := out[1].(common.Address)
	seller, _ := out[2].(common.Address)
	qtyBig, _ := out[3].(*big.Int)
	priceBig, _ := out[4].(*big.Int)
	finalized, _ := out[5].(bool)

	qty, err := toUint256(qtyBig)
	if err != nil {
		return domain.Trade{}, err
	}
	price, err := toUint256(priceBig)
	if err != nil {
		return domain.Trade{}, err
	}
	var deliveryTime uint64
	if delivery != nil {
		deliveryTime = delivery.Uint64()
	}
	return domain.Trade{
		ID: id,
		TradeTerms: domain.TradeTerms{
			Buyer:        buyer,
			Seller:       seller,
			Quantity:     qty,
			UnitPrice:    price,
			DeliveryTime: deliveryTime,
		},
		Finalized: finalized,
	}, nil
}

// BalanceAt returns an account's balance in base units at the latest block.
func (e *EVM) BalanceAt(ctx context.Context, addr common.Address) (uint256.Int, error) {
	bal, err := e.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return uint256.Int{}, classify(err)
	}
	return toUint256(bal)
}

// Close closes the RPC connection.
func (e *EVM) Close() error {
	e.rpc.Close()
	return nil
}

// transact dry-runs the call with eth_call to surface revert reasons as
// domain errors, then sends it.
func (e *EVM) transact(ctx context.Context, from common.Address, data []byte, value *big.Int) (*Pending, error) {
	if e.contract == nil {
		return nil, errors.New("contract not bound")
	}
	to := e.address
	msg := ethereum.CallMsg{From: from, To: &to, Gas: e.cfg.GasLimit, Value: value, Data: data}
	if _, err := e.client.CallContract(ctx, msg, nil); err != nil {
		return nil, classify(err)
	}

	args := txArgs{From: from, To: &to, Gas: hexutil.Uint64(e.cfg.GasLimit), Data: data}
	if value != nil {
		args.Value = (*hexutil.Big)(value)
	}
	hash, err := e.send(ctx, args)
	if err != nil {
		return nil, err
	}
	return e.pending(hash), nil
}

func (e *EVM) send(ctx context.Context, args txArgs) (common.Hash, error) {
	var hash common.Hash
	if err := e.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, classify(err)
	}
	return hash, nil
}

// pending returns a future that polls for the transaction's receipt until it
// is mined or the waiter's context ends.
func (e *EVM) pending(hash common.Hash) *Pending {
	return &Pending{
		TxHash: hash,
		wait: func(ctx context.Context) (*Receipt, error) {
			ticker := time.NewTicker(e.cfg.PollInterval)
			defer ticker.Stop()

			for {
				r, err := e.client.TransactionReceipt(ctx, hash)
				if err == nil {
					return e.decode(r)
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if !errors.Is(err, ethereum.NotFound) {
					return nil, classify(err)
				}

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		},
	}
}

func (e *EVM) decode(r *types.Receipt) (*Receipt, error) {
	if r.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s: %w", r.TxHash.Hex(), domain.ErrTransactionReverted)
	}
	out := &Receipt{
		TxHash:          r.TxHash,
		BlockNumber:     r.BlockNumber.Uint64(),
		ContractAddress: r.ContractAddress,
	}
	if e.contract == nil {
		return out, nil
	}

	for _, lg := range r.Logs {
		if lg.Address != e.address || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case e.abi.Events["TradeRegistered"].ID:
			var ev registeredLog
			if err := e.contract.UnpackLog(&ev, "TradeRegistered", *lg); err != nil {
				return nil, fmt.Errorf("decode TradeRegistered: %w", err)
			}
			reg, err := ev.toDomain()
			if err != nil {
				return nil, err
			}
			out.Registered = reg
		case e.abi.Events["TradeFinalized"].ID:
			var ev finalizedLog
			if err := e.contract.UnpackLog(&ev, "TradeFinalized", *lg); err != nil {
				return nil, fmt.Errorf("decode TradeFinalized: %w", err)
			}
			fin, err := ev.toDomain()
			if err != nil {
				return nil, err
			}
			out.Finalized = fin
		}
	}
	return out, nil
}
