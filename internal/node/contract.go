package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// ContractABI is the interface of contracts/P2PTrade.sol.
const ContractABI = `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"uint256","name":"tradeId","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"totalPriceInWei","type":"uint256"}],
   "name":"TradeFinalized","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"uint256","name":"tradeId","type":"uint256"},
    {"indexed":true,"internalType":"address","name":"buyerAddress","type":"address"},
    {"indexed":true,"internalType":"address","name":"sellerAddress","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"quantity","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"priceInWei","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"delivery","type":"uint256"}],
   "name":"TradeRegistered","type":"event"},
  {"inputs":[{"internalType":"uint256","name":"tradeId","type":"uint256"}],
   "name":"finalizeTrade","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"tradeId","type":"uint256"}],
   "name":"getTrade","outputs":[
    {"internalType":"uint256","name":"delivery","type":"uint256"},
    {"internalType":"address","name":"buyer","type":"address"},
    {"internalType":"address","name":"seller","type":"address"},
    {"internalType":"uint256","name":"quantity","type":"uint256"},
    {"internalType":"uint256","name":"priceInWei","type":"uint256"},
    {"internalType":"bool","name":"isFinalized","type":"bool"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[
    {"internalType":"address payable","name":"_buyerAddress","type":"address"},
    {"internalType":"address payable","name":"_sellerAddress","type":"address"},
    {"internalType":"uint256","name":"_quantity","type":"uint256"},
    {"internalType":"uint256","name":"_priceInWei","type":"uint256"},
    {"internalType":"uint256","name":"_delivery","type":"uint256"}],
   "name":"registerTrade","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
   "stateMutability":"nonpayable","type":"function"}
]`

// Revert reasons raised by the contract.
const (
	revertUnauthorized     = "Only the buyer can perform this action."
	revertAlreadyFinalized = "Trade has already been finalized."
	revertInsufficient     = "Insufficient Ether sent for the trade."
	revertNotFound         = "Trade does not exist."
	revertInvalidParties   = "Buyer and seller must be distinct."
)

var revertErrors = []struct {
	reason string
	err    error
}{
	{revertUnauthorized, domain.ErrUnauthorized},
	{revertAlreadyFinalized, domain.ErrAlreadyFinalized},
	{revertInsufficient, domain.ErrInsufficientPayment},
	{revertNotFound, domain.ErrTradeNotFound},
	{revertInvalidParties, domain.ErrInvalidParties},
	{"overflow", domain.ErrOverflow}, // Panic(0x11)
	{"insufficient funds", domain.ErrInsufficientFunds},
}

var parsedABI = mustParseABI(ContractABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// registeredLog mirrors the TradeRegistered event.
type registeredLog struct {
	TradeId       *big.Int
	BuyerAddress  common.Address
	SellerAddress common.Address
	Quantity      *big.Int
	PriceInWei    *big.Int
	Delivery      *big.Int
}

// finalizedLog mirrors the TradeFinalized event.
type finalizedLog struct {
	TradeId         *big.Int
	TotalPriceInWei *big.Int
}

func (l registeredLog) toDomain() (*domain.TradeRegistered, error) {
	qty, err := toUint256(l.Quantity)
	if err != nil {
		return nil, err
	}
	price, err := toUint256(l.PriceInWei)
	if err != nil {
		return nil, err
	}
	return &domain.TradeRegistered{
		TradeID: domain.TradeID(l.TradeId.Uint64()),
		TradeTerms: domain.TradeTerms{
			Buyer:        l.BuyerAddress,
			Seller:       l.SellerAddress,
			Quantity:     qty,
			UnitPrice:    price,
			DeliveryTime: l.Delivery.Uint64(),
		},
	}, nil
}

func (l finalizedLog) toDomain() (*domain.TradeFinalized, error) {
	total, err := toUint256(l.TotalPriceInWei)
	if err != nil {
		return nil, err
	}
	return &domain.TradeFinalized{TradeID: domain.TradeID(l.TradeId.Uint64()), TotalPrice: total}, nil
}

func toUint256(b *big.Int) (uint256.Int, error) {
	if b == nil {
		return uint256.Int{}, nil
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return uint256.Int{}, domain.ErrOverflow
	}
	return *v, nil
}

// revertError maps a revert reason to the matching domain error.
func revertError(reason string) error {
	lower := strings.ToLower(reason)
	for _, r := range revertErrors {
		if strings.Contains(lower, strings.ToLower(r.reason)) {
			return fmt.Errorf("%s: %w", reason, r.err)
		}
	}
	return fmt.Errorf("%s: %w", reason, domain.ErrTransactionReverted)
}

// classify turns a node error into a domain error. Reverts and node-side
// rejections are scoped to the transaction; anything that is not a JSON-RPC
// error response is a transport failure and makes the node unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return revertError(reason)
				}
			}
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return revertError(rpcErr.Error())
	}
	return fmt.Errorf("ledger node: %v: %w", err, domain.ErrCollaboratorUnavailable)
}
