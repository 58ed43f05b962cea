package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/engine"
	"github.com/efreitasn/p2psettle/internal/store"
)

// SimulatedConfig configures an in-process node.
type SimulatedConfig struct {
	Accounts       int           // genesis accounts to create and fund
	InitialBalance uint256.Int   // per genesis account, base units
	BlockTime      time.Duration // delay before each transaction is confirmed
}

// simTx is a queued transaction. apply runs on the sequencing goroutine.
type simTx struct {
	hash    common.Hash
	apply   func() (*Receipt, error)
	done    chan struct{}
	receipt *Receipt
	err     error
}

// Simulated is an in-process ledger node. Submitted transactions are
// executed one at a time, in submission order, by a single goroutine that
// plays the role of the node's block producer.
type Simulated struct {
	id        string
	ledger    *engine.Ledger
	blockTime time.Duration
	logger    *zap.Logger

	queue   chan *simTx
	stop    chan struct{}
	wg      sync.WaitGroup
	senders sync.WaitGroup // submitters that may still write to queue

	mu     sync.Mutex
	closed bool
	seq    uint64
	block  uint64
}

// NewSimulated creates a node with deterministic, funded genesis accounts
// and starts its sequencing goroutine. Call Close to stop it.
func NewSimulated(cfg SimulatedConfig, logger *zap.Logger) (*Simulated, error) {
	ledger := engine.NewLedger(store.NewTradeStore(), store.NewAccountStore())
	for i := 0; i < cfg.Accounts; i++ {
		if err := ledger.Fund(GenesisAccount(i), &cfg.InitialBalance); err != nil {
			return nil, fmt.Errorf("fund genesis account %d: %w", i, err)
		}
	}

	s := &Simulated{
		id:        "sim:" + uuid.NewString(),
		ledger:    ledger,
		blockTime: cfg.BlockTime,
		logger:    logger,
		queue:     make(chan *simTx, 64),
		stop:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// GenesisAccount returns the i-th deterministic genesis account address.
func GenesisAccount(i int) common.Address {
	return crypto.CreateAddress(common.Address{}, uint64(i))
}

// ID identifies this node instance. Trade ids are only meaningful within it.
func (s *Simulated) ID() string {
	return s.id
}

// Accounts returns the funded accounts in genesis order.
func (s *Simulated) Accounts(ctx context.Context) ([]common.Address, error) {
	return s.ledger.Accounts(), nil
}

// RegisterTrade queues a registration sent by from.
func (s *Simulated) RegisterTrade(ctx context.Context, from common.Address, terms domain.TradeTerms) (*Pending, error) {
	return s.submit(ctx, func() (*Receipt, error) {
		ev, err := s.ledger.RegisterTrade(terms)
		if err != nil {
			return nil, err
		}
		return &Receipt{Registered: &ev}, nil
	})
}

// FinalizeTrade queues a finalize sent by from with paid attached.
func (s *Simulated) FinalizeTrade(ctx context.Context, from common.Address, id domain.TradeID, paid *uint256.Int) (*Pending, error) {
	value := *paid
	return s.submit(ctx, func() (*Receipt, error) {
		settled, err := s.ledger.FinalizeTrade(from, id, &value)
		if err != nil {
			return nil, err
		}
		return &Receipt{Finalized: &settled.Event}, nil
	})
}

// GetTrade reads a trade's current state.
func (s *Simulated) GetTrade(ctx context.Context, id domain.TradeID) (domain.Trade, error) {
	if err := s.available(); err != nil {
		return domain.Trade{}, err
	}
	return s.ledger.GetTrade(id)
}

// BalanceAt returns an account's balance in base units.
func (s *Simulated) BalanceAt(ctx context.Context, addr common.Address) (uint256.Int, error) {
	if err := s.available(); err != nil {
		return uint256.Int{}, err
	}
	return s.ledger.Balance(addr), nil
}

// Close stops the node. Transactions still queued fail with
// domain.ErrCollaboratorUnavailable, as does any later call.
func (s *Simulated) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.senders.Wait()
	s.wg.Wait()
	// Sends that won the race against run's own drain.
	s.drain()
	return nil
}

func (s *Simulated) available() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("simulated node stopped: %w", domain.ErrCollaboratorUnavailable)
	}
	return nil
}

func (s *Simulated) submit(ctx context.Context, apply func() (*Receipt, error)) (*Pending, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("simulated node stopped: %w", domain.ErrCollaboratorUnavailable)
	}
	s.senders.Add(1)
	defer s.senders.Done()
	s.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.seq)
	tx := &simTx{
		hash:  crypto.Keccak256Hash(buf[:]),
		apply: apply,
		done:  make(chan struct{}),
	}
	s.mu.Unlock()

	select {
	case s.queue <- tx:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, fmt.Errorf("simulated node stopped: %w", domain.ErrCollaboratorUnavailable)
	}

	return &Pending{
		TxHash: tx.hash,
		wait: func(ctx context.Context) (*Receipt, error) {
			select {
			case <-tx.done:
				return tx.receipt, tx.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}, nil
}

func (s *Simulated) run() {
	defer s.wg.Done()

	for {
		select {
		case tx := <-s.queue:
			if s.blockTime > 0 {
				timer := time.NewTimer(s.blockTime)
				select {
				case <-timer.C:
				case <-s.stop:
					timer.Stop()
					s.fail(tx)
					s.drain()
					return
				}
			}
			s.execute(tx)
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Simulated) execute(tx *simTx) {
	s.mu.Lock()
	s.block++
	block := s.block
	s.mu.Unlock()

	receipt, err := tx.apply()
	if receipt != nil {
		receipt.TxHash = tx.hash
		receipt.BlockNumber = block
	}
	tx.receipt, tx.err = receipt, err
	close(tx.done)

	s.logger.Debug("simulated block",
		zap.Uint64("block", block),
		zap.String("tx", tx.hash.Hex()),
		zap.Error(err),
	)
}

func (s *Simulated) fail(tx *simTx) {
	tx.err = fmt.Errorf("simulated node stopped: %w", domain.ErrCollaboratorUnavailable)
	close(tx.done)
}

func (s *Simulated) drain() {
	for {
		select {
		case tx := <-s.queue:
			s.fail(tx)
		default:
			return
		}
	}
}
