package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/market"
	"github.com/efreitasn/p2psettle/internal/metrics"
	"github.com/efreitasn/p2psettle/internal/node"
	"github.com/efreitasn/p2psettle/internal/store"
)

// Ledger is the ledger node a Settler drives. Both node.Simulated and
// node.EVM implement it. ID names the ledger trade ids belong to.
type Ledger interface {
	ID() string
	RegisterTrade(ctx context.Context, from common.Address, terms domain.TradeTerms) (*node.Pending, error)
	FinalizeTrade(ctx context.Context, from common.Address, id domain.TradeID, paid *uint256.Int) (*node.Pending, error)
	GetTrade(ctx context.Context, id domain.TradeID) (domain.Trade, error)
}

// Directory resolves participant labels.
type Directory interface {
	Lookup(label string) (common.Address, error)
}

// Journal persists settlement progress.
type Journal interface {
	Save(ctx context.Context, rec *store.SettlementRecord) error
	Unfinalized(ctx context.Context, ledger string) ([]store.SettlementRecord, error)
}

// Options tune a Settler.
type Options struct {
	RunID                  string        // generated when empty
	ConfirmTimeout         time.Duration // per confirmation wait
	MaxConsecutiveTimeouts int           // timeouts in a row before the node is considered lost
	Notifier               Notifier      // optional
}

// Notifier receives trade and run outcomes as they are recorded.
type Notifier interface {
	TradeRecorded(rec store.SettlementRecord)
	RunFinished(sum Summary)
}

// Failure is one trade that did not settle.
type Failure struct {
	DeliveryTime time.Time      `json:"delivery_time"`
	Position     int            `json:"position"`
	Buyer        string         `json:"buyer"`
	Seller       string         `json:"seller"`
	TradeID      domain.TradeID `json:"trade_id,omitempty"`
	Reason       string         `json:"reason"`
	Err          error          `json:"-"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID             string          `json:"run_id"`
	Attempted         int             `json:"attempted"`
	Settled           int             `json:"settled"`
	Failed            int             `json:"failed"`
	Failures          []Failure       `json:"failures"`
	TransferFiat      decimal.Decimal `json:"transfer_fiat"`
	TransferBaseUnits uint256.Int     `json:"-"`
	Aborted           bool            `json:"aborted"`
}

// MarshalJSON renders the base-unit total as a decimal string.
func (sum Summary) MarshalJSON() ([]byte, error) {
	type summary Summary
	return json.Marshal(struct {
		summary
		TransferBaseUnits string `json:"transfer_base_units"`
	}{summary(sum), sum.TransferBaseUnits.Dec()})
}

// Result describes a settled trade.
type Result struct {
	TradeID    domain.TradeID
	Conversion domain.Conversion
	RegisterTx common.Hash
	FinalizeTx common.Hash
}

// Settler drives market trades through register and finalize on the ledger,
// one trade at a time. It is not safe for concurrent use.
type Settler struct {
	ledger    Ledger
	directory Directory
	converter *domain.Converter
	journal   Journal
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options

	timeouts int
}

// NewSettler creates a Settler with the given dependencies.
func NewSettler(
	ledger Ledger,
	directory Directory,
	converter *domain.Converter,
	journal Journal,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) *Settler {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.MaxConsecutiveTimeouts < 1 {
		opts.MaxConsecutiveTimeouts = 1
	}
	return &Settler{
		ledger:    ledger,
		directory: directory,
		converter: converter,
		journal:   journal,
		metrics:   m,
		logger:    logger.With(zap.String("run_id", opts.RunID)),
		opts:      opts,
	}
}

// RunID returns the identifier journal rows of this run are stored under.
func (s *Settler) RunID() string {
	return s.opts.RunID
}

// Run settles every trade of the slots, in slot order and source order within
// a slot. A failed trade is recorded and the run moves on. A fatal error or
// cancellation stops the run and is returned along with the partial summary.
func (s *Settler) Run(ctx context.Context, slots []market.Slot) (*Summary, error) {
	sum := s.newSummary()
	s.logger.Info("settlement run started", zap.Int("slots", len(slots)))

	for _, slot := range slots {
		if len(slot.Trades) == 0 {
			s.logger.Debug("slot without trades", zap.Time("delivery_time", slot.DeliveryTime))
			continue
		}
		for pos, mt := range slot.Trades {
			if err := ctx.Err(); err != nil {
				return s.finish(sum, err)
			}

			sum.Attempted++
			res, err := s.SettleTrade(ctx, slot.DeliveryTime, pos, mt)
			if err != nil {
				sum.fail(Failure{
					DeliveryTime: slot.DeliveryTime,
					Position:     pos,
					Buyer:        mt.Buyer,
					Seller:       mt.Seller,
					TradeID:      tradeIDOf(err),
					Reason:       reason(err),
					Err:          err,
				})
				if domain.IsFatal(err) || ctx.Err() != nil {
					return s.finish(sum, err)
				}
				continue
			}
			sum.settle(res.Conversion.TransferFiat, &res.Conversion.TransferBaseUnits)
		}
	}
	return s.finish(sum, nil)
}

// Resume finalizes trades a previous run registered on this ledger but never
// settled. Each stored trade must still match its journal row. Trades the
// ledger already reports as finalized are marked settled without paying
// again.
func (s *Settler) Resume(ctx context.Context) (*Summary, error) {
	sum := s.newSummary()
	ledgerID := s.ledger.ID()
	recs, err := s.journal.Unfinalized(ctx, ledgerID)
	if err != nil {
		return s.finish(sum, fmt.Errorf("list unfinalized trades: %v: %w", err, domain.ErrCollaboratorUnavailable))
	}
	s.logger.Info("resuming registered trades", zap.String("ledger", ledgerID), zap.Int("trades", len(recs)))

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return s.finish(sum, err)
		}
		rec := &recs[i]
		sum.Attempted++

		fiat, total, err := s.resumeRecord(ctx, rec)
		if err != nil {
			sum.fail(Failure{
				DeliveryTime: rec.DeliveryTime,
				Position:     rec.Position,
				Buyer:        rec.BuyerLabel,
				Seller:       rec.SellerLabel,
				TradeID:      domain.TradeID(rec.TradeID),
				Reason:       reason(err),
				Err:          err,
			})
			if domain.IsFatal(err) || ctx.Err() != nil {
				return s.finish(sum, err)
			}
			continue
		}

		sum.settle(fiat, total)
	}
	return s.finish(sum, nil)
}

func (s *Settler) resumeRecord(ctx context.Context, rec *store.SettlementRecord) (decimal.Decimal, *uint256.Int, error) {
	fiat, err := decimal.NewFromString(rec.TransferFiat)
	if err != nil {
		return decimal.Zero, nil, s.recordFailure(ctx, rec, fmt.Errorf("journal transfer_fiat %q: %w", rec.TransferFiat, err))
	}
	expected, err := uint256.FromDecimal(rec.TransferBaseUnits)
	if err != nil {
		return decimal.Zero, nil, s.recordFailure(ctx, rec, fmt.Errorf("journal transfer_base_units %q: %w", rec.TransferBaseUnits, err))
	}
	buyer := common.HexToAddress(rec.Buyer)
	rec.Status = store.RecordRegistered
	rec.Reason = ""

	id := domain.TradeID(rec.TradeID)
	stored, err := s.ledger.GetTrade(ctx, id)
	if err != nil {
		return decimal.Zero, nil, s.recordFailure(ctx, rec, fmt.Errorf("read back trade %d: %w", id, err))
	}
	if err := matchRecord(rec, stored); err != nil {
		return decimal.Zero, nil, s.recordFailure(ctx, rec, err)
	}

	if stored.Finalized {
		s.logger.Info("trade already finalized on ledger", zap.Uint64("trade_id", rec.TradeID))
	} else {
		finalizeTx, err := s.finalize(ctx, rec, buyer, expected)
		if err != nil {
			return decimal.Zero, nil, s.recordFailure(ctx, rec, err)
		}
		rec.FinalizeTx = finalizeTx.Hex()
	}
	rec.Status = store.RecordSettled
	if err := s.save(ctx, rec); err != nil {
		return decimal.Zero, nil, err
	}
	s.logRecord(rec, nil)
	s.observeSettled(rec)
	return fiat, expected, nil
}

// matchRecord checks that the ledger's trade is the one the journal row
// registered.
func matchRecord(rec *store.SettlementRecord, stored domain.Trade) error {
	fields := []struct {
		name            string
		journal, ledger string
	}{
		{"buyer", common.HexToAddress(rec.Buyer).Hex(), stored.Buyer.Hex()},
		{"seller", common.HexToAddress(rec.Seller).Hex(), stored.Seller.Hex()},
		{"quantity", rec.QuantityWh, stored.Quantity.Dec()},
		{"unit_price", rec.UnitPrice, stored.UnitPrice.Dec()},
		{"delivery_time", strconv.FormatInt(rec.DeliveryTime.Unix(), 10), strconv.FormatUint(stored.DeliveryTime, 10)},
	}
	for _, f := range fields {
		if f.journal != f.ledger {
			return fmt.Errorf("trade %d %s: journal %s, ledger %s: %w", stored.ID, f.name, f.journal, f.ledger, domain.ErrReconciliation)
		}
	}
	return nil
}

// SettleTrade converts one market trade, registers it from the buyer's
// account, waits for confirmation, reconciles the stored trade against the
// conversion and finalizes it paying exactly the ledger's total.
func (s *Settler) SettleTrade(ctx context.Context, slot time.Time, pos int, mt domain.MarketTrade) (Result, error) {
	rec := &store.SettlementRecord{
		ID:           uuid.NewString(),
		RunID:        s.opts.RunID,
		Ledger:       s.ledger.ID(),
		DeliveryTime: slot.UTC(),
		Position:     pos,
		BuyerLabel:   mt.Buyer,
		SellerLabel:  mt.Seller,
		QuantityKWh:  mt.QuantityKWh.String(),
		PricePerKWh:  mt.PricePerKWh.String(),
		Status:       store.RecordPending,
	}
	var res Result

	buyer, err := s.directory.Lookup(mt.Buyer)
	if err != nil {
		return res, s.recordFailure(ctx, rec, err)
	}
	seller, err := s.directory.Lookup(mt.Seller)
	if err != nil {
		return res, s.recordFailure(ctx, rec, err)
	}
	rec.Buyer, rec.Seller = buyer.Hex(), seller.Hex()

	if slot.Unix() < 0 {
		return res, s.recordFailure(ctx, rec, &domain.ConversionError{
			Field: "delivery_time", Value: slot.Format(time.RFC3339), Err: domain.ErrInvalidDeliveryTime,
		})
	}

	start := time.Now()
	conv, err := s.converter.Convert(mt.QuantityKWh, mt.PricePerKWh)
	s.metrics.ObservePhase(metrics.PhaseConvert, start)
	if err != nil {
		return res, s.recordFailure(ctx, rec, err)
	}
	res.Conversion = conv
	rec.QuantityWh = conv.QuantityWh.Dec()
	rec.UnitPrice = conv.UnitPrice.Dec()
	rec.TransferFiat = conv.TransferFiat.StringFixed(domain.FiatPlaces)
	rec.TransferBaseUnits = conv.TransferBaseUnits.Dec()
	if err := s.save(ctx, rec); err != nil {
		return res, err
	}

	terms := domain.TradeTerms{
		Buyer:        buyer,
		Seller:       seller,
		Quantity:     conv.QuantityWh,
		UnitPrice:    conv.UnitPrice,
		DeliveryTime: uint64(slot.Unix()),
	}

	start = time.Now()
	pending, err := s.ledger.RegisterTrade(ctx, buyer, terms)
	if err != nil {
		return res, s.recordFailure(ctx, rec, fmt.Errorf("register: %w", err))
	}
	rec.RegisterTx = pending.TxHash.Hex()
	receipt, err := s.wait(ctx, pending)
	s.metrics.ObservePhase(metrics.PhaseRegister, start)
	if err != nil {
		return res, s.recordFailure(ctx, rec, fmt.Errorf("register: %w", err))
	}
	if receipt.Registered == nil {
		return res, s.recordFailure(ctx, rec, fmt.Errorf("register tx %s emitted no TradeRegistered: %w", receipt.TxHash.Hex(), domain.ErrTransactionReverted))
	}
	res.TradeID = receipt.Registered.TradeID
	res.RegisterTx = receipt.TxHash
	rec.TradeID = uint64(res.TradeID)
	rec.RegisterTx = receipt.TxHash.Hex()
	rec.Status = store.RecordRegistered
	if err := s.save(ctx, rec); err != nil {
		return res, err
	}

	res.FinalizeTx, err = s.finalize(ctx, rec, buyer, &conv.TransferBaseUnits)
	if err != nil {
		return res, s.recordFailure(ctx, rec, err)
	}
	rec.FinalizeTx = res.FinalizeTx.Hex()
	rec.Status = store.RecordSettled
	if err := s.save(ctx, rec); err != nil {
		return res, err
	}

	s.logRecord(rec, nil)
	s.observeSettled(rec)
	return res, nil
}

// finalize reads the registered trade back, checks its total against the
// converted transfer and pays exactly that total from the buyer.
func (s *Settler) finalize(ctx context.Context, rec *store.SettlementRecord, buyer common.Address, expected *uint256.Int) (common.Hash, error) {
	id := domain.TradeID(rec.TradeID)

	start := time.Now()
	stored, err := s.ledger.GetTrade(ctx, id)
	if err != nil {
		return common.Hash{}, fmt.Errorf("read back trade %d: %w", id, err)
	}
	if stored.Finalized {
		return common.Hash{}, fmt.Errorf("trade %d: %w", id, domain.ErrAlreadyFinalized)
	}
	total, err := stored.TotalPrice()
	if err != nil {
		return common.Hash{}, fmt.Errorf("trade %d total: %w", id, err)
	}
	s.metrics.ObservePhase(metrics.PhaseReconcile, start)
	if !total.Eq(expected) {
		return common.Hash{}, &domain.ReconciliationError{TradeID: id, Converted: expected.Dec(), OnLedger: total.Dec()}
	}

	start = time.Now()
	pending, err := s.ledger.FinalizeTrade(ctx, buyer, id, &total)
	if err != nil {
		return common.Hash{}, fmt.Errorf("finalize: %w", err)
	}
	rec.FinalizeTx = pending.TxHash.Hex()
	receipt, err := s.wait(ctx, pending)
	s.metrics.ObservePhase(metrics.PhaseFinalize, start)
	if err != nil {
		return common.Hash{}, fmt.Errorf("finalize: %w", err)
	}
	if receipt.Finalized == nil {
		return common.Hash{}, fmt.Errorf("finalize tx %s emitted no TradeFinalized: %w", receipt.TxHash.Hex(), domain.ErrTransactionReverted)
	}
	if !receipt.Finalized.TotalPrice.Eq(&total) {
		return common.Hash{}, &domain.ReconciliationError{TradeID: id, Converted: total.Dec(), OnLedger: receipt.Finalized.TotalPrice.Dec()}
	}
	return receipt.TxHash, nil
}

// wait bounds a confirmation by ConfirmTimeout. Too many timeouts in a row
// mean the node is not producing blocks.
func (s *Settler) wait(ctx context.Context, p *node.Pending) (*node.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	r, err := p.Wait(waitCtx)
	if err == nil {
		s.timeouts = 0
		return r, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		s.timeouts++
		if s.timeouts >= s.opts.MaxConsecutiveTimeouts {
			return nil, fmt.Errorf("tx %s: %d consecutive confirmation timeouts: %w", p.TxHash.Hex(), s.timeouts, domain.ErrCollaboratorUnavailable)
		}
		return nil, fmt.Errorf("tx %s not confirmed within %s: %w", p.TxHash.Hex(), s.opts.ConfirmTimeout, domain.ErrConfirmationTimeout)
	}
	s.timeouts = 0
	return nil, err
}

// recordFailure journals and logs a failed trade and returns err.
func (s *Settler) recordFailure(ctx context.Context, rec *store.SettlementRecord, err error) error {
	rec.Status = store.RecordFailed
	rec.Reason = reason(err)
	if saveErr := s.journal.Save(context.WithoutCancel(ctx), rec); saveErr != nil {
		s.logger.Error("journal failed trade", zap.String("record_id", rec.ID), zap.Error(saveErr))
	}
	s.logRecord(rec, err)
	s.metrics.TradesTotal.WithLabelValues("failed", rec.Reason).Inc()
	if rec.TradeID > 0 {
		return &tradeError{id: domain.TradeID(rec.TradeID), err: err}
	}
	return err
}

func (s *Settler) save(ctx context.Context, rec *store.SettlementRecord) error {
	if err := s.journal.Save(ctx, rec); err != nil {
		return fmt.Errorf("journal record %s: %v: %w", rec.ID, err, domain.ErrCollaboratorUnavailable)
	}
	return nil
}

func (s *Settler) observeSettled(rec *store.SettlementRecord) {
	s.metrics.TradesTotal.WithLabelValues("settled", "").Inc()
	if v, ok := new(big.Float).SetString(rec.TransferBaseUnits); ok {
		f, _ := v.Float64()
		s.metrics.BaseUnitsSettled.Add(f)
	}
	if fiat, err := decimal.NewFromString(rec.TransferFiat); err == nil {
		s.metrics.FiatSettled.Add(fiat.InexactFloat64())
	}
}

func (s *Settler) logRecord(rec *store.SettlementRecord, err error) {
	fields := []zap.Field{
		zap.Time("delivery_time", rec.DeliveryTime),
		zap.Int("position", rec.Position),
		zap.String("buyer", rec.BuyerLabel),
		zap.String("seller", rec.SellerLabel),
		zap.String("buyer_address", rec.Buyer),
		zap.String("seller_address", rec.Seller),
		zap.String("quantity_kwh", rec.QuantityKWh),
		zap.String("price_per_kwh", rec.PricePerKWh),
		zap.String("transfer_fiat", rec.TransferFiat),
		zap.String("quantity_wh", rec.QuantityWh),
		zap.String("unit_price", rec.UnitPrice),
		zap.String("transfer_base_units", rec.TransferBaseUnits),
		zap.Uint64("trade_id", rec.TradeID),
		zap.String("register_tx", rec.RegisterTx),
		zap.String("finalize_tx", rec.FinalizeTx),
		zap.String("status", string(rec.Status)),
	}
	if err != nil {
		s.logger.Warn("trade failed", append(fields, zap.String("reason", rec.Reason), zap.Error(err))...)
	} else {
		s.logger.Info("trade settled", fields...)
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.TradeRecorded(*rec)
	}
}

func (s *Settler) newSummary() *Summary {
	return &Summary{RunID: s.opts.RunID, TransferFiat: decimal.Zero, Failures: []Failure{}}
}

func (s *Settler) finish(sum *Summary, err error) (*Summary, error) {
	result := "completed"
	if err != nil {
		sum.Aborted = true
		result = "aborted"
	}
	s.metrics.RunsTotal.WithLabelValues(result).Inc()
	s.logger.Info("settlement run finished",
		zap.String("result", result),
		zap.Int("attempted", sum.Attempted),
		zap.Int("settled", sum.Settled),
		zap.Int("failed", sum.Failed),
		zap.String("transfer_fiat", sum.TransferFiat.StringFixed(domain.FiatPlaces)),
		zap.String("transfer_base_units", sum.TransferBaseUnits.Dec()),
	)
	if s.opts.Notifier != nil {
		s.opts.Notifier.RunFinished(*sum)
	}
	return sum, err
}

func (sum *Summary) settle(fiat decimal.Decimal, baseUnits *uint256.Int) {
	sum.Settled++
	sum.TransferFiat = sum.TransferFiat.Add(fiat)
	sum.TransferBaseUnits.Add(&sum.TransferBaseUnits, baseUnits)
}

func (sum *Summary) fail(f Failure) {
	sum.Failed++
	sum.Failures = append(sum.Failures, f)
}

// tradeError carries the ledger id of a trade that failed after registration.
type tradeError struct {
	id  domain.TradeID
	err error
}

func (e *tradeError) Error() string { return e.err.Error() }
func (e *tradeError) Unwrap() error { return e.err }

func tradeIDOf(err error) domain.TradeID {
	var te *tradeError
	if errors.As(err, &te) {
		return te.id
	}
	return 0
}

func reason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return domain.Reason(err)
}
