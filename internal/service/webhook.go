package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/store"
)

// Webhook event types.
const (
	EventTradeSettled = "trade.settled"
	EventTradeFailed  = "trade.failed"
	EventRunFinished  = "run.finished"
)

// WebhookService posts settlement outcomes to a single configured URL.
// Delivery is fire-and-forget: failures are logged and never affect the run.
type WebhookService struct {
	url    string
	client *http.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewWebhookService creates a new WebhookService that delivers to url.
func NewWebhookService(url string, webhookTimeout time.Duration, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		url:    url,
		logger: logger,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
	}
}

// webhookPayload is the JSON envelope of every delivery.
type webhookPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type tradeEventData struct {
	RunID             string  `json:"run_id"`
	DeliveryTime      string  `json:"delivery_time"`
	Position          int     `json:"position"`
	Buyer             string  `json:"buyer"`
	Seller            string  `json:"seller"`
	QuantityKWh       string  `json:"quantity_kwh"`
	PricePerKWh       string  `json:"price_per_kwh"`
	TransferFiat      string  `json:"transfer_fiat"`
	TransferBaseUnits string  `json:"transfer_base_units"`
	TradeID           *uint64 `json:"trade_id"`
	Status            string  `json:"status"`
	Reason            *string `json:"reason"`
}

type runEventData struct {
	RunID             string `json:"run_id"`
	Attempted         int    `json:"attempted"`
	Settled           int    `json:"settled"`
	Failed            int    `json:"failed"`
	TransferFiat      string `json:"transfer_fiat"`
	TransferBaseUnits string `json:"transfer_base_units"`
	Aborted           bool   `json:"aborted"`
}

// TradeRecorded dispatches trade.settled or trade.failed for a journaled
// trade. Rows in any other status are not announced.
func (s *WebhookService) TradeRecorded(rec store.SettlementRecord) {
	var event string
	switch rec.Status {
	case store.RecordSettled:
		event = EventTradeSettled
	case store.RecordFailed:
		event = EventTradeFailed
	default:
		return
	}

	data := tradeEventData{
		RunID:             rec.RunID,
		DeliveryTime:      rec.DeliveryTime.UTC().Format(time.RFC3339),
		Position:          rec.Position,
		Buyer:             rec.BuyerLabel,
		Seller:            rec.SellerLabel,
		QuantityKWh:       rec.QuantityKWh,
		PricePerKWh:       rec.PricePerKWh,
		TransferFiat:      rec.TransferFiat,
		TransferBaseUnits: rec.TransferBaseUnits,
		Status:            string(rec.Status),
	}
	if rec.TradeID > 0 {
		id := rec.TradeID
		data.TradeID = &id
	}
	if rec.Reason != "" {
		reason := rec.Reason
		data.Reason = &reason
	}
	s.dispatch(event, data)
}

// RunFinished dispatches run.finished with the run summary.
func (s *WebhookService) RunFinished(sum Summary) {
	s.dispatch(EventRunFinished, runEventData{
		RunID:             sum.RunID,
		Attempted:         sum.Attempted,
		Settled:           sum.Settled,
		Failed:            sum.Failed,
		TransferFiat:      sum.TransferFiat.String(),
		TransferBaseUnits: sum.TransferBaseUnits.Dec(),
		Aborted:           sum.Aborted,
	})
}

// Wait blocks until every dispatched delivery has finished.
func (s *WebhookService) Wait() {
	s.wg.Wait()
}

func (s *WebhookService) dispatch(event string, data any) {
	payload := webhookPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      data,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(event, payload)
	}()
}

// deliver sends the webhook payload via HTTP POST with the delivery headers.
func (s *WebhookService) deliver(eventType string, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode webhook", zap.String("event", eventType), zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("build webhook request", zap.String("event", eventType), zap.Error(err))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Event-Type", eventType)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("deliver webhook", zap.String("event", eventType), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook rejected",
			zap.String("event", eventType),
			zap.Int("status", resp.StatusCode),
		)
	}
}
