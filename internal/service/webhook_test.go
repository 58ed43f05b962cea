package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/market"
	"github.com/efreitasn/p2psettle/internal/store"
)

type capturedRequest struct {
	header http.Header
	body   webhookPayload
	data   map[string]any
}

// webhookSink records every POST it receives.
type webhookSink struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func newWebhookSink(t *testing.T, status int) (*webhookSink, *httptest.Server) {
	t.Helper()
	sink := &webhookSink{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var payload webhookPayload
		var data struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			t.Errorf("decode data: %v", err)
		}
		sink.mu.Lock()
		sink.requests = append(sink.requests, capturedRequest{header: r.Header.Clone(), body: payload, data: data.Data})
		sink.mu.Unlock()
		w.WriteHeader(sink.status)
	}))
	t.Cleanup(server.Close)
	return sink, server
}

func (s *webhookSink) byEvent(event string) []capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capturedRequest
	for _, r := range s.requests {
		if r.body.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func TestTradeRecorded_SendsSettledPayload(t *testing.T) {
	sink, server := newWebhookSink(t, http.StatusOK)
	svc := NewWebhookService(server.URL, 5*time.Second, zaptest.NewLogger(t))

	svc.TradeRecorded(store.SettlementRecord{
		RunID:             "run-1",
		DeliveryTime:      slot10,
		Position:          2,
		BuyerLabel:        "C1",
		SellerLabel:       "P1",
		QuantityKWh:       "2.5",
		PricePerKWh:       "0.12",
		TransferFiat:      "0.3",
		TransferBaseUnits: "130435000000000",
		TradeID:           7,
		Status:            store.RecordSettled,
	})
	svc.Wait()

	reqs := sink.byEvent(EventTradeSettled)
	require.Len(t, reqs, 1)
	got := reqs[0]

	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, EventTradeSettled, got.header.Get("X-Event-Type"))
	assert.NotEmpty(t, got.header.Get("X-Delivery-Id"))
	_, err := time.Parse(time.RFC3339, got.body.Timestamp)
	assert.NoError(t, err)

	assert.Equal(t, "run-1", got.data["run_id"])
	assert.Equal(t, "2021-06-01T10:00:00Z", got.data["delivery_time"])
	assert.Equal(t, float64(2), got.data["position"])
	assert.Equal(t, "C1", got.data["buyer"])
	assert.Equal(t, float64(7), got.data["trade_id"])
	assert.Equal(t, "settled", got.data["status"])
	assert.Nil(t, got.data["reason"])
}

func TestTradeRecorded_SendsFailedPayload(t *testing.T) {
	sink, server := newWebhookSink(t, http.StatusOK)
	svc := NewWebhookService(server.URL, 5*time.Second, zaptest.NewLogger(t))

	svc.TradeRecorded(store.SettlementRecord{
		RunID:        "run-1",
		DeliveryTime: slot10,
		BuyerLabel:   "C99",
		SellerLabel:  "P1",
		Status:       store.RecordFailed,
		Reason:       "unknown_participant",
	})
	svc.Wait()

	reqs := sink.byEvent(EventTradeFailed)
	require.Len(t, reqs, 1)
	assert.Equal(t, "unknown_participant", reqs[0].data["reason"])
	assert.Nil(t, reqs[0].data["trade_id"])
}

func TestTradeRecorded_IgnoresIntermediateStatus(t *testing.T) {
	sink, server := newWebhookSink(t, http.StatusOK)
	svc := NewWebhookService(server.URL, 5*time.Second, zaptest.NewLogger(t))

	svc.TradeRecorded(store.SettlementRecord{Status: store.RecordRegistered, TradeID: 1})
	svc.TradeRecorded(store.SettlementRecord{Status: store.RecordPending})
	svc.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.requests)
}

func TestRunFinished_SendsSummary(t *testing.T) {
	sink, server := newWebhookSink(t, http.StatusOK)
	svc := NewWebhookService(server.URL, 5*time.Second, zaptest.NewLogger(t))

	sum := Summary{
		RunID:        "run-2",
		Attempted:    3,
		Settled:      2,
		Failed:       1,
		TransferFiat: decimal.RequireFromString("1.25"),
		Aborted:      true,
	}
	sum.TransferBaseUnits = *uint256.NewInt(42)
	svc.RunFinished(sum)
	svc.Wait()

	reqs := sink.byEvent(EventRunFinished)
	require.Len(t, reqs, 1)
	data := reqs[0].data
	assert.Equal(t, "run-2", data["run_id"])
	assert.Equal(t, float64(3), data["attempted"])
	assert.Equal(t, float64(2), data["settled"])
	assert.Equal(t, float64(1), data["failed"])
	assert.Equal(t, "1.25", data["transfer_fiat"])
	assert.Equal(t, "42", data["transfer_base_units"])
	assert.Equal(t, true, data["aborted"])
}

func TestDispatch_ServerError_SilentlyIgnored(t *testing.T) {
	sink, server := newWebhookSink(t, http.StatusInternalServerError)
	svc := NewWebhookService(server.URL, 5*time.Second, zaptest.NewLogger(t))

	svc.RunFinished(Summary{RunID: "run-3", TransferFiat: decimal.Zero})
	svc.Wait()

	assert.Len(t, sink.byEvent(EventRunFinished), 1)
}

func TestDispatch_UnreachableURL_SilentlyIgnored(t *testing.T) {
	_, server := newWebhookSink(t, http.StatusOK)
	url := server.URL
	server.Close()

	svc := NewWebhookService(url, time.Second, zaptest.NewLogger(t))
	svc.RunFinished(Summary{RunID: "run-4", TransferFiat: decimal.Zero})
	svc.Wait()
}

func TestSettlerNotifiesWebhook(t *testing.T) {
	sink, server := newWebhookSink(t, http.StatusOK)
	svc := NewWebhookService(server.URL, 5*time.Second, zaptest.NewLogger(t))

	env := newTestSettlerEnv(t, newTestSimNode(t, 0), nil, Options{RunID: "run-5", Notifier: svc})
	_, err := env.settler.Run(context.Background(), []market.Slot{
		{DeliveryTime: slot10, Trades: []domain.MarketTrade{
			trade("C1", "P1", "2.5", "0.12"),
			trade("C99", "P1", "1", "0.1"),
		}},
	})
	require.NoError(t, err)
	svc.Wait()

	settled := sink.byEvent(EventTradeSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, "C1", settled[0].data["buyer"])
	assert.Equal(t, float64(1), settled[0].data["trade_id"])

	failed := sink.byEvent(EventTradeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "C99", failed[0].data["buyer"])

	runs := sink.byEvent(EventRunFinished)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-5", runs[0].data["run_id"])
	assert.Equal(t, float64(1), runs[0].data["settled"])
	assert.Equal(t, float64(1), runs[0].data["failed"])
}
