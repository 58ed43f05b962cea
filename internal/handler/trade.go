package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// TradeHandler serves ledger trades.
type TradeHandler struct {
	ledger LedgerReader
	dir    Directory
}

// NewTradeHandler creates a new TradeHandler.
func NewTradeHandler(ledger LedgerReader, dir Directory) *TradeHandler {
	return &TradeHandler{ledger: ledger, dir: dir}
}

// tradeResponse is the JSON response for GET /trades/{trade_id}. Ledger
// integers are decimal strings.
type tradeResponse struct {
	TradeID      uint64  `json:"trade_id"`
	State        string  `json:"state"`
	Buyer        string  `json:"buyer"`
	BuyerLabel   *string `json:"buyer_label"`
	Seller       string  `json:"seller"`
	SellerLabel  *string `json:"seller_label"`
	QuantityWh   string  `json:"quantity_wh"`
	QuantityKWh  string  `json:"quantity_kwh"`
	UnitPrice    string  `json:"unit_price"`
	TotalPrice   *string `json:"total_price"`
	DeliveryTime string  `json:"delivery_time"`
	Finalized    bool    `json:"finalized"`
}

// GetTrade handles GET /trades/{trade_id}.
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "trade_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid trade id: %q", raw))
		return
	}

	trade, err := h.ledger.GetTrade(r.Context(), domain.TradeID(id))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.toResponse(trade))
}

func (h *TradeHandler) toResponse(t domain.Trade) tradeResponse {
	resp := tradeResponse{
		TradeID:      uint64(t.ID),
		State:        string(t.State()),
		Buyer:        t.Buyer.Hex(),
		Seller:       t.Seller.Hex(),
		QuantityWh:   t.Quantity.Dec(),
		QuantityKWh:  domain.WhToKWh(&t.Quantity).String(),
		UnitPrice:    t.UnitPrice.Dec(),
		DeliveryTime: t.DeliverySlot().Format(time.RFC3339),
		Finalized:    t.Finalized,
	}
	if total, err := t.TotalPrice(); err == nil {
		s := total.Dec()
		resp.TotalPrice = &s
	}
	if label, ok := h.dir.Label(t.Buyer); ok {
		resp.BuyerLabel = &label
	}
	if label, ok := h.dir.Label(t.Seller); ok {
		resp.SellerLabel = &label
	}
	return resp
}
