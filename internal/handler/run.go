package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/p2psettle/internal/store"
)

// RunHandler serves settlement run reports from the journal.
type RunHandler struct {
	runs RunReader
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs RunReader) *RunHandler {
	return &RunHandler{runs: runs}
}

type recordResponse struct {
	DeliveryTime      string  `json:"delivery_time"`
	Position          int     `json:"position"`
	Buyer             string  `json:"buyer"`
	Seller            string  `json:"seller"`
	BuyerAddress      string  `json:"buyer_address"`
	SellerAddress     string  `json:"seller_address"`
	QuantityKWh       string  `json:"quantity_kwh"`
	PricePerKWh       string  `json:"price_per_kwh"`
	QuantityWh        string  `json:"quantity_wh"`
	UnitPrice         string  `json:"unit_price"`
	TransferFiat      string  `json:"transfer_fiat"`
	TransferBaseUnits string  `json:"transfer_base_units"`
	TradeID           *uint64 `json:"trade_id"`
	Status            string  `json:"status"`
	Reason            *string `json:"reason"`
	RegisterTx        *string `json:"register_tx"`
	FinalizeTx        *string `json:"finalize_tx"`
}

type runResponse struct {
	RunID   string           `json:"run_id"`
	Total   int              `json:"total"`
	Settled int              `json:"settled"`
	Failed  int              `json:"failed"`
	Records []recordResponse `json:"records"`
}

// GetRun handles GET /runs/{run_id}.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	recs, err := h.runs.ListRun(r.Context(), runID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if len(recs) == 0 {
		WriteError(w, http.StatusNotFound, "run_not_found", fmt.Sprintf("Run %s not found", runID))
		return
	}

	resp := runResponse{RunID: runID, Total: len(recs), Records: make([]recordResponse, 0, len(recs))}
	for _, rec := range recs {
		switch rec.Status {
		case store.RecordSettled:
			resp.Settled++
		case store.RecordFailed:
			resp.Failed++
		}
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	WriteJSON(w, http.StatusOK, resp)
}

func toRecordResponse(rec store.SettlementRecord) recordResponse {
	resp := recordResponse{
		DeliveryTime:      rec.DeliveryTime.UTC().Format(time.RFC3339),
		Position:          rec.Position,
		Buyer:             rec.BuyerLabel,
		Seller:            rec.SellerLabel,
		BuyerAddress:      rec.Buyer,
		SellerAddress:     rec.Seller,
		QuantityKWh:       rec.QuantityKWh,
		PricePerKWh:       rec.PricePerKWh,
		QuantityWh:        rec.QuantityWh,
		UnitPrice:         rec.UnitPrice,
		TransferFiat:      rec.TransferFiat,
		TransferBaseUnits: rec.TransferBaseUnits,
		Status:            string(rec.Status),
	}
	if rec.TradeID > 0 {
		id := rec.TradeID
		resp.TradeID = &id
	}
	if rec.Reason != "" {
		reason := rec.Reason
		resp.Reason = &reason
	}
	if rec.RegisterTx != "" {
		tx := rec.RegisterTx
		resp.RegisterTx = &tx
	}
	if rec.FinalizeTx != "" {
		tx := rec.FinalizeTx
		resp.FinalizeTx = &tx
	}
	return resp
}
