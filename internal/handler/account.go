package handler

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// AccountHandler serves account balances.
type AccountHandler struct {
	ledger LedgerReader
	dir    Directory
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(ledger LedgerReader, dir Directory) *AccountHandler {
	return &AccountHandler{ledger: ledger, dir: dir}
}

type balanceResponse struct {
	Address     string  `json:"address"`
	Label       *string `json:"label"`
	BaseUnits   string  `json:"base_units"`
	LedgerUnits string  `json:"ledger_units"`
}

// GetBalance handles GET /accounts/{address}/balance. The path segment is
// either a hex address or a participant label.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")

	var addr common.Address
	switch {
	case common.IsHexAddress(raw):
		addr = common.HexToAddress(raw)
	default:
		a, err := h.dir.Lookup(raw)
		if err != nil {
			WriteError(w, http.StatusNotFound, "unknown_participant", fmt.Sprintf("No account for %q", raw))
			return
		}
		addr = a
	}

	bal, err := h.ledger.BalanceAt(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := balanceResponse{
		Address:     addr.Hex(),
		BaseUnits:   bal.Dec(),
		LedgerUnits: domain.BaseUnitsToLedgerUnits(&bal).String(),
	}
	if label, ok := h.dir.Label(addr); ok {
		resp.Label = &label
	}
	WriteJSON(w, http.StatusOK, resp)
}
