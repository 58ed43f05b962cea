package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/efreitasn/p2psettle/internal/directory"
	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/market"
	"github.com/efreitasn/p2psettle/internal/metrics"
	"github.com/efreitasn/p2psettle/internal/node"
	"github.com/efreitasn/p2psettle/internal/service"
	"github.com/efreitasn/p2psettle/internal/store"
)

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router  http.Handler
	sim     *node.Simulated
	dir     *directory.Directory
	journal *store.Journal
	metrics *metrics.Metrics
	settler *service.Settler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sim, err := node.NewSimulated(node.SimulatedConfig{
		Accounts:       3,
		InitialBalance: *uint256.MustFromDecimal("100000000000000000000"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })

	accounts, err := sim.Accounts(context.Background())
	require.NoError(t, err)
	dir, err := directory.FromAccounts(accounts, 1)
	require.NoError(t, err)

	journal, err := store.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	conv, err := domain.NewConverter(decimal.NewFromInt(2300))
	require.NoError(t, err)

	m := metrics.New()
	settler := service.NewSettler(sim, dir, conv, journal, m, logger, service.Options{
		RunID:                  "run-1",
		ConfirmTimeout:         5 * time.Second,
		MaxConsecutiveTimeouts: 3,
	})

	return &testEnv{
		router:  NewRouter(sim, journal, dir, m, logger),
		sim:     sim,
		dir:     dir,
		journal: journal,
		metrics: m,
		settler: settler,
	}
}

// settle runs one slot with a settled and a failed trade.
func (env *testEnv) settle(t *testing.T) {
	t.Helper()
	_, err := env.settler.Run(context.Background(), []market.Slot{{
		DeliveryTime: time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC),
		Trades: []domain.MarketTrade{
			{Buyer: "C1", Seller: "P1", QuantityKWh: decimal.NewFromInt(1), PricePerKWh: decimal.RequireFromString("2.3")},
			{Buyer: "C9", Seller: "P1", QuantityKWh: decimal.NewFromInt(1), PricePerKWh: decimal.NewFromInt(1)},
		},
	}})
	require.NoError(t, err)
}

// get sends a GET request and returns the recorder.
func (env *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rr.Code, rr.Body.String())
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	assert.Equal(t, code, resp.Error)
	assert.NotEmpty(t, resp.Message)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/healthz")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestGetTrade(t *testing.T) {
	env := newTestEnv(t)
	env.settle(t)

	t.Run("finalized trade", func(t *testing.T) {
		rr := env.get(t, "/trades/1")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp tradeResponse
		decodeJSON(t, rr, &resp)
		c1, _ := env.dir.Lookup("C1")
		p1, _ := env.dir.Lookup("P1")

		assert.Equal(t, uint64(1), resp.TradeID)
		assert.Equal(t, string(domain.TradeStateFinalized), resp.State)
		assert.True(t, resp.Finalized)
		assert.Equal(t, c1.Hex(), resp.Buyer)
		assert.Equal(t, p1.Hex(), resp.Seller)
		require.NotNil(t, resp.BuyerLabel)
		assert.Equal(t, "C1", *resp.BuyerLabel)
		require.NotNil(t, resp.SellerLabel)
		assert.Equal(t, "P1", *resp.SellerLabel)
		assert.Equal(t, "1000", resp.QuantityWh)
		assert.Equal(t, "1", resp.QuantityKWh)
		assert.Equal(t, "1000000000000", resp.UnitPrice)
		require.NotNil(t, resp.TotalPrice)
		assert.Equal(t, "1000000000000000", *resp.TotalPrice)
		assert.Equal(t, "2021-06-01T10:00:00Z", resp.DeliveryTime)
	})

	t.Run("unknown trade", func(t *testing.T) {
		assertError(t, env.get(t, "/trades/42"), http.StatusNotFound, "trade_not_found")
	})

	for _, path := range []string{"/trades/0", "/trades/abc", "/trades/-1"} {
		t.Run("invalid id "+path, func(t *testing.T) {
			assertError(t, env.get(t, path), http.StatusBadRequest, "invalid_request")
		})
	}

	t.Run("node stopped", func(t *testing.T) {
		require.NoError(t, env.sim.Close())
		assertError(t, env.get(t, "/trades/1"), http.StatusServiceUnavailable, "collaborator_unavailable")
	})
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.settle(t)

	p1, _ := env.dir.Lookup("P1")

	t.Run("by label", func(t *testing.T) {
		rr := env.get(t, "/accounts/P1/balance")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp balanceResponse
		decodeJSON(t, rr, &resp)
		assert.Equal(t, p1.Hex(), resp.Address)
		require.NotNil(t, resp.Label)
		assert.Equal(t, "P1", *resp.Label)
		assert.Equal(t, "100001000000000000000", resp.BaseUnits)
		assert.Equal(t, "100.001", resp.LedgerUnits)
	})

	t.Run("by address", func(t *testing.T) {
		rr := env.get(t, "/accounts/"+strings.ToLower(p1.Hex())+"/balance")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp balanceResponse
		decodeJSON(t, rr, &resp)
		assert.Equal(t, p1.Hex(), resp.Address)
		assert.Equal(t, "100001000000000000000", resp.BaseUnits)
	})

	t.Run("address outside the directory", func(t *testing.T) {
		addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
		rr := env.get(t, "/accounts/"+addr.Hex()+"/balance")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp balanceResponse
		decodeJSON(t, rr, &resp)
		assert.Nil(t, resp.Label)
		assert.Equal(t, "0", resp.BaseUnits)
		assert.Equal(t, "0", resp.LedgerUnits)
	})

	t.Run("unknown label", func(t *testing.T) {
		assertError(t, env.get(t, "/accounts/C9/balance"), http.StatusNotFound, "unknown_participant")
	})
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t)
	env.settle(t)

	t.Run("reports every trade", func(t *testing.T) {
		rr := env.get(t, "/runs/run-1")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp runResponse
		decodeJSON(t, rr, &resp)
		assert.Equal(t, "run-1", resp.RunID)
		assert.Equal(t, 2, resp.Total)
		assert.Equal(t, 1, resp.Settled)
		assert.Equal(t, 1, resp.Failed)
		require.Len(t, resp.Records, 2)

		settled, failed := resp.Records[0], resp.Records[1]
		assert.Equal(t, 0, settled.Position)
		assert.Equal(t, "settled", settled.Status)
		require.NotNil(t, settled.TradeID)
		assert.Equal(t, uint64(1), *settled.TradeID)
		assert.Equal(t, "1000000000000000", settled.TransferBaseUnits)
		assert.NotNil(t, settled.RegisterTx)
		assert.NotNil(t, settled.FinalizeTx)
		assert.Nil(t, settled.Reason)

		assert.Equal(t, 1, failed.Position)
		assert.Equal(t, "failed", failed.Status)
		assert.Equal(t, "C9", failed.Buyer)
		assert.Nil(t, failed.TradeID)
		require.NotNil(t, failed.Reason)
		assert.Equal(t, "unknown_participant", *failed.Reason)
	})

	t.Run("unknown run", func(t *testing.T) {
		assertError(t, env.get(t, "/runs/nope"), http.StatusNotFound, "run_not_found")
	})
}

func TestRouterMetrics(t *testing.T) {
	env := newTestEnv(t)

	env.get(t, "/trades/7")
	env.get(t, "/healthz")

	rr := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `route="/trades/{trade_id}"`)
	assert.Contains(t, body, `status="404"`)
	assert.Contains(t, body, `route="/healthz"`)
}

func TestUnmatchedRoute(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/nope")

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
