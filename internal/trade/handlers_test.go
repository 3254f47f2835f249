package trade

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/escrow"
	"github.com/mbd888/peerex/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.svc, logging.Discard())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Set(auth.ContextKeyRole, c.GetHeader("X-Test-Role"))
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r, f
}

type call struct {
	method, path string
	actor        Actor
	body         any
	idemKey      string
}

func (c call) do(r *gin.Engine) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if c.body != nil {
		_ = json.NewEncoder(&buf).Encode(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", c.actor.ID)
	if c.actor.Arbiter {
		req.Header.Set("X-Test-Role", string(auth.RoleArbiter))
	}
	if c.idemKey != "" {
		req.Header.Set(IdempotencyHeader, c.idemKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type tradeBody struct {
	Trade     *Trade `json:"trade"`
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) tradeBody {
	t.Helper()
	var b tradeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b
}

func createViaAPI(t *testing.T, r *gin.Engine) *Trade {
	t.Helper()
	w := call{http.MethodPost, "/v1/trades", buyer, map[string]any{"orderId": "ord_sell", "fiatAmount": "100"}, ""}.do(r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w).Trade
}

func TestHandler_Lifecycle(t *testing.T) {
	r, _ := setupRouter(t)
	tr := createViaAPI(t, r)
	assert.Equal(t, StatePending, tr.State)
	assert.Equal(t, "0.002", tr.CryptoAmount.String())

	w := call{http.MethodPost, "/v1/trades/" + tr.ID + "/confirm-payment", buyer, nil, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call{http.MethodPost, "/v1/trades/" + tr.ID + "/release", seller, nil, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StateCompleted, decode(t, w).Trade.State)

	w = call{http.MethodGet, "/v1/trades/" + tr.ID + "/history", seller, nil, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		History []map[string]any `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Len(t, hist.History, 3)
	assert.NotContains(t, w.Body.String(), "idempotencyKey")

	w = call{http.MethodGet, "/v1/trades", buyer, nil, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Trades, 1)
}

func TestHandler_ConflictCarriesSnapshot(t *testing.T) {
	r, _ := setupRouter(t)
	tr := createViaAPI(t, r)

	w := call{http.MethodPost, "/v1/trades/" + tr.ID + "/release", seller, nil, ""}.do(r)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	b := decode(t, w)
	assert.Equal(t, "wrong_state", b.Error)
	assert.Equal(t, string(ReasonInvalidState), b.Reason)
	require.NotNil(t, b.Trade)
	assert.Equal(t, StatePending, b.Trade.State)
	assert.False(t, b.Retryable)
}

func TestHandler_StatusMapping(t *testing.T) {
	r, f := setupRouter(t)
	tr := createViaAPI(t, r)

	tests := []struct {
		name     string
		call     call
		wantCode int
		wantErr  string
	}{
		{"not found", call{http.MethodGet, "/v1/trades/trd_missing", buyer, nil, ""}, http.StatusNotFound, "not_found"},
		{"outsider read", call{http.MethodGet, "/v1/trades/" + tr.ID, outside, nil, ""}, http.StatusForbidden, "not_participant"},
		{"seller confirms", call{http.MethodPost, "/v1/trades/" + tr.ID + "/confirm-payment", seller, nil, ""}, http.StatusForbidden, "not_buyer"},
		{"empty dispute", call{http.MethodPost, "/v1/trades/" + tr.ID + "/dispute", buyer, ReasonRequest{Reason: ""}, ""}, http.StatusBadRequest, "empty_reason"},
		{"bad outcome", call{http.MethodPost, "/v1/trades/" + tr.ID + "/resolve", arbiter, ResolveRequest{Outcome: "split"}, ""}, http.StatusBadRequest, "invalid_outcome"},
		{"over limit", call{http.MethodPost, "/v1/trades", buyer, map[string]any{"orderId": "ord_sell", "fiatAmount": "600"}, ""}, http.StatusBadRequest, "amount_out_of_limits"},
		{"missing order id", call{http.MethodPost, "/v1/trades", buyer, map[string]any{"fiatAmount": "100"}, ""}, http.StatusBadRequest, "validation_error"},
		{"long key", call{http.MethodPost, "/v1/trades/" + tr.ID + "/confirm-payment", buyer, nil, strings.Repeat("k", 129)}, http.StatusBadRequest, "validation_error"},
		{"bad cursor", call{http.MethodGet, "/v1/trades?cursor=%25%25", buyer, nil, ""}, http.StatusBadRequest, "invalid_cursor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.call.do(r)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decode(t, w).Error)
		})
	}

	// Nothing above changed the trade.
	cur, err := f.store.Get(t.Context(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
}

func TestHandler_EscrowOutageIsRetryable(t *testing.T) {
	r, f := setupRouter(t)
	tr := createViaAPI(t, r)

	f.ledger.setSettleErr(escrow.ErrUnavailable)
	w := call{http.MethodPost, "/v1/trades/" + tr.ID + "/cancel", buyer, nil, ""}.do(r)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	b := decode(t, w)
	assert.Equal(t, "escrow_return_failed", b.Error)
	assert.True(t, b.Retryable)

	f.ledger.setSettleErr(nil)
	w = call{http.MethodPost, "/v1/trades/" + tr.ID + "/cancel", buyer, ReasonRequest{Reason: "found a better rate"}, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "found a better rate", decode(t, w).Trade.CancelReason)
}

func TestHandler_IdempotentRetry(t *testing.T) {
	r, f := setupRouter(t)
	body := map[string]any{"orderId": "ord_sell", "cryptoAmount": "0.001"}

	w1 := call{http.MethodPost, "/v1/trades", buyer, body, "open-1"}.do(r)
	require.Equal(t, http.StatusCreated, w1.Code, w1.Body.String())
	w2 := call{http.MethodPost, "/v1/trades", buyer, body, "open-1"}.do(r)
	require.Equal(t, http.StatusCreated, w2.Code, w2.Body.String())

	assert.Equal(t, decode(t, w1).Trade.ID, decode(t, w2).Trade.ID)
	assert.Equal(t, 1, f.orders.reserves)
}

func TestHandler_ArbiterResolves(t *testing.T) {
	r, _ := setupRouter(t)
	tr := createViaAPI(t, r)

	w := call{http.MethodPost, "/v1/trades/" + tr.ID + "/dispute", seller, ReasonRequest{Reason: "buyer vanished"}, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call{http.MethodGet, "/v1/trades/" + tr.ID, arbiter, nil, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	w = call{http.MethodPost, "/v1/trades/" + tr.ID + "/resolve", arbiter, ResolveRequest{Outcome: OutcomeReturn, Note: "no payment proof"}, ""}.do(r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w).Trade
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, OutcomeReturn, got.Resolution)
}
