package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/reconciliation"
	"github.com/mbd888/peerex/internal/trade"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClaims struct {
	before time.Time
	trades []*trade.Trade
}

func (f *fakeClaims) ListStaleSettlements(_ context.Context, before time.Time, _ int) ([]*trade.Trade, error) {
	f.before = before
	return f.trades, nil
}

type fakeRecoverer struct {
	err   error
	calls []string
}

func (f *fakeRecoverer) RecoverStale(_ context.Context, id string) (*trade.Trade, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &trade.Trade{ID: id, State: trade.StateCompleted}, nil
}

func (f *fakeRecoverer) StaleAfter() time.Duration { return 2 * time.Minute }

type fakeSweeper struct{ sweeps int }

func (f *fakeSweeper) Sweep(context.Context) { f.sweeps++ }

type fakeReconciler struct {
	report *reconciliation.Report
	err    error
}

func (f *fakeReconciler) RunAll(context.Context) (*reconciliation.Report, error) {
	return f.report, f.err
}

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestListStuck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	claims := &fakeClaims{trades: []*trade.Trade{{ID: "trd_1"}}}
	h := NewHandler().WithClaims(claims, &fakeRecoverer{})
	h.now = func() time.Time { return now }

	w := serve(h, http.MethodGet, "/v1/admin/trades/stuck")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !claims.before.Equal(now.Add(-2 * time.Minute)) {
		t.Errorf("listed claims before %v, want the recovery threshold", claims.before)
	}
	var body struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 1 {
		t.Errorf("expected 1 stuck trade, got %d", body.Count)
	}
}

func TestRetrySettlement(t *testing.T) {
	rec := &fakeRecoverer{}
	w := serve(NewHandler().WithClaims(&fakeClaims{}, rec), http.MethodPost, "/v1/admin/trades/trd_9/retry-settlement")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(rec.calls) != 1 || rec.calls[0] != "trd_9" {
		t.Errorf("unexpected recover calls %v", rec.calls)
	}
}

func TestRetrySettlement_Errors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{trade.ErrTradeNotFound, http.StatusNotFound},
		{trade.ErrEscrowReleaseFailed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := serve(NewHandler().WithClaims(&fakeClaims{}, &fakeRecoverer{err: tt.err}),
			http.MethodPost, "/v1/admin/trades/trd_9/retry-settlement")
		if w.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, w.Code)
		}
	}
}

func TestExpireOverdue(t *testing.T) {
	sw := &fakeSweeper{}
	w := serve(NewHandler().WithSweeper(sw), http.MethodPost, "/v1/admin/trades/expire-overdue")
	if w.Code != http.StatusOK || sw.sweeps != 1 {
		t.Fatalf("expected one sweep and 200, got %d sweeps, status %d", sw.sweeps, w.Code)
	}
}

func TestTriggerReconciliation(t *testing.T) {
	rep := &reconciliation.Report{Healthy: false, OrphanedHolds: []reconciliation.Finding{{TradeID: "trd_1"}}}
	w := serve(NewHandler().WithReconciler(&fakeReconciler{report: rep, err: errors.New("stale claims: db down")}),
		http.MethodPost, "/v1/admin/reconcile")
	if w.Code != http.StatusOK {
		t.Fatalf("a partial report is still returned, got %d", w.Code)
	}
	var body struct {
		Report reconciliation.Report `json:"report"`
		Errors string                `json:"errors"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Report.OrphanedHolds) != 1 || body.Errors == "" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestNotConfigured(t *testing.T) {
	for _, path := range []string{"/v1/admin/trades/expire-overdue", "/v1/admin/reconcile", "/v1/admin/trades/x/retry-settlement"} {
		if w := serve(NewHandler(), http.MethodPost, path); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}
