package rating

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/logging"
)

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(newTestService(), logging.Discard())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func post(r *gin.Engine, path, user string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RateTrade(t *testing.T) {
	r := setupRouter()

	tests := []struct {
		name     string
		path     string
		user     string
		score    int
		wantCode int
		wantErr  string
	}{
		{"rated", "/v1/trades/trd_done/rating", "bob", 5, http.StatusCreated, ""},
		{"again", "/v1/trades/trd_done/rating", "bob", 4, http.StatusConflict, "already_rated"},
		{"open trade", "/v1/trades/trd_open/rating", "bob", 4, http.StatusConflict, "not_completed"},
		{"outsider", "/v1/trades/trd_done/rating", "mallory", 4, http.StatusForbidden, "not_participant"},
		{"bad score", "/v1/trades/trd_done/rating", "alice", 9, http.StatusBadRequest, "validation_error"},
		{"missing", "/v1/trades/trd_nope/rating", "alice", 3, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		w := post(r, tt.path, tt.user, RateRequest{Score: tt.score})
		if w.Code != tt.wantCode {
			t.Errorf("%s: expected %d, got %d: %s", tt.name, tt.wantCode, w.Code, w.Body.String())
			continue
		}
		if tt.wantErr == "" {
			continue
		}
		var body map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["error"] != tt.wantErr {
			t.Errorf("%s: expected error %s, got %v", tt.name, tt.wantErr, body["error"])
		}
	}
}
