package order

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)
	svc := newService()
	h := NewHandler(svc, logging.Discard())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func do(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateGetCancel(t *testing.T) {
	r, _ := setupRouter()

	w := do(r, http.MethodPost, "/v1/orders", "alice", sellBTC())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Order Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Order.ID

	w = do(r, http.MethodGet, "/v1/orders/"+id, "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/orders/"+id+"/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/orders/"+id+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/orders?asset=btc", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(r, http.MethodGet, "/v1/orders?mine=true", "alice", nil)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupRouter()

	req := sellBTC()
	req.PaymentMethods = nil
	w := do(r, http.MethodPost, "/v1/orders", "alice", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_GetMissing(t *testing.T) {
	r, _ := setupRouter()
	w := do(r, http.MethodGet, "/v1/orders/ord_nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
