package tradesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/peerex/internal/message"
	"github.com/mbd888/peerex/internal/trade"
)

// Source reads a trade and its message log.
type Source interface {
	FetchTrade(ctx context.Context, tradeID string) (*trade.Trade, error)
	// FetchMessages returns messages with seq > afterSeq, ascending.
	FetchMessages(ctx context.Context, tradeID string, afterSeq int64) ([]*message.Message, error)
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// HTTPSource reads from the peerex HTTP API with a bearer token.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source for the API at baseURL, e.g.
// "http://localhost:8080".
func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying client.
func (s *HTTPSource) WithHTTPClient(c *http.Client) *HTTPSource {
	s.httpClient = c
	return s
}

func (s *HTTPSource) get(ctx context.Context, path string, query url.Values, out any) error {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *HTTPSource) FetchTrade(ctx context.Context, tradeID string) (*trade.Trade, error) {
	var resp struct {
		Trade *trade.Trade `json:"trade"`
	}
	if err := s.get(ctx, "/v1/trades/"+url.PathEscape(tradeID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Trade == nil {
		return nil, fmt.Errorf("decode response: missing trade")
	}
	return resp.Trade, nil
}

func (s *HTTPSource) FetchMessages(ctx context.Context, tradeID string, afterSeq int64) ([]*message.Message, error) {
	q := url.Values{}
	q.Set("afterSeq", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(message.MaxLimit))

	var resp struct {
		Messages []*message.Message `json:"messages"`
	}
	if err := s.get(ctx, "/v1/trades/"+url.PathEscape(tradeID)+"/messages", q, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
