package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kasirinaja/posledger/internal/domain"
)

// HTTPPaymentGateway talks to a hosted-checkout provider over a small REST contract:
//
//	POST {base}/sessions          {"order_ref","amount","description"} -> {"session_url"}
//	GET  {base}/sessions/{ref}    -> {"status"}
type HTTPPaymentGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPPaymentGateway(baseURL string, apiKey string, timeout time.Duration) *HTTPPaymentGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPaymentGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type createSessionRequest struct {
	OrderRef    string `json:"order_ref"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type sessionStatusResponse struct {
	Status string `json:"status"`
}

func (g *HTTPPaymentGateway) CreateSession(ctx context.Context, orderRef string, amount int64, description string) (SessionInfo, error) {
	body, err := json.Marshal(createSessionRequest{OrderRef: orderRef, Amount: amount, Description: description})
	if err != nil {
		return SessionInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return SessionInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var info SessionInfo
	if err := g.do(req, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.SessionURL == "" {
		return SessionInfo{}, fmt.Errorf("%w: provider returned no session url", domain.ErrGateway)
	}
	return info, nil
}

func (g *HTTPPaymentGateway) GetStatus(ctx context.Context, orderRef string) (domain.GatewayStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/sessions/"+url.PathEscape(orderRef), nil)
	if err != nil {
		return "", err
	}
	var resp sessionStatusResponse
	if err := g.do(req, &resp); err != nil {
		return "", err
	}
	return NormaliseStatus(resp.Status), nil
}

func (g *HTTPPaymentGateway) do(req *http.Request, dest any) error {
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGateway, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrGateway, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: provider responded %d: %s", domain.ErrGateway, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrGateway, err)
	}
	return nil
}
