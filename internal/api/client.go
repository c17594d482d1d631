package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ordersync/internal/domain"

	"golang.org/x/time/rate"
)

// Client replays queued mutations against the ordering API. Each queue entry
// maps 1:1 to one REST call. Outbound requests are paced with a rate limiter
// so a large backlog does not hammer a freshly recovered backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient constructs a client with baseURL and bearer token.
func NewClient(baseURL, token string, timeout time.Duration, rps float64, burst int) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// SetToken replaces the bearer credential, e.g. after a token refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Create POSTs a new entity and returns the canonical server entity.
func (c *Client) Create(ctx context.Context, resource string, payload json.RawMessage) (*domain.ServerEntity, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s", c.baseURL, url.PathEscape(resource))
	return c.doEntity(ctx, http.MethodPost, endpoint, payload)
}

// Update PATCHes an existing entity.
func (c *Client) Update(ctx context.Context, resource, id string, payload json.RawMessage) (*domain.ServerEntity, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, url.PathEscape(resource), url.PathEscape(id))
	return c.doEntity(ctx, http.MethodPatch, endpoint, payload)
}

// Delete removes an entity. A 404 counts as success: the entity is gone.
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s", c.baseURL, url.PathEscape(resource), url.PathEscape(id))
	_, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) doEntity(ctx context.Context, method, endpoint string, payload json.RawMessage) (*domain.ServerEntity, error) {
	body, err := c.do(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode server entity: %w", err)
	}
	if probe.ID == "" {
		return nil, fmt.Errorf("server entity missing id field")
	}
	return &domain.ServerEntity{ID: probe.ID, Body: body}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if len(payload) > 0 {
		reqBody = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// classifyTransportError maps connection-level failures onto the taxonomy.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Refused/unreachable means no connectivity; timeouts are transient.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return err
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
