package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable is returned when the inventory service cannot be reached.
var ErrUnavailable = errors.New("inventory unavailable")

// ValidationError is a rejected request, carrying the HTTP status and the
// message returned by the service.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory rejected request: status %d: %s", e.Status, e.Message)
}

// Item is one inventory entry.
type Item struct {
	Code     string   `json:"code"`
	Features Features `json:"features"`
	Location string   `json:"location,omitempty"`
}

// Service is the subset of the inventory API the reconciler relies on.
// Implementations must be safe for concurrent use.
type Service interface {
	CodesByFeature(ctx context.Context, feature, value string) ([]string, error)
	GetItem(ctx context.Context, code string) (*Item, error)
	AddItem(ctx context.Context, features Features, location string) (string, error)
	UpdateFeatures(ctx context.Context, code string, features Features) error
	RemoveItem(ctx context.Context, code string) error
}

type Client struct {
	endpoint string
	token    string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

func New(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		attempts: 3,
		backoff:  time.Second,
	}
}

// WithRetry sets how often idempotent requests are attempted and the first
// wait between attempts, which doubles after each failure. Creates are
// never retried.
func (c *Client) WithRetry(attempts int, backoff time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	c.attempts = attempts
	c.backoff = backoff
	return c
}

// Connect builds a client and verifies the session. Any failure is reported
// as ErrUnavailable so callers can fall back to running without inventory.
func Connect(ctx context.Context, endpoint, token string, timeout time.Duration) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured: %w", ErrUnavailable)
	}
	c := New(endpoint, token, timeout)
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v2/session", nil, nil)
}

func (c *Client) CodesByFeature(ctx context.Context, feature, value string) ([]string, error) {
	var codes []string
	path := "/v2/features/" + url.PathEscape(feature) + "/" + url.PathEscape(value)
	if err := c.do(ctx, http.MethodGet, path, nil, &codes); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return codes, nil
}

func (c *Client) GetItem(ctx context.Context, code string) (*Item, error) {
	var item Item
	if err := c.do(ctx, http.MethodGet, "/v2/items/"+url.PathEscape(code), nil, &item); err != nil {
		return nil, err
	}
	if item.Code == "" {
		item.Code = code
	}
	return &item, nil
}

func (c *Client) AddItem(ctx context.Context, features Features, location string) (string, error) {
	payload := Item{Features: features, Location: location}
	var created struct {
		Code string `json:"code"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/items", payload, &created); err != nil {
		return "", err
	}
	if created.Code == "" {
		return "", errors.New("inventory returned no code for new item")
	}
	return created.Code, nil
}

func (c *Client) UpdateFeatures(ctx context.Context, code string, features Features) error {
	return c.do(ctx, http.MethodPatch, "/v2/items/"+url.PathEscape(code)+"/features", features, nil)
}

func (c *Client) RemoveItem(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodDelete, "/v2/items/"+url.PathEscape(code), nil, nil)
}

// do sends one request, retrying transport failures and 429/5xx answers with
// exponential backoff unless the request is a create.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	attempts := c.attempts
	if method == http.MethodPost || attempts < 1 {
		attempts = 1
	}
	backoff := c.backoff
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-time.After(backoff):
				backoff *= 2
			}
		}
		err = c.send(ctx, method, path, payload, out)
		if !retryable(ctx, err) {
			return err
		}
	}
	return err
}

func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Status == http.StatusTooManyRequests || verr.Status >= 500
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &ValidationError{Status: resp.StatusCode, Message: errorMessage(bodyBytes)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	return strings.TrimSpace(string(body))
}
