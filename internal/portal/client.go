package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/pkg/pagination"
)

var _ API = (*Client)(nil)

// Client talks to the portal REST API.
type Client struct {
	baseURL  string
	http     *http.Client
	token    func() string
	pageSize int
	logger   zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a fixed bearer token on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = func() string { return token } }
}

// WithTokenSource reads the bearer token per request.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) { c.token = fn }
}

func WithPageSize(n int) ClientOption {
	return func(c *Client) { c.pageSize = n }
}

// NewClient creates a REST client rooted at baseURL.
func NewClient(baseURL string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		pageSize: pagination.DefaultLimit,
		logger:   logger.With().Str("component", "portal").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchNotifications returns the first page of the identity's notifications
// in server order (newest first).
func (c *Client) FetchNotifications(ctx context.Context, identity string) ([]Notification, error) {
	return c.FetchNotificationsPage(ctx, identity, pagination.New(0, c.pageSize))
}

// FetchNotificationsPage returns one skip/limit window.
func (c *Client) FetchNotificationsPage(ctx context.Context, identity string, p pagination.Params) ([]Notification, error) {
	var out []Notification
	path := "/notifications/" + url.PathEscape(identity)
	if err := c.do(ctx, http.MethodGet, path, p.Query(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context, identity string) error {
	return c.do(ctx, http.MethodPatch, "/notifications/read-all/"+url.PathEscape(identity), nil, nil)
}

func (c *Client) FetchAppointment(ctx context.Context, id string) (*Appointment, error) {
	var appt Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments/"+url.PathEscape(id), nil, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func (c *Client) UpdateAppointmentStatus(ctx context.Context, id, status string) error {
	q := url.Values{}
	q.Set("status", status)
	return c.do(ctx, http.MethodPatch, "/appointments/"+url.PathEscape(id)+"/status", q, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: detail(body)}
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("portal request failed")
		return serr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// detail extracts the API's error message from a response body.
func detail(body []byte) string {
	var e struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if s, ok := e.Detail.(string); ok && s != "" {
			return s
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}
