// Package signals reports business events to the AgentBill backend outside
// of the span pipeline.
package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentbill/agentbill-go/internal/config"
)

// Path receives signal posts under the configured base URL.
const Path = "/functions/v1/record-signals"

const defaultTimeout = 10 * time.Second

var (
	ErrUnexpectedStatus = errors.New("unexpected signal endpoint status")
	ErrMissingEventName = errors.New("signal event name is required")
)

// Signal is a billing or business event with an optional revenue amount.
// A zero Timestamp means "now".
type Signal struct {
	EventName string
	Revenue   float64
	Data      map[string]any
	Timestamp time.Time
}

type payload struct {
	EventName  string         `json:"event_name"`
	Revenue    float64        `json:"revenue"`
	CustomerID string         `json:"customer_id"`
	Timestamp  int64          `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

type Options struct {
	BaseURL    string
	APIKey     string
	CustomerID string
	Debug      bool
	// Transport defaults to http.DefaultTransport. The facade passes the
	// observability runtime's traced transport.
	Transport http.RoundTripper
	Timeout   time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

type Client struct {
	endpoint   string
	apiKey     string
	customerID string
	debug      bool
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Client, error) {
	base, err := config.ParseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("signals endpoint: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		endpoint:   base.String() + Path,
		apiKey:     strings.TrimSpace(opts.APIKey),
		customerID: strings.TrimSpace(opts.CustomerID),
		debug:      opts.Debug,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		logger:     logger,
		now:        now,
	}, nil
}

// Track posts s and never reports failure to the caller. Failures and
// successes are logged only when debug is enabled.
func (c *Client) Track(ctx context.Context, s Signal) {
	if c == nil {
		return
	}
	err := c.Send(ctx, s)
	if !c.debug {
		return
	}
	if err != nil {
		c.logger.DebugContext(ctx, "signal delivery failed", "event_name", s.EventName, "error", err)
		return
	}
	c.logger.DebugContext(ctx, "signal delivered", "event_name", s.EventName)
}

// Send posts s and returns transport, encoding and status errors.
func (c *Client) Send(ctx context.Context, s Signal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := c.encode(s)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post signal: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

func (c *Client) encode(s Signal) ([]byte, error) {
	name := strings.TrimSpace(s.EventName)
	if name == "" {
		return nil, ErrMissingEventName
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(payload{
		EventName:  name,
		Revenue:    s.Revenue,
		CustomerID: c.customerID,
		Timestamp:  ts.Unix(),
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return body, nil
}
