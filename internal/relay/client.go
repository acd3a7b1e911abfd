package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/domain"
)

// ErrSuperseded indicates the relay closed a push connection because a newer
// connection authenticated as the same identity.
var ErrSuperseded = errors.New("push connection superseded by a newer connection")

// Client talks to a relay over HTTP and websocket.
type Client struct {
	base   string
	httpc  *http.Client
	dialer *websocket.Dialer
}

// NewClient returns a client for the relay at base, e.g. "http://localhost:8080".
func NewClient(base string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		httpc:  &http.Client{Timeout: 30 * time.Second},
		dialer: websocket.DefaultDialer,
	}
}

// Register announces id to the relay. Safe to repeat.
func (c *Client) Register(ctx context.Context, id string) error {
	return c.post(ctx, "/register", registerRequest{ID: id}, nil)
}

// PublishBundle uploads the latest bundle for id.
func (c *Client) PublishBundle(ctx context.Context, id string, b domain.Bundle) error {
	return c.post(ctx, "/bundle", publishRequest{ID: id, Bundle: b}, nil)
}

// FetchBundle downloads the latest bundle published for id.
func (c *Client) FetchBundle(ctx context.Context, id string) (domain.Bundle, error) {
	var resp bundleResponse
	if err := c.get(ctx, "/bundle/"+id, &resp); err != nil {
		return domain.Bundle{}, err
	}
	return resp.Bundle, nil
}

// Submit hands env to the relay for queueing and delivery.
func (c *Client) Submit(ctx context.Context, env domain.Envelope) (SubmitResult, error) {
	var res SubmitResult
	req := submitRequest{From: env.SenderID, To: env.RecipientID, Envelope: env}
	if err := c.post(ctx, "/submit", req, &res); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// Diagnostics fetches the relay's operational snapshot.
func (c *Client) Diagnostics(ctx context.Context) (DiagSnapshot, error) {
	var snap DiagSnapshot
	if err := c.get(ctx, "/diagnostics", &snap); err != nil {
		return DiagSnapshot{}, err
	}
	return snap, nil
}

// PushHostMetrics uploads a host metrics sample.
func (c *Client) PushHostMetrics(ctx context.Context, m domain.HostMetrics) error {
	return c.post(ctx, "/metrics/host", m, nil)
}

// Subscription is a live push connection. Frames arrive on Envelopes until
// the connection ends; Err reports why after the channel closes.
type Subscription struct {
	ws     *websocket.Conn
	frames chan PushFrame

	mu      sync.Mutex
	readErr error
	closed  bool
}

// Connect opens the push connection for id and starts delivering frames.
// Connecting supersedes any previous connection for the same id.
func (c *Client) Connect(ctx context.Context, id string) (*Subscription, error) {
	wsBase := strings.Replace(strings.Replace(c.base, "https://", "wss://", 1), "http://", "ws://", 1)
	url := wsBase + "/push?client_id=" + id

	ws, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, domain.ErrNotRegistered
		}
		return nil, fmt.Errorf("connecting to relay push: %w", err)
	}

	sub := &Subscription{ws: ws, frames: make(chan PushFrame, 16)}
	go sub.readLoop()
	return sub, nil
}

func (s *Subscription) readLoop() {
	defer close(s.frames)
	for {
		var frame PushFrame
		if err := s.ws.ReadJSON(&frame); err != nil {
			s.mu.Lock()
			if !s.closed {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
					s.readErr = ErrSuperseded
				} else {
					s.readErr = err
				}
			}
			s.mu.Unlock()
			return
		}
		s.frames <- frame
	}
}

// Envelopes returns the push frame channel. It closes when the connection
// ends.
func (s *Subscription) Envelopes() <-chan PushFrame { return s.frames }

// Err reports why the connection ended. ErrSuperseded means a newer
// connection for the same identity replaced this one.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Close tears the connection down locally.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ws.Close()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding relay response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	switch {
	case resp.StatusCode == http.StatusNotFound && er.Error == domain.ErrBundleNotFound.Error():
		return domain.ErrBundleNotFound
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotRegistered
	case er.Error != "":
		return fmt.Errorf("relay: %s (status %d)", er.Error, resp.StatusCode)
	default:
		return fmt.Errorf("relay: unexpected status %d", resp.StatusCode)
	}
}
