package remote

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

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/pkg/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const backendName = "http"

// Client talks to a rendezvous backend over HTTP. It implements both the
// Directory and the Signaler.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type registerRequest struct {
	PeerID  domain.PeerID  `json:"peer_id"`
	Profile domain.Profile `json:"profile"`
	Role    domain.Role    `json:"role,omitempty"`
}

type peersResponse struct {
	Peers []domain.RosterEntry `json:"peers"`
}

type signalsResponse struct {
	Signals []ports.Signal `json:"signals"`
}

func (c *Client) Register(ctx context.Context, room domain.RoomID, entry domain.RosterEntry) error {
	body := registerRequest{PeerID: entry.PeerID, Profile: entry.Profile, Role: entry.Role}
	return c.do(ctx, "register", room, http.MethodPost, c.roomPath(room, "peers"), body, nil)
}

func (c *Client) Heartbeat(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	return c.do(ctx, "heartbeat", room, http.MethodPut, c.roomPath(room, "peers", string(peer), "heartbeat"), nil, nil)
}

func (c *Client) Unregister(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	err := c.do(ctx, "unregister", room, http.MethodDelete, c.roomPath(room, "peers", string(peer)), nil, nil)
	if errors.Is(err, domain.ErrPeerNotFound) {
		return nil
	}
	return err
}

func (c *Client) ListActivePeers(ctx context.Context, room domain.RoomID) ([]domain.RosterEntry, error) {
	var out peersResponse
	if err := c.do(ctx, "list", room, http.MethodGet, c.roomPath(room, "peers"), nil, &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

func (c *Client) Send(ctx context.Context, room domain.RoomID, sig ports.Signal) error {
	return c.do(ctx, "signal_send", room, http.MethodPost, c.roomPath(room, "signals", string(sig.To)), sig, nil)
}

func (c *Client) Poll(ctx context.Context, room domain.RoomID, self domain.PeerID) ([]ports.Signal, error) {
	var out signalsResponse
	if err := c.do(ctx, "signal_poll", room, http.MethodGet, c.roomPath(room, "signals", string(self)), nil, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

func (c *Client) roomPath(room domain.RoomID, parts ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/rooms/")
	b.WriteString(url.PathEscape(string(room)))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// do performs one JSON round trip. A 404 maps to ErrPeerNotFound so a
// heartbeat against an expired registration is recognisable.
func (c *Client) do(ctx context.Context, op string, room domain.RoomID, method, target string, in, out any) (err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, op, string(room))
	defer func() { tracing.End(span, err) }()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	span.SetAttributes(tracing.StatusCodeKey.Int(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrPeerNotFound
	case resp.StatusCode/100 != 2:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %s: %s", method, target, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

var (
	_ ports.Directory = (*Client)(nil)
	_ ports.Signaler  = (*Client)(nil)
)
