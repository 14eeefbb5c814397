package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// Failure classes callers branch on. APIError and transport errors match them
// through errors.Is.
var (
	ErrKeyRevoked        = errors.New("daemon api key has been revoked")
	ErrInvalidKey        = errors.New("daemon api key is not recognised by the server")
	ErrNotAuthorized     = errors.New("daemon api key is not yet active")
	ErrDaemonUnknown     = errors.New("server does not know this daemon")
	ErrDemoMode          = errors.New("server is in demo mode")
	ErrServerUnreachable = errors.New("server unreachable")
	ErrConnectTimeout    = errors.New("timed out connecting to server")
	ErrResponseTimeout   = errors.New("timed out waiting for server response")
)

const (
	connectTimeout  = 10 * time.Second
	responseTimeout = 30 * time.Second
)

// APIError is a non-2xx reply carrying the server's {error, code} envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Is maps server error codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrKeyRevoked:
		return e.Code == protocol.ErrCodeKeyRevoked
	case ErrInvalidKey:
		return e.Code == protocol.ErrCodeInvalidKey
	case ErrNotAuthorized:
		return e.Code == protocol.ErrCodeKeyInactive
	case ErrDaemonUnknown:
		return e.Code == protocol.ErrCodeDaemonNotFound
	case ErrDemoMode:
		return e.Code == protocol.ErrCodeDemoMode
	}
	return false
}

// Client talks to the control plane on behalf of one daemon.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a server client. Connect and response-header timeouts are
// separate so failures can be told apart.
func NewClient(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: responseTimeout,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: transport},
	}
}

// AnnounceStartup tells the server this daemon process has started.
func (c *Client) AnnounceStartup(ctx context.Context, daemonID, version string) error {
	return c.post(ctx, "/api/daemons/"+url.PathEscape(daemonID)+"/startup", protocol.StartupRequest{Version: version}, nil)
}

// Register records the daemon with the server.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.post(ctx, "/api/daemons/register", req, &resp)
	return resp, err
}

// Heartbeat reports presence.
func (c *Client) Heartbeat(ctx context.Context, daemonID string, presence protocol.DaemonPresence) error {
	return c.post(ctx, "/api/daemons/"+url.PathEscape(daemonID)+"/heartbeat", presence, nil)
}

// RequestWork polls for a session offer or a cancel instruction.
func (c *Client) RequestWork(ctx context.Context, daemonID string, presence protocol.DaemonPresence) (protocol.WorkResponse, error) {
	var resp protocol.WorkResponse
	err := c.post(ctx, "/api/daemons/"+url.PathEscape(daemonID)+"/request-work", presence, &resp)
	return resp, err
}

// SendUpdate reports session progress.
func (c *Client) SendUpdate(ctx context.Context, session protocol.DiscoverySession) error {
	return c.post(ctx, "/api/discovery/"+url.PathEscape(session.SessionID)+"/update", session, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var envelope protocol.ErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && (envelope.Error != "" || envelope.Code != "") {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyTransportError separates "could not connect" from "connected but no
// answer". Caller context cancellation passes through untouched.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrResponseTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
}
