package discovery

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

	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/protocol"
	"github.com/marcus-qen/scanfleet/internal/telemetry"
)

const (
	initiatePath = "/api/discovery/initiate"
	cancelPath   = "/api/discovery/cancel"
)

// HTTPRequester is the minimum client contract the dispatcher needs.
type HTTPRequester interface {
	Do(req *http.Request) (*http.Response, error)
}

// DispatchError categorizes a failed push to a daemon.
type DispatchError struct {
	Code    string
	Message string
	Detail  string
}

func (e *DispatchError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// HTTPDispatcher pushes initiate and cancel calls to push-mode daemons.
// Calls carry no deadline of their own: the caller's context and the transport
// defaults bound them, and sessions that never progress are left to the reaper.
type HTTPDispatcher struct {
	client HTTPRequester
}

// NewHTTPDispatcher builds a dispatcher. A nil client gets a default transport.
func NewHTTPDispatcher(client HTTPRequester) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDispatcher{client: client}
}

// Initiate asks a daemon to start a session.
func (d *HTTPDispatcher) Initiate(ctx context.Context, daemon daemons.Daemon, req protocol.DiscoveryRequest) error {
	return d.post(ctx, "initiate", daemon, initiatePath, req)
}

// Cancel asks a daemon to abandon a session. The body is the bare session id.
func (d *HTTPDispatcher) Cancel(ctx context.Context, daemon daemons.Daemon, sessionID string) error {
	return d.post(ctx, "cancel", daemon, cancelPath, sessionID)
}

func (d *HTTPDispatcher) post(ctx context.Context, op string, daemon daemons.Daemon, endpoint string, body any) (err error) {
	if daemon.Mode != protocol.ModePush {
		return &DispatchError{Code: "not_push", Message: "daemon does not accept pushed work", Detail: daemon.ID}
	}
	target, err := daemonURL(daemon.URL, endpoint)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartDispatchSpan(ctx, op, daemon.ID, target)
	defer func() { telemetry.EndSpan(span, err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return &DispatchError{Code: "request_failed", Message: "failed to build dispatch request", Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyDispatchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &DispatchError{
			Code:    "rejected",
			Message: "daemon rejected " + op,
			Detail:  strings.TrimSpace(fmt.Sprintf("%s %s", resp.Status, string(msg))),
		}
	}
	return nil
}

func daemonURL(base, endpoint string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", &DispatchError{Code: "config_invalid", Message: "daemon has no URL"}
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		detail := base
		if err != nil {
			detail = err.Error()
		}
		return "", &DispatchError{Code: "config_invalid", Message: "invalid daemon URL", Detail: detail}
	}
	return base + endpoint, nil
}

func classifyDispatchError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &DispatchError{Code: "timeout", Message: "daemon request timed out", Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &DispatchError{Code: "timeout", Message: "daemon request timed out", Detail: err.Error()}
	}
	return &DispatchError{Code: "unreachable", Message: "daemon unreachable", Detail: err.Error()}
}

// unreachableReason is the error recorded on a session force-failed because its
// daemon could not be contacted.
func unreachableReason(err error) string {
	var de *DispatchError
	if errors.As(err, &de) && de.Code == "unreachable" {
		return de.Error()
	}
	return "daemon unreachable: " + err.Error()
}
