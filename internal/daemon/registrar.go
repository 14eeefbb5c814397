package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// ServerAPI is the subset of the server client the daemon loops use.
type ServerAPI interface {
	AnnounceStartup(ctx context.Context, daemonID, version string) error
	Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error)
	Heartbeat(ctx context.Context, daemonID string, presence protocol.DaemonPresence) error
	RequestWork(ctx context.Context, daemonID string, presence protocol.DaemonPresence) (protocol.WorkResponse, error)
	SendUpdate(ctx context.Context, session protocol.DiscoverySession) error
}

const (
	signupPause       = 30 * time.Second
	activationBackoff = 5 * time.Second
	activationCeiling = 10 * time.Minute
)

// Registrar makes sure the server knows this daemon before the loops start.
type Registrar struct {
	api     ServerAPI
	cfg     *Config
	version string
	logger  *zap.Logger

	SignupPause time.Duration
	Backoff     time.Duration
	Ceiling     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistrar creates a registrar for cfg.
func NewRegistrar(api ServerAPI, cfg *Config, version string, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		api:         api,
		cfg:         cfg,
		version:     version,
		logger:      logger.Named("registrar"),
		SignupPause: signupPause,
		Backoff:     activationBackoff,
		Ceiling:     activationCeiling,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Ensure announces startup, registering first if the server does not know
// the daemon. Only an inactive key is retried: once after the signup pause,
// then with exponential backoff capped at the heartbeat interval, until the
// ceiling. Every other failure returns at once.
func (r *Registrar) Ensure(ctx context.Context) error {
	started := r.now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(r.Backoff, r.cfg.HeartbeatInterval)
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = r.cfg.HeartbeatInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		err := r.Attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrNotAuthorized) {
			return actionable(err, r.cfg.ServerURL)
		}

		wait := r.SignupPause
		if attempt > 1 {
			wait = bo.NextBackOff()
		}
		if r.now().Add(wait).Sub(started) > r.Ceiling {
			return fmt.Errorf("%w: still inactive after %s; activate the key on the server and restart the daemon",
				ErrNotAuthorized, r.Ceiling)
		}

		r.logger.Info("waiting for api key activation",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Attempt makes one startup announcement, registering on first contact.
func (r *Registrar) Attempt(ctx context.Context) error {
	err := r.api.AnnounceStartup(ctx, r.cfg.DaemonID, r.version)
	if err == nil {
		r.logger.Info("startup announced", zap.String("daemon_id", r.cfg.DaemonID))
		return nil
	}
	if !errors.Is(err, ErrDaemonUnknown) {
		return err
	}

	resp, err := r.api.Register(ctx, protocol.RegisterRequest{
		DaemonID:  r.cfg.DaemonID,
		NetworkID: r.cfg.NetworkID,
		Name:      r.cfg.Name,
		URL:       r.cfg.AdvertiseURL,
		Mode:      r.cfg.Mode,
		Version:   r.version,
	})
	if err != nil {
		return err
	}
	r.logger.Info("daemon registered",
		zap.String("daemon_id", resp.DaemonID),
		zap.String("network_id", r.cfg.NetworkID),
		zap.String("mode", string(r.cfg.Mode)),
	)
	return nil
}

// actionable attaches what the operator should do to a registration failure.
// The sentinel stays matchable with errors.Is.
func actionable(err error, serverURL string) error {
	var hint string
	switch {
	case errors.Is(err, ErrKeyRevoked):
		hint = "create a new daemon key and update api_key"
	case errors.Is(err, ErrInvalidKey):
		hint = "check api_key in the daemon config"
	case errors.Is(err, ErrDemoMode):
		hint = "the server does not accept daemons in demo mode"
	case errors.Is(err, ErrServerUnreachable):
		hint = "check server_url " + serverURL + " and that the server is running"
	case errors.Is(err, ErrConnectTimeout):
		hint = "no connection to " + serverURL + "; check firewalls and routing"
	case errors.Is(err, ErrResponseTimeout):
		hint = "the server at " + serverURL + " accepted the connection but did not answer"
	default:
		return fmt.Errorf("registration: %w", err)
	}
	return fmt.Errorf("registration: %w (%s)", err, hint)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
