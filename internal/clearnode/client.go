package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
)

const (
	maxRenewMargin = 5 * time.Minute
	maxRenewRetry  = time.Minute
)

// Config bundles everything needed to build a Client.
type Config struct {
	Transport      TransportConfig
	Auth           AuthConfig
	RequestTimeout time.Duration

	// RenewRetryDelay is the first backoff step after a failed
	// re-authentication. Defaults to one second.
	RenewRetryDelay time.Duration
}

// Client is one independent connection to a coordinator: transport,
// correlator, authenticator and event stream. Several may coexist.
type Client struct {
	Transport *WSTransport
	RPC       *Correlator
	Auth      *Authenticator
	Events    *Broadcaster

	requestTimeout time.Duration
	renewRetry     time.Duration
	logger         *slog.Logger
}

// NewClient builds a Client. Nothing is dialed until Start.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	events := NewBroadcaster()
	t := NewWSTransport(cfg.Transport, logger)
	rpc := NewCorrelator(t, logger)
	auth := NewAuthenticator(cfg.Auth, t, rpc, events, logger)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	renewRetry := cfg.RenewRetryDelay
	if renewRetry <= 0 {
		renewRetry = time.Second
	}
	return &Client{
		Transport:      t,
		RPC:            rpc,
		Auth:           auth,
		Events:         events,
		requestTimeout: timeout,
		renewRetry:     renewRetry,
		logger:         logger.With(slog.String("component", "clearnode_client")),
	}
}

// RequestTimeout is the default per-call deadline.
func (c *Client) RequestTimeout() time.Duration { return c.requestTimeout }

// Start connects and authenticates as signer, then keeps the client
// authenticated until ctx is cancelled: the session key is renewed ahead of
// its expiry and after every reconnect, and failed attempts are retried with
// exponential backoff.
func (c *Client) Start(ctx context.Context, signer IdentitySigner) error {
	if err := c.Transport.Connect(ctx); err != nil {
		return err
	}
	ac, err := c.Auth.Authenticate(ctx, signer)
	if err != nil {
		return err
	}

	events, cancel := c.Events.Subscribe(32)
	go c.keepAuthenticated(ctx, signer, ac.ExpiresAt, events, cancel)
	return nil
}

func (c *Client) keepAuthenticated(ctx context.Context, signer IdentitySigner, expires time.Time, events <-chan Event, cancel func()) {
	defer cancel()

	timer := time.NewTimer(renewIn(time.Until(expires)))
	defer timer.Stop()
	failures := 0

	reauth := func(reason string) {
		ac, err := c.Auth.Authenticate(ctx, signer)
		switch {
		case err == nil:
			failures = 0
			timer.Reset(renewIn(time.Until(ac.ExpiresAt)))
		case ctx.Err() != nil:
		case errors.Is(err, domain.ErrNotConnected):
			// The next connected event retries.
			timer.Stop()
		case errors.Is(err, domain.ErrAuthInProgress):
			timer.Reset(c.renewRetry)
		default:
			failures++
			delay := retryDelay(c.renewRetry, failures)
			c.logger.WarnContext(ctx, "re-authentication failed",
				slog.String("reason", reason),
				slog.Int("failures", failures),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			timer.Reset(delay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == EventConnection && ev.State == StateConnected {
				reauth("reconnect")
			}
		case <-timer.C:
			reauth("renewal")
		}
	}
}

// renewIn returns how long to wait before renewing a key that expires in
// remaining: a fifth of the lifetime early, at most maxRenewMargin.
func renewIn(remaining time.Duration) time.Duration {
	margin := min(remaining/5, maxRenewMargin)
	return max(remaining-margin, 0)
}

func retryDelay(base time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures && d < maxRenewRetry; i++ {
		d *= 2
	}
	return min(d, maxRenewRetry)
}

// Call issues an authenticated request signed by the current session key.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ac, err := c.Auth.Context()
	if err != nil {
		return nil, fmt.Errorf("clearnode: %s: %w", method, err)
	}
	return c.RPC.Call(ctx, method, params, ac.SessionKey, c.requestTimeout)
}

// Context returns the current authentication context.
func (c *Client) Context() (AuthContext, error) { return c.Auth.Context() }

// Close tears the client down.
func (c *Client) Close() error {
	c.Auth.Close()
	c.RPC.Close()
	return c.Transport.Close()
}
