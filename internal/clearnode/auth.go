package clearnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// IdentitySigner signs the authentication policy with the long-lived
// identity key. It is used once per handshake.
type IdentitySigner interface {
	Address() common.Address
	SignPolicy(application string, p crypto.Policy) (string, error)
}

// AuthConfig describes what a session key is requested for.
type AuthConfig struct {
	Application      string
	Scope            string
	Allowances       []crypto.Allowance
	SessionTTL       time.Duration
	HandshakeTimeout time.Duration
}

func (c AuthConfig) withDefaults() AuthConfig {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	return c
}

// AuthContext is the result of a completed handshake. It is immutable.
type AuthContext struct {
	Identity   common.Address
	SessionKey *crypto.SessionKey
	ExpiresAt  time.Time
	JWT        string
}

// Valid reports whether the context can still be used at now.
func (a AuthContext) Valid(now time.Time) bool {
	return a.SessionKey != nil && now.Before(a.ExpiresAt)
}

// Authenticator runs the session-key handshake and owns the resulting key.
// A transport disconnect invalidates the context.
type Authenticator struct {
	cfg       AuthConfig
	transport Transport
	rpc       *Correlator
	events    *Broadcaster
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	authCtx  *AuthContext
	key      *crypto.SessionKey
	inFlight bool
	abort    chan struct{}
	lastErr  error

	unsubscribe func()
}

// NewAuthenticator wires an Authenticator onto an existing transport and
// correlator. events may be nil.
func NewAuthenticator(cfg AuthConfig, t Transport, rpc *Correlator, events *Broadcaster, logger *slog.Logger) *Authenticator {
	a := &Authenticator{
		cfg:       cfg.withDefaults(),
		transport: t,
		rpc:       rpc,
		events:    events,
		logger:    logger.With(slog.String("component", "clearnode_auth")),
		now:       time.Now,
		state:     t.State(),
	}
	a.unsubscribe = t.OnStateChange(a.onTransportState)
	return a
}

// State returns the current auth state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the cause of the most recent transition to StateError.
func (a *Authenticator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Context returns the current AuthContext, or domain.ErrNotAuthenticated
// when there is none or it has expired. The first call after expiry destroys
// the key and publishes the fall back to the transport's state.
func (a *Authenticator) Context() (AuthContext, error) {
	a.mu.Lock()
	if a.authCtx == nil {
		a.mu.Unlock()
		return AuthContext{}, domain.ErrNotAuthenticated
	}
	if !a.authCtx.Valid(a.now()) {
		expiredAt := a.authCtx.ExpiresAt
		a.discardLocked()
		next := StateDisconnected
		if a.transport.State() == StateConnected {
			next = StateConnected
		}
		a.state = next
		a.mu.Unlock()

		a.publish(next, fmt.Errorf("clearnode/auth: session key expired: %w", domain.ErrNotAuthenticated))
		a.logger.Info("session key expired", slog.Time("expired_at", expiredAt))
		return AuthContext{}, domain.ErrNotAuthenticated
	}
	ac := *a.authCtx
	a.mu.Unlock()
	return ac, nil
}

// Authenticate performs the challenge/response handshake for signer's
// identity. Any previous session key is destroyed first.
func (a *Authenticator) Authenticate(ctx context.Context, signer IdentitySigner) (AuthContext, error) {
	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return AuthContext{}, fmt.Errorf("clearnode/auth: %w", domain.ErrAuthInProgress)
	}
	if a.transport.State() != StateConnected {
		a.mu.Unlock()
		return AuthContext{}, fmt.Errorf("clearnode/auth: %w", domain.ErrNotConnected)
	}
	a.discardLocked()
	a.inFlight = true
	abort := make(chan struct{})
	a.abort = abort
	a.mu.Unlock()

	expires := a.now().Add(a.cfg.SessionTTL)
	key, err := crypto.GenerateSessionKey(a.cfg.Scope, a.cfg.Allowances, expires)
	if err != nil {
		return AuthContext{}, a.fail(ctx, nil, err)
	}

	a.mu.Lock()
	a.key = key
	a.mu.Unlock()

	hsCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	// Subscribe before sending so the challenge cannot slip past.
	challenges := make(chan Message, 8)
	stop := a.rpc.SubscribePush(func(m Message) {
		if m.Method != MethodAuthChallenge {
			return
		}
		select {
		case challenges <- m:
		default:
		}
	})
	defer stop()

	identity := signer.Address()
	req := AuthRequestParams{
		Address:     identity.Hex(),
		SessionKey:  key.Address().Hex(),
		Application: a.cfg.Application,
		Allowances:  key.Allowances,
		Scope:       key.Scope,
		Expire:      uint64(expires.Unix()),
	}

	a.transition(ctx, StateAuthenticating, nil)
	reqID, err := a.rpc.Notify(hsCtx, MethodAuthRequest, req, nil)
	if err != nil {
		return AuthContext{}, a.fail(ctx, key, err)
	}

	challenge, err := a.awaitChallenge(hsCtx, abort, reqID, challenges)
	if err != nil {
		return AuthContext{}, a.fail(ctx, key, err)
	}

	policy := crypto.Policy{
		Challenge:  challenge,
		Scope:      key.Scope,
		Wallet:     identity,
		SessionKey: key.Address(),
		ExpiresAt:  uint64(expires.Unix()),
		Allowances: key.Allowances,
	}
	sig, err := signer.SignPolicy(a.cfg.Application, policy)
	if err != nil {
		return AuthContext{}, a.fail(ctx, key, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err))
	}

	raw, err := a.rpc.Call(hsCtx, MethodAuthVerify, AuthVerifyParams{Challenge: challenge}, staticSigner(sig), a.cfg.HandshakeTimeout)
	if err != nil {
		return AuthContext{}, a.fail(ctx, key, err)
	}

	var res AuthVerifyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AuthContext{}, a.fail(ctx, key, fmt.Errorf("decode auth_verify result: %w", err))
	}
	if !res.Success {
		return AuthContext{}, a.fail(ctx, key, &domain.RemoteError{Method: MethodAuthVerify, Message: "authentication rejected"})
	}
	if res.SessionKey != "" && !domain.SameAddress(res.SessionKey, key.Address().Hex()) {
		return AuthContext{}, a.fail(ctx, key, &domain.RemoteError{
			Method:  MethodAuthVerify,
			Message: fmt.Sprintf("coordinator confirmed session key %s", res.SessionKey),
		})
	}

	ac := AuthContext{
		Identity:   identity,
		SessionKey: key,
		ExpiresAt:  expires,
		JWT:        res.JWTToken,
	}

	a.mu.Lock()
	select {
	case <-abort:
		// The connection dropped between the verify response and here.
		a.mu.Unlock()
		return AuthContext{}, a.fail(ctx, key, fmt.Errorf("connection lost: %w", domain.ErrConnection))
	default:
	}
	a.authCtx = &ac
	a.inFlight = false
	a.abort = nil
	a.lastErr = nil
	a.state = StateAuthenticated
	a.mu.Unlock()

	a.publish(StateAuthenticated, nil)
	a.logger.InfoContext(ctx, "authenticated",
		slog.String("identity", identity.Hex()),
		slog.String("session_key", key.Address().Hex()),
		slog.Time("expires_at", expires),
	)
	return ac, nil
}

// Logout discards the session key and context.
func (a *Authenticator) Logout() {
	a.mu.Lock()
	a.discardLocked()
	next := StateDisconnected
	if a.transport.State() == StateConnected {
		next = StateConnected
	}
	changed := a.state != next
	a.state = next
	a.mu.Unlock()

	if changed {
		a.publish(next, nil)
	}
}

// Close detaches from the transport and discards any session key.
func (a *Authenticator) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.mu.Lock()
	a.discardLocked()
	a.mu.Unlock()
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// awaitChallenge waits for the auth_challenge carrying reqID. Pushes of any
// other kind, or challenges for another request, are ignored.
func (a *Authenticator) awaitChallenge(ctx context.Context, abort <-chan struct{}, reqID uint64, challenges <-chan Message) (string, error) {
	for {
		select {
		case m := <-challenges:
			if m.ID != reqID {
				a.logger.DebugContext(ctx, "ignoring uncorrelated challenge",
					slog.Uint64("id", m.ID),
					slog.Uint64("want", reqID),
				)
				continue
			}
			var p AuthChallengeParams
			if err := json.Unmarshal(m.Params, &p); err != nil {
				return "", fmt.Errorf("decode auth_challenge: %w", err)
			}
			if strings.TrimSpace(p.ChallengeMessage) == "" {
				return "", &domain.RemoteError{Method: MethodAuthChallenge, Message: "empty challenge"}
			}
			return p.ChallengeMessage, nil
		case <-abort:
			return "", fmt.Errorf("connection lost: %w", domain.ErrConnection)
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for challenge: %w", domain.ErrTimeout)
		}
	}
}

// fail moves to StateError and destroys key if it is still the current one.
func (a *Authenticator) fail(ctx context.Context, key *crypto.SessionKey, cause error) error {
	err := fmt.Errorf("clearnode/auth: %w", cause)

	a.mu.Lock()
	if key != nil {
		key.Destroy()
		if a.key == key {
			a.key = nil
		}
	}
	a.authCtx = nil
	a.inFlight = false
	a.abort = nil
	a.lastErr = err
	a.state = StateError
	a.mu.Unlock()

	a.publish(StateError, err)
	a.logger.WarnContext(ctx, "authentication failed", slog.String("error", err.Error()))
	return err
}

func (a *Authenticator) transition(ctx context.Context, s State, err error) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.publish(s, err)
	a.logger.DebugContext(ctx, "auth state", slog.String("state", s.String()))
}

// discardLocked destroys the current key and context. Caller must hold a.mu.
func (a *Authenticator) discardLocked() {
	if a.key != nil {
		a.key.Destroy()
		a.key = nil
	}
	a.authCtx = nil
}

func (a *Authenticator) onTransportState(s State) {
	if a.events != nil {
		a.events.Publish(Event{Kind: EventConnection, State: s})
	}

	a.mu.Lock()
	if s != StateConnected {
		a.discardLocked()
		if a.abort != nil {
			close(a.abort)
			a.abort = nil
		}
	}
	// A failed or in-flight handshake keeps its own state until it resolves.
	if a.inFlight {
		a.mu.Unlock()
		return
	}
	changed := a.state != s
	a.state = s
	a.mu.Unlock()

	if changed {
		a.publish(s, nil)
	}
}

func (a *Authenticator) publish(s State, err error) {
	if a.events == nil {
		return
	}
	a.events.Publish(Event{Kind: EventAuth, State: s, Err: err})
}
