package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
)

// PushHandler receives inbound frames that do not answer a pending call.
type PushHandler func(Message)

// CallObserver is told the outcome of every Call. Outcome is one of "ok",
// "remote_error", "timeout" or "error".
type CallObserver func(method, outcome string, elapsed time.Duration)

// Correlator multiplexes request/response pairs over one Transport, matching
// responses to calls by request id.
type Correlator struct {
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	recent  *recentIDs

	pushMu     sync.RWMutex
	nextPushID uint64
	push       map[uint64]PushHandler

	observe     CallObserver
	unsubscribe func()
}

// NewCorrelator attaches a Correlator to t.
func NewCorrelator(t Transport, logger *slog.Logger) *Correlator {
	c := &Correlator{
		transport: t,
		logger:    logger.With(slog.String("component", "clearnode_rpc")),
		now:       time.Now,
		pending:   make(map[uint64]chan Message),
		recent:    newRecentIDs(5 * time.Minute),
		push:      make(map[uint64]PushHandler),
	}
	c.nextID.Store(uint64(time.Now().UnixMilli()))
	c.unsubscribe = t.Subscribe(c.handle)
	return c
}

// SetObserver installs o. Call before any traffic.
func (c *Correlator) SetObserver(o CallObserver) {
	c.observe = o
}

// Call sends method with params and waits for the matching response. It
// fails with domain.ErrTimeout once timeout elapses and with a
// *domain.RemoteError when the coordinator answers with an error.
func (c *Correlator) Call(ctx context.Context, method string, params any, signer RequestSigner, timeout time.Duration) (json.RawMessage, error) {
	start := c.now()
	res, err := c.call(ctx, method, params, signer, timeout)
	if c.observe != nil {
		c.observe(method, outcomeOf(err), c.now().Sub(start))
	}
	return res, err
}

func (c *Correlator) call(ctx context.Context, method string, params any, signer RequestSigner, timeout time.Duration) (json.RawMessage, error) {
	msg, err := c.newMessage(method, params)
	if err != nil {
		return nil, err
	}
	frame, err := encodeRequest(msg, signer)
	if err != nil {
		return nil, err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, frame); err != nil {
		c.forget(msg.ID)
		return nil, fmt.Errorf("clearnode/rpc: %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Method == MethodError {
			return nil, &domain.RemoteError{Method: method, Message: errorMessage(res.Params)}
		}
		return res.Params, nil
	case <-timer.C:
		c.forget(msg.ID)
		return nil, fmt.Errorf("clearnode/rpc: %s after %s: %w", method, timeout, domain.ErrTimeout)
	case <-ctx.Done():
		c.forget(msg.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("clearnode/rpc: %s: %w", method, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("clearnode/rpc: %s: %w", method, ctx.Err())
	}
}

// Notify sends method without waiting for a response and returns the
// request id, so a caller can correlate a later push to it.
func (c *Correlator) Notify(ctx context.Context, method string, params any, signer RequestSigner) (uint64, error) {
	msg, err := c.newMessage(method, params)
	if err != nil {
		return 0, err
	}
	frame, err := encodeRequest(msg, signer)
	if err != nil {
		return 0, err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		return 0, fmt.Errorf("clearnode/rpc: %s: %w", method, err)
	}
	return msg.ID, nil
}

// SubscribePush registers h for frames that match no pending call.
func (c *Correlator) SubscribePush(h PushHandler) func() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	id := c.nextPushID
	c.nextPushID++
	c.push[id] = h
	return func() {
		c.pushMu.Lock()
		delete(c.push, id)
		c.pushMu.Unlock()
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close detaches from the transport.
func (c *Correlator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *Correlator) newMessage(method string, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("clearnode/rpc: encode %s params: %w", method, err)
	}
	if params == nil {
		raw = json.RawMessage("{}")
	}
	return Message{
		ID:        c.nextID.Add(1),
		Method:    method,
		Params:    raw,
		Timestamp: uint64(c.now().UnixMilli()),
	}, nil
}

// forget drops a pending call and remembers its id so a late answer is
// discarded.
func (c *Correlator) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.recent.add(id)
}

func (c *Correlator) handle(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("dropping unparseable frame", slog.String("error", err.Error()))
		return
	}

	msg := env.Res
	if msg == nil {
		msg = env.Req
	}
	if msg == nil {
		return
	}

	if env.Res != nil {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()

		if ok {
			c.recent.add(msg.ID)
			ch <- *msg
			return
		}
		if c.recent.contains(msg.ID) {
			c.logger.Debug("discarding late response",
				slog.Uint64("id", msg.ID),
				slog.String("method", msg.Method),
			)
			return
		}
	}

	c.pushMu.RLock()
	handlers := make([]PushHandler, 0, len(c.push))
	for _, h := range c.push {
		handlers = append(handlers, h)
	}
	c.pushMu.RUnlock()

	for _, h := range handlers {
		h(*msg)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrRemote):
		return "remote_error"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
