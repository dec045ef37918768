package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory Transport. Sent frames appear on out;
// deliver feeds inbound frames to subscribers.
type pipeTransport struct {
	out chan []byte

	mu       sync.Mutex
	handlers map[int]MessageHandler
	next     int
}

func newPipe() *pipeTransport {
	return &pipeTransport{out: make(chan []byte, 64), handlers: make(map[int]MessageHandler)}
}

func (p *pipeTransport) Send(_ context.Context, msg []byte) error {
	p.out <- msg
	return nil
}

func (p *pipeTransport) Subscribe(h MessageHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.handlers[id] = h
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *pipeTransport) OnStateChange(StateHandler) func() { return func() {} }
func (p *pipeTransport) State() State                      { return StateConnected }

func (p *pipeTransport) deliver(t *testing.T, id uint64, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Res: &Message{ID: id, Method: method, Params: raw}})
	require.NoError(t, err)

	p.mu.Lock()
	hs := make([]MessageHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		hs = append(hs, h)
	}
	p.mu.Unlock()
	for _, h := range hs {
		h(frame)
	}
}

func (p *pipeTransport) nextRequest(t *testing.T) (Envelope, json.RawMessage) {
	t.Helper()
	select {
	case frame := <-p.out:
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		require.NotNil(t, env.Req)
		var raw struct {
			Req json.RawMessage `json:"req"`
		}
		require.NoError(t, json.Unmarshal(frame, &raw))
		return env, raw.Req
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")
		return Envelope{}, nil
	}
}

func TestMessageWireFormat(t *testing.T) {
	b, err := json.Marshal(Envelope{Req: &Message{ID: 7, Method: "ping", Params: json.RawMessage(`{"a":1}`), Timestamp: 99}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"req":[7,"ping",{"a":1},99]}`, string(b))

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"res":[8,"error",{"error":"boom"},100],"sig":["0x01"]}`), &env))
	require.NotNil(t, env.Res)
	assert.Equal(t, uint64(8), env.Res.ID)
	assert.Equal(t, MethodError, env.Res.Method)
	assert.Equal(t, "boom", errorMessage(env.Res.Params))
	assert.Equal(t, []string{"0x01"}, env.Sig)

	assert.Error(t, json.Unmarshal([]byte(`{"res":{"id":1}}`), &env))
}

func TestCallMatchesOutOfOrderResponses(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	type result struct {
		raw json.RawMessage
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		raw, err := c.Call(context.Background(), "first", map[string]int{"n": 1}, nil, 2*time.Second)
		first <- result{raw, err}
	}()
	env1, _ := pipe.nextRequest(t)

	go func() {
		raw, err := c.Call(context.Background(), "second", map[string]int{"n": 2}, nil, 2*time.Second)
		second <- result{raw, err}
	}()
	env2, _ := pipe.nextRequest(t)

	assert.NotEqual(t, env1.Req.ID, env2.Req.ID)

	pipe.deliver(t, env2.Req.ID, "second", map[string]string{"v": "two"})
	pipe.deliver(t, env1.Req.ID, "first", map[string]string{"v": "one"})

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"v":"one"}`, string(r1.raw))
	assert.JSONEq(t, `{"v":"two"}`, string(r2.raw))
	assert.Zero(t, c.Pending())
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	var pushes []Message
	var mu sync.Mutex
	c.SubscribePush(func(m Message) {
		mu.Lock()
		pushes = append(pushes, m)
		mu.Unlock()
	})

	_, err := c.Call(context.Background(), "slow", nil, nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))

	env, _ := pipe.nextRequest(t)
	pipe.deliver(t, env.Req.ID, "slow", map[string]any{})

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, pushes)
	assert.Zero(t, c.Pending())
}

func TestCallContextDeadlineIsTimeout(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", nil, nil, time.Minute)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestCallRemoteError(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodCreateAppSession, nil, nil, 2*time.Second)
		done <- err
	}()
	env, _ := pipe.nextRequest(t)
	pipe.deliver(t, env.Req.ID, MethodError, ErrorParams{Error: "invalid app session definition"})

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemote)

	var re *domain.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "invalid app session definition", re.Message)
	assert.Equal(t, MethodCreateAppSession, re.Method)
}

func TestUnmatchedFramesGoToPushSubscribers(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	got := make(chan Message, 4)
	cancel := c.SubscribePush(func(m Message) { got <- m })

	pipe.deliver(t, 0, MethodBalanceUpdate, map[string]any{"balances": []any{}})
	select {
	case m := <-got:
		assert.Equal(t, MethodBalanceUpdate, m.Method)
	case <-time.After(time.Second):
		t.Fatal("push not routed")
	}

	// A duplicate answer for a completed call is dropped.
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "once", nil, nil, 2*time.Second)
		done <- err
	}()
	env, _ := pipe.nextRequest(t)
	pipe.deliver(t, env.Req.ID, "once", map[string]any{})
	require.NoError(t, <-done)
	pipe.deliver(t, env.Req.ID, "once", map[string]any{})

	cancel()
	pipe.deliver(t, 0, MethodBalanceUpdate, map[string]any{})
	assert.Len(t, got, 0)
}

func TestCallSignsWithSessionKey(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	var mu sync.Mutex
	var observed []string
	c.SetObserver(func(method, outcome string, _ time.Duration) {
		mu.Lock()
		observed = append(observed, method+":"+outcome)
		mu.Unlock()
	})

	key, err := crypto.GenerateSessionKey("app", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := c.Call(context.Background(), MethodGetAppSession, AppSessionRef{AppSessionID: "0xabc"}, key, 2*time.Second)
		done <- result{raw, err}
	}()

	env, raw := pipe.nextRequest(t)
	require.Len(t, env.Sig, 1)
	signer, err := crypto.RecoverPayloadSigner(raw, env.Sig[0])
	require.NoError(t, err)
	assert.Equal(t, key.Address(), signer)
	pipe.deliver(t, env.Req.ID, env.Req.Method, map[string]bool{"ok": true})

	r := <-done
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"ok":true}`, string(r.raw))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{MethodGetAppSession + ":ok"}, observed)
}

func TestNotifyReturnsRequestID(t *testing.T) {
	pipe := newPipe()
	c := NewCorrelator(pipe, discardLogger())

	id, err := c.Notify(context.Background(), MethodAuthRequest, AuthRequestParams{Address: "0x1"}, nil)
	require.NoError(t, err)

	env, _ := pipe.nextRequest(t)
	assert.Equal(t, id, env.Req.ID)
	assert.Empty(t, env.Sig)
	assert.Zero(t, c.Pending())
}
