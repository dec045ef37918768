package clearnode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer echoes every frame back and records what it received. Connection
// n (1-based) is passed to drop; returning true closes it immediately.
type wsServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []string
	conns    int
}

func newWSServer(t *testing.T, drop func(n int) bool) *wsServer {
	t.Helper()
	s := &wsServer{}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		s.mu.Lock()
		s.conns++
		n := s.conns
		s.mu.Unlock()
		if drop != nil && drop(n) {
			return
		}

		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, string(msg))
			s.mu.Unlock()
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...), s.conns
}

func TestTransportSendAndSubscribe(t *testing.T) {
	srv := newWSServer(t, nil)
	tr := NewWSTransport(TransportConfig{URL: srv.url()}, discardLogger())
	t.Cleanup(func() { tr.Close() })

	got := make(chan string, 1)
	tr.Subscribe(func(b []byte) { got <- string(b) })

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, StateConnected, tr.State())

	require.NoError(t, tr.Send(context.Background(), []byte("hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestTransportFlushesQueueInOrder(t *testing.T) {
	srv := newWSServer(t, nil)
	tr := NewWSTransport(TransportConfig{URL: srv.url()}, discardLogger())
	t.Cleanup(func() { tr.Close() })

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, tr.Send(context.Background(), []byte(m)))
	}
	assert.Equal(t, 3, tr.Queued())

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Send(context.Background(), []byte("four")))

	require.Eventually(t, func() bool {
		got, _ := srv.snapshot()
		return len(got) == 4
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := srv.snapshot()
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
	assert.Zero(t, tr.Queued())
}

func TestTransportQueueIsBounded(t *testing.T) {
	tr := NewWSTransport(TransportConfig{URL: "ws://127.0.0.1:1", MaxQueue: 2}, discardLogger())
	require.NoError(t, tr.Send(context.Background(), []byte("a")))
	require.NoError(t, tr.Send(context.Background(), []byte("b")))
	err := tr.Send(context.Background(), []byte("c"))
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestTransportConnectFailure(t *testing.T) {
	tr := NewWSTransport(TransportConfig{URL: "ws://127.0.0.1:1", HandshakeTimeout: time.Second}, discardLogger())

	var states []State
	var mu sync.Mutex
	tr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConnection))
	assert.Equal(t, StateDisconnected, tr.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, states)
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	srv := newWSServer(t, func(n int) bool { return n == 1 })
	tr := NewWSTransport(TransportConfig{
		URL:                srv.url(),
		ReconnectAttempts:  5,
		ReconnectBaseDelay: 10 * time.Millisecond,
	}, discardLogger())
	t.Cleanup(func() { tr.Close() })

	var mu sync.Mutex
	var states []State
	tr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, tr.Connect(context.Background()))

	require.Eventually(t, func() bool {
		_, conns := srv.snapshot()
		return conns == 2 && tr.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, states, StateDisconnected)
	assert.Equal(t, StateConnected, states[len(states)-1])
	mu.Unlock()

	require.NoError(t, tr.Send(context.Background(), []byte("after")))
	require.Eventually(t, func() bool {
		got, _ := srv.snapshot()
		return len(got) == 1 && got[0] == "after"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	srv := newWSServer(t, nil)
	tr := NewWSTransport(TransportConfig{URL: srv.url()}, discardLogger())
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateDisconnected, tr.State())

	assert.ErrorIs(t, tr.Send(context.Background(), []byte("x")), domain.ErrConnection)
	assert.ErrorIs(t, tr.Connect(context.Background()), domain.ErrConnection)
}

func TestTransportStopsAfterReconnectBudget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	up := websocket.Upgrader{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Serve exactly one connection, then stay down.
		ln.Close()
		c.Close()
	}))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	tr := NewWSTransport(TransportConfig{
		URL:                "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectAttempts:  2,
		ReconnectBaseDelay: 10 * time.Millisecond,
		HandshakeTimeout:   time.Second,
		MaxQueue:           2,
	}, discardLogger())
	t.Cleanup(func() { tr.Close() })

	var mu sync.Mutex
	var states []State
	tr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	connecting := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, s := range states {
			if s == StateConnecting {
				n++
			}
		}
		return n
	}

	require.NoError(t, tr.Connect(context.Background()))

	// The initial dial plus two reconnect attempts.
	require.Eventually(t, func() bool {
		return connecting() == 3 && tr.State() == StateDisconnected
	}, 3*time.Second, 5*time.Millisecond)

	// A third attempt would start 40ms after the second one failed.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, connecting())
	assert.Equal(t, StateDisconnected, tr.State())

	require.NoError(t, tr.Send(context.Background(), []byte("a")))
	require.NoError(t, tr.Send(context.Background(), []byte("b")))
	assert.Equal(t, 2, tr.Queued())
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("c")), domain.ErrConnection)
}
