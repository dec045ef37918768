package clearnode

import (
	"sync"
	"time"
)

// State is the connectivity or authentication state of a client. The
// transport only moves between the first three values.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies which state machine an Event comes from.
type EventKind string

const (
	EventConnection EventKind = "connection"
	EventAuth       EventKind = "auth"
	EventSession    EventKind = "session"
)

// Event is a typed state-change notification. Connection and auth events set
// State; session events set SessionID, Version and SessionStatus.
type Event struct {
	Kind          EventKind `json:"kind"`
	State         State     `json:"-"`
	StateName     string    `json:"state,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Version       uint64    `json:"version,omitempty"`
	SessionStatus string    `json:"session_status,omitempty"`
	Err           error     `json:"-"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Broadcaster fans events out to subscribers over buffered channels. A slow
// subscriber loses events rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a channel receiving every subsequent event and a cancel
// func that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Kind != EventSession {
		ev.StateName = ev.State.String()
	}
	if ev.Err != nil {
		ev.Error = ev.Err.Error()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
