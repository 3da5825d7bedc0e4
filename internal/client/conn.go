package client

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// ConnState is the lifecycle state of the managed connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnManager owns the single real-time transport of a session. It establishes
// the connection when asked, authenticates it after the transport opens, and
// exposes a send primitive that silently drops frames while the connection is
// not ready. There is no buffering, no automatic reconnection and no
// timeouts: a dropped connection stays down until the next EnsureConnected
// call.
//
// Authentication is fire and forget: the connection is considered Ready as
// soon as the auth frame has been written, without waiting for a server
// acknowledgment. A server that silently rejects the token leaves the
// connection looking Ready while all traffic is ignored.
type ConnManager struct {
	mu        sync.Mutex
	creds     *CredentialStore
	url       string
	dial      Dialer
	state     ConnState
	connID    string // identity of the current connection attempt
	transport Transport
	onFrame   func(data []byte)
}

// NewConnManager creates a ConnManager reading credentials from creds and
// dialing url. The frame handler is set separately via SetFrameHandler, which
// supports the wiring order where the router is constructed after the
// manager.
func NewConnManager(creds *CredentialStore, url string, dial Dialer) *ConnManager {
	return &ConnManager{
		creds: creds,
		url:   url,
		dial:  dial,
		state: StateDisconnected,
	}
}

// SetFrameHandler assigns the callback invoked for every inbound frame. It
// must be called before EnsureConnected.
func (m *ConnManager) SetFrameHandler(fn func(data []byte)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureConnected establishes the connection if credentials are present and
// no live connection exists. It is idempotent: while a connection is
// connecting, authenticating or ready it is a no-op, so at most one
// connection is in flight at any time. Without credentials it is also a
// no-op.
func (m *ConnManager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	creds := m.creds.Get()
	if creds == nil {
		m.mu.Unlock()
		return nil
	}
	id := uuid.New().String()
	m.connID = id
	m.state = StateConnecting
	m.mu.Unlock()

	// Dial outside the lock; the Connecting state keeps this single-flight.
	t, err := m.dial(ctx, m.url)

	m.mu.Lock()
	if m.connID != id {
		// Close raced with the dial; this attempt no longer owns the slot.
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return nil
	}
	if err != nil {
		m.state = StateDisconnected
		m.connID = ""
		m.mu.Unlock()
		metrics.ClientConnects.WithLabelValues("error").Inc()
		log.Printf("client: connect failed: %v", err)
		return err
	}

	m.transport = t
	m.state = StateAuthenticating

	frame, err := protocol.NewFrame(protocol.TypeAuth, protocol.AuthFrame{Token: creds.Token})
	if err == nil {
		err = t.Send(frame)
	}
	if err != nil {
		m.transport = nil
		m.connID = ""
		m.state = StateDisconnected
		m.mu.Unlock()
		_ = t.Close()
		metrics.ClientConnects.WithLabelValues("error").Inc()
		log.Printf("client: auth frame send failed: %v", err)
		return err
	}

	m.state = StateReady
	m.mu.Unlock()

	metrics.ClientConnects.WithLabelValues("ok").Inc()
	go m.readLoop(id, t)
	return nil
}

// Send writes a frame to the transport if and only if the connection is
// Ready. In any other state the frame is silently dropped; no error is
// returned and nothing is buffered.
func (m *ConnManager) Send(data []byte) error {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		metrics.ClientFramesDropped.Inc()
		return nil
	}
	t := m.transport
	m.mu.Unlock()

	if err := t.Send(data); err != nil {
		log.Printf("client: send failed: %v", err)
		return err
	}
	metrics.ClientFramesSent.Inc()
	return nil
}

// Close tears down the connection and transitions to Disconnected. Frames
// arriving on the discarded connection afterwards are ignored. Close is safe
// to call in any state.
func (m *ConnManager) Close() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	t := m.transport
	m.transport = nil
	m.connID = ""
	m.state = StateDisconnected
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
}

// readLoop receives frames from a single connection and hands them to the
// frame handler in arrival order. It exits when the transport fails or when
// the connection it was started for is no longer current.
func (m *ConnManager) readLoop(id string, t Transport) {
	for {
		data, err := t.Receive()

		m.mu.Lock()
		current := m.connID == id
		handler := m.onFrame
		m.mu.Unlock()

		if !current {
			// The connection was closed or replaced; discard everything
			// read on the old transport.
			return
		}
		if err != nil {
			m.mu.Lock()
			if m.connID == id {
				m.transport = nil
				m.connID = ""
				m.state = StateDisconnected
			}
			m.mu.Unlock()
			log.Printf("client: connection closed: %v", err)
			return
		}
		if handler != nil {
			handler(data)
		}
	}
}
