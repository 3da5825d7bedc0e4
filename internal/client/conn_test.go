package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport for driving the connection manager
// without a network. Frames written by the manager are captured; inbound
// frames are injected through deliver.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	t.sent = append(t.sent, cp)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// deliver injects an inbound frame.
func (t *fakeTransport) deliver(data []byte) {
	t.in <- data
}

// fail simulates a server-initiated close or network failure.
func (t *fakeTransport) fail() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// waitFor polls until cond holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestManager(t *testing.T) (*ConnManager, *fakeTransport, *CredentialStore) {
	t.Helper()
	transport := newFakeTransport()
	creds := NewCredentialStore(nil)
	creds.Set(&Credentials{Token: "T", UserID: "alice"})
	m := NewConnManager(creds, "ws://test/ws", func(ctx context.Context, url string) (Transport, error) {
		return transport, nil
	})
	return m, transport, creds
}

// ---------------------------------------------------------------------------
// Connect and authenticate
// ---------------------------------------------------------------------------

// On open the manager sends exactly one auth frame carrying the current
// token, before anything else can be written.
func TestEnsureConnected_SendsAuthFrameFirst(t *testing.T) {
	m, transport, _ := newTestManager(t)

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != StateReady {
		t.Fatalf("expected Ready, got %v", m.State())
	}

	if err := m.Send([]byte(`{"type":"join","roomId":"general"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	frames := transport.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames (auth + join), got %d", len(frames))
	}
	var auth map[string]interface{}
	if err := json.Unmarshal(frames[0], &auth); err != nil {
		t.Fatalf("auth frame is not valid JSON: %v", err)
	}
	if auth["type"] != "auth" || auth["token"] != "T" {
		t.Errorf("first frame must be {type:auth, token:T}, got %v", auth)
	}
}

func TestEnsureConnected_NoCredentialsIsNoop(t *testing.T) {
	var dials int32
	creds := NewCredentialStore(nil)
	m := NewConnManager(creds, "ws://test/ws", func(ctx context.Context, url string) (Transport, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeTransport(), nil
	})

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected Disconnected, got %v", m.State())
	}
	if atomic.LoadInt32(&dials) != 0 {
		t.Errorf("expected no dial without credentials, got %d", dials)
	}
}

func TestEnsureConnected_DialFailure(t *testing.T) {
	creds := NewCredentialStore(nil)
	creds.Set(&Credentials{Token: "T"})
	m := NewConnManager(creds, "ws://test/ws", func(ctx context.Context, url string) (Transport, error) {
		return nil, errors.New("connection refused")
	})

	if err := m.EnsureConnected(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected Disconnected after dial failure, got %v", m.State())
	}
}

// Two EnsureConnected calls while a connection attempt is in flight create
// exactly one connection.
func TestEnsureConnected_SingleFlight(t *testing.T) {
	var dials int32
	release := make(chan struct{})
	creds := NewCredentialStore(nil)
	creds.Set(&Credentials{Token: "T"})
	m := NewConnManager(creds, "ws://test/ws", func(ctx context.Context, url string) (Transport, error) {
		atomic.AddInt32(&dials, 1)
		<-release
		return newFakeTransport(), nil
	})

	go func() { _ = m.EnsureConnected(context.Background()) }()
	waitFor(t, time.Second, func() bool { return m.State() == StateConnecting })

	// Second call while Connecting must be a no-op.
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })

	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", n)
	}

	// And once Ready, further calls stay no-ops.
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("expected still 1 dial, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Send semantics
// ---------------------------------------------------------------------------

// Sending while not Ready produces no transport write and no error.
func TestSend_DroppedWhileDisconnected(t *testing.T) {
	m, transport, _ := newTestManager(t)

	if err := m.Send([]byte(`{"type":"join","roomId":"general"}`)); err != nil {
		t.Fatalf("send while disconnected must not error, got: %v", err)
	}
	if n := len(transport.sentFrames()); n != 0 {
		t.Fatalf("expected no transport writes, got %d", n)
	}
}

func TestSend_DroppedAfterClose(t *testing.T) {
	m, transport, _ := newTestManager(t)
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	m.Close()

	before := len(transport.sentFrames())
	if err := m.Send([]byte(`{"type":"join","roomId":"general"}`)); err != nil {
		t.Fatalf("send after close must not error, got: %v", err)
	}
	if n := len(transport.sentFrames()); n != before {
		t.Fatalf("expected no writes after close, got %d new", n-before)
	}
}

// ---------------------------------------------------------------------------
// Close and stale connections
// ---------------------------------------------------------------------------

// Frames arriving on a discarded connection are ignored: no handler call, no
// state change.
func TestClose_StaleFramesIgnored(t *testing.T) {
	transport := newFakeTransport()
	creds := NewCredentialStore(nil)
	creds.Set(&Credentials{Token: "T"})
	m := NewConnManager(creds, "ws://test/ws", func(ctx context.Context, url string) (Transport, error) {
		return transport, nil
	})

	var handled int32
	m.SetFrameHandler(func(data []byte) { atomic.AddInt32(&handled, 1) })

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Prove the pipeline works while live.
	transport.deliver([]byte(`{"type":"presence","event":"join","userId":"bob"}`))
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&handled) == 1 })

	m.Close()
	if m.State() != StateDisconnected {
		t.Fatalf("expected Disconnected after close, got %v", m.State())
	}

	// A frame still in flight on the old transport must be dropped.
	transport.deliver([]byte(`{"type":"presence","event":"join","userId":"carol"}`))
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&handled); n != 1 {
		t.Fatalf("stale frame reached the handler: %d calls", n)
	}
}

func TestClose_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	m.Close()
	m.Close() // must not panic
	if m.State() != StateDisconnected {
		t.Errorf("expected Disconnected, got %v", m.State())
	}
}

// ---------------------------------------------------------------------------
// No automatic reconnection
// ---------------------------------------------------------------------------

// A transport failure resets to Disconnected and stays there; only the next
// EnsureConnected call reconnects.
func TestTransportFailure_NoAutoReconnect(t *testing.T) {
	var dials int32
	transports := make(chan *fakeTransport, 2)
	creds := NewCredentialStore(nil)
	creds.Set(&Credentials{Token: "T"})
	m := NewConnManager(creds, "ws://test/ws", func(ctx context.Context, url string) (Transport, error) {
		atomic.AddInt32(&dials, 1)
		ft := newFakeTransport()
		transports <- ft
		return ft, nil
	})

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	first := <-transports

	first.fail()
	waitFor(t, time.Second, func() bool { return m.State() == StateDisconnected })

	// Give a would-be reconnect loop time to fire; nothing should happen.
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("unexpected automatic reconnect: %d dials", n)
	}

	// Explicit re-trigger works.
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if m.State() != StateReady {
		t.Fatalf("expected Ready after reconnect, got %v", m.State())
	}
	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Fatalf("expected 2 dials after explicit reconnect, got %d", n)
	}
}
