package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is one bidirectional message connection to the server. Send and
// Receive move whole frames; Receive blocks until a frame arrives or the
// connection fails.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer establishes a Transport to the given URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

// DialWebSocket connects to a WebSocket endpoint using gobwas/ws, the same
// library the server uses.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts a gobwas/ws client connection to the Transport
// interface. The write mutex serializes outbound frames so concurrent senders
// do not interleave frame bytes.
type wsTransport struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	return wsutil.ReadServerText(t.conn)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
