package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Transport carries whole binary frames in both directions. The session owns
// the transport; only the sender and receiver loops use it, and only the stop
// path closes it.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DialConfig holds the connection parameters for the recognition service.
type DialConfig struct {
	URL        string
	AppKey     string
	AccessKey  string
	ResourceID string
}

// Dialer opens a transport to the recognition service.
type Dialer func(ctx context.Context, cfg DialConfig) (Transport, error)

// wsTransport adapts a websocket connection to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

// DialWebSocket opens a websocket connection with the service authentication
// headers. Each dial carries a fresh request ID.
func DialWebSocket(ctx context.Context, cfg DialConfig) (Transport, error) {
	headers := http.Header{}
	headers.Set("X-Api-App-Key", cfg.AppKey)
	headers.Set("X-Api-Access-Key", cfg.AccessKey)
	headers.Set("X-Api-Resource-Id", cfg.ResourceID)
	headers.Set("X-Api-Request-Id", uuid.NewString())

	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	// Frames carry full utterances worth of audio responses; the default read
	// limit is too small for long results.
	conn.SetReadLimit(1 << 20)

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session closed")
}
