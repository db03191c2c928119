package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one duplex message channel to the gateway. Implementations
// deliver inbound frames and unexpected disconnects through the callbacks
// given at construction; Connect may be called again after a drop.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Close() error
}

const transportWriteWait = 10 * time.Second

// WebSocketTransport is the production Transport. It authenticates with the
// identity headers and treats the completed websocket handshake as the open
// acknowledgment.
type WebSocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	onMessage    func([]byte)
	onDisconnect func(error)

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func NewWebSocketTransport(rawURL, token, deviceID, deviceType string, handshakeTimeout time.Duration, onMessage func([]byte), onDisconnect func(error)) (*WebSocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Device-ID", deviceID)
	header.Set("X-Device-Type", deviceType)

	return &WebSocketTransport{
		url:          rawURL,
		header:       header,
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
	}, nil
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ws != nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	ws, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return ErrConnectionTimeout
		}
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return ErrNotConnected
	}
	t.ws = ws
	t.mu.Unlock()

	go t.readLoop(ws)
	return nil
}

func (t *WebSocketTransport) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			deliberate := t.closed
			if t.ws == ws {
				t.ws = nil
			}
			t.mu.Unlock()

			if !deliberate && t.onDisconnect != nil {
				t.onDisconnect(err)
			}
			return
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ws == nil {
		return ErrNotConnected
	}
	if err := t.ws.SetWriteDeadline(time.Now().Add(transportWriteWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.ws == nil {
		return nil
	}
	err := t.ws.Close()
	t.ws = nil
	return err
}
