package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebsocketTransport speaks JSON-RPC over a websocket connection. Each
// websocket text message carries one JSON-RPC message.
type WebsocketTransport struct {
	config *ServerConfig
	logger *slog.Logger

	conn    *websocket.Conn
	corr    *correlator
	writeMu sync.Mutex
	nextID  atomic.Int64

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewWebsocketTransport builds a transport that will dial cfg.URL.
func NewWebsocketTransport(cfg *ServerConfig) *WebsocketTransport {
	return &WebsocketTransport{
		config: cfg,
		logger: slog.Default().With("tool_server", cfg.ID, "transport", "websocket"),
		corr:   newCorrelator(),
		stop:   make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return fmt.Errorf("toolserver: dial %s: %w", t.config.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("tool server connected", "url", t.config.URL)

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Close tears down the connection and stops the read loop.
func (t *WebsocketTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stop)

	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *WebsocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	data, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("toolserver: marshal params: %w", err)
	}

	ch := t.corr.expect(id)
	defer t.corr.forget(id)

	if err := t.writeMessage(data); err != nil {
		return nil, err
	}
	return t.corr.await(ctx, ch, t.config.Timeout, t.stop)
}

func (t *WebsocketTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := encodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("toolserver: marshal params: %w", err)
	}
	return t.writeMessage(data)
}

func (t *WebsocketTransport) Notifications() <-chan *Notification {
	return t.corr.notifs
}

func (t *WebsocketTransport) Connected() bool {
	return t.connected.Load()
}

// writeMessage serializes writers; gorilla allows one concurrent writer.
func (t *WebsocketTransport) writeMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("toolserver: write: %w", err)
	}
	return nil
}

func (t *WebsocketTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stop:
			default:
				t.logger.Error("websocket read failed", "error", err)
			}
			return
		}
		t.corr.dispatch(raw)
	}
}
