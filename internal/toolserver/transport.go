package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned for calls on a transport before Connect or
// after Close.
var ErrNotConnected = errors.New("toolserver: not connected")

const defaultCallTimeout = 30 * time.Second

// Transport carries JSON-RPC traffic to one server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Notifications delivers server-pushed notifications.
	Notifications() <-chan *Notification

	Connected() bool
}

// NewTransport builds the transport named by the server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.kind() == TransportWebsocket {
		return NewWebsocketTransport(cfg)
	}
	return NewStdioTransport(cfg)
}

// correlator matches responses to in-flight requests by id and fans
// notifications out to a bounded channel.
type correlator struct {
	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	notifs  chan *Notification
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[int64]chan *rpcResponse),
		notifs:  make(chan *Notification, 100),
	}
}

func (c *correlator) expect(id int64) chan *rpcResponse {
	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *correlator) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dispatch routes one raw message. Messages with an id resolve a pending
// call; messages with a method only are notifications. Anything else is
// dropped.
func (c *correlator) dispatch(raw []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != nil {
		c.mu.Lock()
		if ch, ok := c.pending[*resp.ID]; ok {
			ch <- &resp
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()
		return
	}

	var notif Notification
	if err := json.Unmarshal(raw, &notif); err == nil && notif.Method != "" {
		select {
		case c.notifs <- &notif:
		default:
		}
	}
}

// await blocks for the response, the context, or the timeout.
func (c *correlator) await(ctx context.Context, ch chan *rpcResponse, timeout time.Duration, closed <-chan struct{}) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("toolserver: call timed out")
	case <-closed:
		return nil, ErrNotConnected
	}
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

func encodeNotification(method string, params any) ([]byte, error) {
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		notif.Params = raw
	}
	return json.Marshal(notif)
}
