package toolserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/moor/internal/tools"
)

// fakeTransport scripts Call responses by method and records traffic.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	calls     []string
	notified  []string
	connected bool
}

func newFakeTransport(responses map[string]json.RawMessage) *fakeTransport {
	return &fakeTransport{responses: responses}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if resp, ok := f.responses[method]; ok {
		return resp, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method not found"}
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, method)
	return nil
}

func (f *fakeTransport) Notifications() <-chan *Notification { return nil }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func fakeClient(id string, ft *fakeTransport) *Client {
	return &Client{
		config:    &ServerConfig{ID: id, Transport: TransportStdio, Command: "srv", Timeout: time.Second},
		transport: ft,
		logger:    slog.Default(),
	}
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio ok", ServerConfig{ID: "a", Transport: TransportStdio, Command: "srv"}, false},
		{"stdio default transport", ServerConfig{ID: "a", Command: "srv"}, false},
		{"stdio missing command", ServerConfig{ID: "a", Transport: TransportStdio}, true},
		{"stdio path traversal", ServerConfig{ID: "a", Transport: TransportStdio, Command: "../srv"}, true},
		{"websocket ok", ServerConfig{ID: "a", Transport: TransportWebsocket, URL: "wss://example.com/rpc"}, false},
		{"websocket bad scheme", ServerConfig{ID: "a", Transport: TransportWebsocket, URL: "https://example.com"}, true},
		{"missing id", ServerConfig{Transport: TransportStdio, Command: "srv"}, true},
		{"unknown transport", ServerConfig{ID: "a", Transport: "carrier-pigeon"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewTransportSelectsKind(t *testing.T) {
	if _, ok := NewTransport(&ServerConfig{ID: "a", Command: "srv"}).(*StdioTransport); !ok {
		t.Error("default transport is not stdio")
	}
	if _, ok := NewTransport(&ServerConfig{ID: "a", Transport: TransportWebsocket, URL: "wss://x"}).(*WebsocketTransport); !ok {
		t.Error("websocket transport not selected")
	}
}

func TestStdioCallBeforeConnect(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{ID: "a", Command: "srv"})
	if _, err := tr.Call(context.Background(), "tools/list", nil); err != ErrNotConnected {
		t.Errorf("Call error = %v, want ErrNotConnected", err)
	}
	if tr.Connected() {
		t.Error("connected before Connect")
	}
}

func TestCorrelatorRoutesResponsesAndNotifications(t *testing.T) {
	c := newCorrelator()
	ch := c.expect(7)

	c.dispatch([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	select {
	case resp := <-ch:
		if string(resp.Result) != `{"ok":true}` {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("response not delivered")
	}

	// a response for an unknown id is dropped, not queued as notification
	c.dispatch([]byte(`{"jsonrpc":"2.0","id":99,"result":{}}`))
	c.dispatch([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	select {
	case notif := <-c.notifs:
		if notif.Method != "notifications/tools/list_changed" {
			t.Errorf("method = %s", notif.Method)
		}
	default:
		t.Fatal("notification not delivered")
	}
	select {
	case extra := <-c.notifs:
		t.Fatalf("unexpected extra notification: %+v", extra)
	default:
	}
}

func TestClientConnectHandshake(t *testing.T) {
	ft := newFakeTransport(map[string]json.RawMessage{
		"initialize": json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"search","version":"0.3.0"}}`),
		"tools/list": json.RawMessage(`{"tools":[{"name":"web_search","description":"Search the web"}]}`),
	})
	c := fakeClient("search", ft)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.ServerInfo(); got.Name != "search" || got.Version != "0.3.0" {
		t.Errorf("server info: %+v", got)
	}
	if listed := c.Tools(); len(listed) != 1 || listed[0].Name != "web_search" {
		t.Errorf("tools: %+v", listed)
	}
	if len(ft.notified) != 1 || ft.notified[0] != "notifications/initialized" {
		t.Errorf("notifications sent: %v", ft.notified)
	}
}

func TestRemoteNameSanitizes(t *testing.T) {
	cases := []struct {
		prefix, server, tool, want string
	}{
		{"remote", "search", "web_search", "remote__search__web_search"},
		{"remote", "My Server!", "Fetch/Page", "remote__my_server__fetch_page"},
		{"ext", "s", "", "ext__s__tool"},
	}
	for _, tc := range cases {
		if got := remoteName(tc.prefix, tc.server, tc.tool); got != tc.want {
			t.Errorf("remoteName(%q,%q,%q) = %q, want %q", tc.prefix, tc.server, tc.tool, got, tc.want)
		}
	}
}

func TestRegisterIntoWrapsRemoteTools(t *testing.T) {
	ft := newFakeTransport(map[string]json.RawMessage{
		"tools/call": json.RawMessage(`{"content":[{"type":"text","text":"42 results"}]}`),
	})
	client := fakeClient("search", ft)
	client.tools = []*RemoteTool{
		{Name: "web_search", Description: "Search the web", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}

	mgr := NewManager(&Config{Enabled: true}, nil)
	mgr.clients["search"] = client

	reg := tools.NewRegistry()
	names, err := mgr.RegisterInto(reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "remote__search__web_search" {
		t.Fatalf("registered names: %v", names)
	}

	tool, ok := reg.Get("remote__search__web_search")
	if !ok {
		t.Fatal("wrapped tool not in registry")
	}
	desc := tool.Descriptor()
	if desc.Source != tools.SourceRemote || desc.Server != "search" || desc.Transport != "stdio" {
		t.Errorf("descriptor: %+v", desc)
	}
	if !desc.Mutates {
		t.Error("remote tool not marked mutating")
	}

	outcome, err := tool.Exec(context.Background(), json.RawMessage(`{"query":"go"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.OK || outcome.Content != "42 results" {
		t.Errorf("outcome: %+v", outcome)
	}
}

func TestRemoteToolErrorResultBecomesFailedOutcome(t *testing.T) {
	ft := newFakeTransport(map[string]json.RawMessage{
		"tools/call": json.RawMessage(`{"isError":true,"content":[{"type":"text","text":"rate limited"}]}`),
	})
	client := fakeClient("search", ft)
	client.tools = []*RemoteTool{{Name: "web_search"}}

	mgr := NewManager(&Config{Enabled: true}, nil)
	mgr.clients["search"] = client

	reg := tools.NewRegistry()
	if _, err := mgr.RegisterInto(reg); err != nil {
		t.Fatal(err)
	}
	tool, _ := reg.Get("remote__search__web_search")
	outcome, err := tool.Exec(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.OK || outcome.Error != "rate limited" {
		t.Errorf("outcome: %+v", outcome)
	}
}

func TestManagerConnectUnknownServer(t *testing.T) {
	mgr := NewManager(&Config{Enabled: true}, nil)
	if err := mgr.Connect(context.Background(), "ghost"); err == nil {
		t.Error("unknown server accepted")
	}
	if err := mgr.Disconnect("ghost"); err != nil {
		t.Errorf("disconnect of unknown server: %v", err)
	}
}

func TestToolCallResultText(t *testing.T) {
	r := &ToolCallResult{Content: []ToolResultContent{
		{Type: "text", Text: "line one"},
		{Type: "text", Text: "line two"},
	}}
	if got := r.Text(); got != "line one\nline two" {
		t.Errorf("Text() = %q", got)
	}
	if got := (&ToolCallResult{}).Text(); got != "" {
		t.Errorf("empty Text() = %q", got)
	}
}
