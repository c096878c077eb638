// Package toolserver connects to external tool servers over a JSON-RPC
// protocol and exposes their tools as local registry entries. Supported
// transports are a line-delimited stdio subprocess and a websocket.
package toolserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportKind selects the wire transport for a server.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportWebsocket TransportKind = "websocket"
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Stdio transport options.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// Websocket transport options.
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	AutoStart bool          `yaml:"auto_start" json:"auto_start,omitempty"`
}

// Validate rejects configurations that cannot produce a working transport.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("toolserver: server id is required")
	}
	switch c.Transport {
	case TransportWebsocket:
		if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
			return fmt.Errorf("toolserver: %s: url must start with ws:// or wss://", c.ID)
		}
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("toolserver: %s: command is required for stdio transport", c.ID)
		}
		if strings.Contains(filepath.Clean(c.Command), "..") {
			return fmt.Errorf("toolserver: %s: command contains path traversal", c.ID)
		}
	default:
		return fmt.Errorf("toolserver: %s: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

func (c *ServerConfig) kind() TransportKind {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}

// RemoteTool is a tool definition reported by a server via tools/list.
type RemoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolResultContent is one content item of a remote tool result.
type ToolResultContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallResult is the wire result of tools/call.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// Text flattens the result into a single string. Non-text content falls
// back to the JSON encoding of the whole result.
func (r *ToolCallResult) Text() string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range r.Content {
		if item.Type != "text" {
			payload, err := json.Marshal(r)
			if err != nil {
				return ""
			}
			return string(payload)
		}
		if item.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(item.Text)
	}
	return b.String()
}

// ServerInfo identifies the remote server after the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []*RemoteTool `json:"tools"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification received from the server.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("toolserver: rpc error %d: %s", e.Code, e.Message)
}
