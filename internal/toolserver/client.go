package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const protocolVersion = "2024-11-05"

// Client manages the handshake and tool inventory of one server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*RemoteTool
	serverInfo ServerInfo
}

// NewClient builds a client for the configured server.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("tool_server", cfg.ID),
	}
}

// Connect establishes the transport and runs the initialize handshake,
// then loads the tool inventory.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "moor", "version": "1.0.0"},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("toolserver: initialize %s: %w", c.config.ID, err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("toolserver: initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("tool listing failed", "error", err)
	}

	c.logger.Info("tool server ready",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"tools", len(c.Tools()))
	return nil
}

// Close shuts the transport down.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// RefreshTools reloads the tool inventory via tools/list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var listed ListToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("toolserver: tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = listed.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool inventory.
func (c *Client) Tools() []*RemoteTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a remote tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("toolserver: tools/call result: %w", err)
	}
	return &callResult, nil
}

// Notifications exposes server-pushed notifications, e.g. list changes.
func (c *Client) Notifications() <-chan *Notification {
	return c.transport.Notifications()
}
