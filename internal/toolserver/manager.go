package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/haasonsaas/moor/internal/tools"
	"github.com/haasonsaas/moor/pkg/models"
)

// DefaultPrefix namespaces remote tool names when the config leaves the
// prefix empty.
const DefaultPrefix = "remote"

// Config holds the tool-server manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Prefix  string          `yaml:"prefix"`
	Servers []*ServerConfig `yaml:"servers"`
}

// Manager owns the connections to all configured tool servers.
type Manager struct {
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager builds a manager; connections are made by Start or Connect.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "toolserver"),
		clients: make(map[string]*Client),
	}
}

// Start connects every auto-start server. A failing server is logged and
// skipped so one bad server does not take the rest down.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("tool servers disabled")
		return nil
	}
	for _, cfg := range m.config.Servers {
		if !cfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, cfg.ID); err != nil {
			m.logger.Error("tool server connect failed", "server", cfg.ID, "error", err)
		}
	}
	return nil
}

// Stop disconnects all servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("tool server close failed", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
	return nil
}

// Connect connects one configured server by id. Connecting an already
// connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	var cfg *ServerConfig
	if m.config != nil {
		for _, c := range m.config.Servers {
			if c.ID == serverID {
				cfg = c
				break
			}
		}
	}
	if cfg == nil {
		return fmt.Errorf("toolserver: server %q not configured", serverID)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.clients[serverID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()
	return nil
}

// Disconnect closes one server connection; unknown ids are a no-op.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	delete(m.clients, serverID)
	return nil
}

// Client returns the connected client for a server id.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverID]
	return client, ok
}

// CallTool invokes a tool on a specific connected server.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args json.RawMessage) (*ToolCallResult, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("toolserver: server %q not connected", serverID)
	}
	return client.CallTool(ctx, name, args)
}

// AllTools returns the tool inventory of every connected server.
func (m *Manager) AllTools() map[string][]*RemoteTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]*RemoteTool)
	for id, client := range m.clients {
		if listed := client.Tools(); len(listed) > 0 {
			out[id] = listed
		}
	}
	return out
}

// RegisterInto wraps every remote tool as a local registry entry named
// <prefix>__<server>__<tool>. Returns the registered names.
func (m *Manager) RegisterInto(reg *tools.Registry) ([]string, error) {
	prefix := DefaultPrefix
	if m.config != nil && m.config.Prefix != "" {
		prefix = m.config.Prefix
	}

	all := m.AllTools()
	serverIDs := make([]string, 0, len(all))
	for id := range all {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	var registered []string
	for _, serverID := range serverIDs {
		client, _ := m.Client(serverID)
		kind := client.Config().kind()
		listed := append([]*RemoteTool(nil), all[serverID]...)
		sort.Slice(listed, func(i, j int) bool { return listed[i].Name < listed[j].Name })

		for _, rt := range listed {
			name := remoteName(prefix, serverID, rt.Name)
			wrapped := &remoteTool{
				manager:  m,
				serverID: serverID,
				kind:     kind,
				tool:     rt,
				name:     name,
				timeout:  client.Config().Timeout,
			}
			if err := reg.Register(wrapped); err != nil {
				return registered, err
			}
			registered = append(registered, name)
		}
	}
	return registered, nil
}

// remoteName builds <prefix>__<server>__<tool> with each part reduced to
// lowercase letters, digits, and single underscores.
func remoteName(prefix, serverID, toolName string) string {
	return sanitizePart(prefix) + "__" + sanitizePart(serverID) + "__" + sanitizePart(toolName)
}

func sanitizePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

// remoteTool adapts one remote tool to the local tool contract.
type remoteTool struct {
	manager  *Manager
	serverID string
	kind     TransportKind
	tool     *RemoteTool
	name     string
	timeout  time.Duration
}

func (t *remoteTool) Descriptor() tools.Descriptor {
	desc := strings.TrimSpace(t.tool.Description)
	if desc == "" {
		desc = fmt.Sprintf("Remote tool %s on server %s", t.tool.Name, t.serverID)
	}
	schema := t.tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return tools.Descriptor{
		Name:        t.name,
		Description: desc,
		Schema:      schema,
		// Remote side effects are opaque, so readOnly mode denies them.
		Mutates:   true,
		Timeout:   t.timeout,
		Source:    tools.SourceRemote,
		Server:    t.serverID,
		Transport: string(t.kind),
	}
}

func (t *remoteTool) Exec(ctx context.Context, args json.RawMessage, tc *tools.ExecContext) (*models.ToolOutcome, error) {
	result, err := t.manager.CallTool(ctx, t.serverID, t.tool.Name, args)
	if err != nil {
		return nil, err
	}
	text := result.Text()
	if result.IsError {
		if text == "" {
			text = "remote tool failed"
		}
		return tools.Fail(text), nil
	}
	return tools.Ok(text), nil
}

var _ tools.ToolInstance = (*remoteTool)(nil)
