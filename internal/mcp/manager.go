package mcp

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flujo-ai/flujo/internal/secret"
	"github.com/flujo-ai/flujo/internal/store"
)

// liveClients survives manager recreation: a config reload builds a new
// Manager, but already-running server processes must not be orphaned.
var liveClients = struct {
	sync.Mutex
	m map[string]*Client
}{m: make(map[string]*Client)}

// TimeoutError reports that a tool call exceeded its deadline. The fields
// are serialized into the tool result so the model can see what timed out.
type TimeoutError struct {
	ToolName      string  `json:"toolName"`
	Timeout       float64 `json:"timeout"`
	ProgressToken string  `json:"progressToken"`
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp: tool %q timed out after %gs", e.ToolName, e.Timeout)
}

// ServerStatus is the health view reported per server.
type ServerStatus struct {
	Name       string `json:"name"`
	State      string `json:"state"` // initialization | connected | disconnected | error
	Error      string `json:"error,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
}

// Manager owns all MCP server connections. Lock discipline: the mutex guards
// the registry only; every RPC and process operation happens on a snapshot
// taken under the lock, never while holding it.
type Manager struct {
	store    store.Store
	resolver *secret.Resolver

	mu          sync.Mutex
	clients     map[string]*Client
	startupDone bool
}

// NewManager builds a Manager and adopts any clients still alive from a
// previous manager instance in this process.
func NewManager(s store.Store, r *secret.Resolver) *Manager {
	m := &Manager{
		store:    s,
		resolver: r,
		clients:  make(map[string]*Client),
	}
	liveClients.Lock()
	for name, c := range liveClients.m {
		m.clients[name] = c
	}
	liveClients.Unlock()
	return m
}

func (m *Manager) getClient(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[name]
}

func (m *Manager) putClient(name string, c *Client) {
	m.mu.Lock()
	m.clients[name] = c
	m.mu.Unlock()
	liveClients.Lock()
	liveClients.m[name] = c
	liveClients.Unlock()
}

func (m *Manager) dropClient(name string) {
	m.mu.Lock()
	delete(m.clients, name)
	m.mu.Unlock()
	liveClients.Lock()
	delete(liveClients.m, name)
	liveClients.Unlock()
}

// clientClosed is installed as the transport close hook on every client.
func (m *Manager) clientClosed(name string, err error) {
	if err != nil {
		log.Printf("[MCP] Connection to %q dropped: %v", name, err)
	} else {
		log.Printf("[MCP] Connection to %q closed", name)
	}
	m.dropClient(name)
}

// StartEnabledServers connects every non-disabled configured server.
// Individual failures are logged, not fatal: one broken server must not
// block the rest.
func (m *Manager) StartEnabledServers(ctx context.Context) {
	configs, err := LoadConfigs(ctx, m.store)
	if err != nil {
		log.Printf("[MCP] Could not load server configs: %v", err)
		return
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if configs[name].Disabled {
			continue
		}
		if err := m.ConnectServer(ctx, name); err != nil {
			log.Printf("[MCP] Startup connect of %q failed: %v", name, err)
		}
	}

	m.mu.Lock()
	m.startupDone = true
	m.mu.Unlock()
	log.Printf("[MCP] Startup complete, %d server(s) configured", len(configs))
}

// ConnectServer connects the named server. Already-connected servers are
// left alone, making the call idempotent.
func (m *Manager) ConnectServer(ctx context.Context, name string) error {
	if existing := m.getClient(name); existing != nil && existing.Connected() {
		return nil
	}

	configs, err := LoadConfigs(ctx, m.store)
	if err != nil {
		return err
	}
	cfg, ok := configs[name]
	if !ok {
		return fmt.Errorf("mcp: server %q is not configured", name)
	}
	if cfg.Disabled {
		return fmt.Errorf("mcp: server %q is disabled", name)
	}

	client := NewClient(cfg, m.clientClosed)
	if err := client.Connect(ctx, m.resolveEnv(ctx, cfg.Env)); err != nil {
		return m.enrichConnectError(cfg, client, err)
	}

	m.putClient(name, client)
	log.Printf("[MCP] Connected to server %q (%s)", name, cfg.Transport)
	return nil
}

// resolveEnv turns the configured env map into KEY=VALUE pairs with every
// ${global:NAME} reference and encrypted value resolved at launch time.
func (m *Manager) resolveEnv(ctx context.Context, env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m.resolver.ResolveString(ctx, env[k]))
	}
	return out
}

// enrichConnectError adds the diagnostics a user actually needs when a
// server fails to come up: whether the command exists, where it resolved to,
// and what the process said on stderr before dying.
func (m *Manager) enrichConnectError(cfg ServerConfig, client *Client, err error) error {
	var hints []string

	if cfg.Transport == TransportStdio && cfg.Command != "" {
		if resolved, lookErr := exec.LookPath(cfg.Command); lookErr != nil {
			hints = append(hints, fmt.Sprintf("command %q was not found on PATH", cfg.Command))
			if filepath.IsAbs(cfg.Command) {
				if _, statErr := os.Stat(cfg.Command); statErr != nil {
					hints = append(hints, fmt.Sprintf("path does not exist: %s", cfg.Command))
				}
			}
		} else {
			hints = append(hints, fmt.Sprintf("command resolved to %s", resolved))
		}
		if cfg.Cwd != "" {
			if info, statErr := os.Stat(cfg.Cwd); statErr != nil || !info.IsDir() {
				hints = append(hints, fmt.Sprintf("working directory does not exist: %s", cfg.Cwd))
			}
		}
	}

	if tail := client.StderrTail(10); tail != "" {
		hints = append(hints, "server stderr:\n"+tail)
	}

	if len(hints) == 0 {
		return err
	}
	return fmt.Errorf("%w\n%s", err, strings.Join(hints, "\n"))
}

// DisconnectServer gracefully shuts down the named server connection. An
// unknown or already-disconnected name is not an error.
func (m *Manager) DisconnectServer(ctx context.Context, name string) error {
	client := m.getClient(name)
	if client == nil {
		return nil
	}
	m.dropClient(name)
	return client.Disconnect(ctx)
}

// ListServerTools returns the tool metadata of a connected server,
// connecting on demand if needed.
func (m *Manager) ListServerTools(ctx context.Context, name string) ([]ToolInfo, error) {
	client := m.getClient(name)
	if client == nil || !client.Connected() {
		if err := m.ConnectServer(ctx, name); err != nil {
			return nil, err
		}
		client = m.getClient(name)
	}
	if client == nil {
		return nil, fmt.Errorf("mcp: server %q is not connected", name)
	}
	return client.ListTools(ctx)
}

// CallTool runs one tool call. Arguments are secret-resolved immediately
// before dispatch. timeoutSeconds <= 0 disables the deadline; on expiry the
// call returns a *TimeoutError and a cancellation notification carrying the
// progress token is sent to the server.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any, timeoutSeconds float64) (string, error) {
	client := m.getClient(serverName)
	if client == nil || !client.Connected() {
		if err := m.ConnectServer(ctx, serverName); err != nil {
			return "", err
		}
		client = m.getClient(serverName)
	}
	if client == nil {
		return "", fmt.Errorf("mcp: server %q is not connected", serverName)
	}

	resolved := m.resolver.ResolveArgs(ctx, args)
	token := uuid.NewString()

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := client.CallTool(ctx, toolName, resolved, token)
		ch <- outcome{text, err}
	}()

	if timeoutSeconds <= 0 {
		o := <-ch
		return o.text, o.err
	}

	select {
	case o := <-ch:
		return o.text, o.err
	case <-time.After(time.Duration(timeoutSeconds * float64(time.Second))):
		cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if nerr := client.NotifyCancelled(cancelCtx, token, "timeout"); nerr != nil {
			log.Printf("[MCP] Could not send cancellation for %q on %q: %v", toolName, serverName, nerr)
		}
		return "", &TimeoutError{ToolName: toolName, Timeout: timeoutSeconds, ProgressToken: token}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IsAutoApproved reports whether the server config lists toolName as
// pre-approved for execution without user confirmation.
func (m *Manager) IsAutoApproved(ctx context.Context, serverName, toolName string) bool {
	configs, err := LoadConfigs(ctx, m.store)
	if err != nil {
		return false
	}
	cfg, ok := configs[serverName]
	return ok && cfg.AutoApproves(toolName)
}

// GetServerStatus reports the health of one configured server.
func (m *Manager) GetServerStatus(ctx context.Context, name string) ServerStatus {
	m.mu.Lock()
	startupDone := m.startupDone
	client := m.clients[name]
	m.mu.Unlock()

	status := ServerStatus{Name: name}

	configs, err := LoadConfigs(ctx, m.store)
	if err == nil {
		if cfg, ok := configs[name]; ok && cfg.Disabled {
			status.State = "disconnected"
			return status
		}
	}

	switch {
	case client != nil && client.Connected():
		status.State = "connected"
	case !startupDone:
		status.State = "initialization"
	case client != nil:
		status.State = "error"
		status.Error = client.LastError()
		status.StderrTail = client.StderrTail(10)
	default:
		status.State = "disconnected"
	}
	return status
}

// GetAllServerStatuses reports health for every configured server, sorted by
// name.
func (m *Manager) GetAllServerStatuses(ctx context.Context) []ServerStatus {
	configs, err := LoadConfigs(ctx, m.store)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, m.GetServerStatus(ctx, name))
	}
	return statuses
}

// UpdateServerConfig persists the new config and reconciles the live
// connection with it. The save succeeds or fails on its own: a failed
// reconnect never rolls back the stored config.
func (m *Manager) UpdateServerConfig(ctx context.Context, name string, updated ServerConfig) error {
	updated.Name = name
	if err := updated.validate(); err != nil {
		return err
	}

	configs, err := LoadConfigs(ctx, m.store)
	if err != nil {
		return err
	}
	old, existed := configs[name]
	configs[name] = updated
	if err := SaveConfigs(ctx, m.store, configs); err != nil {
		return err
	}

	client := m.getClient(name)

	switch {
	case updated.Disabled:
		if client != nil {
			if err := m.DisconnectServer(ctx, name); err != nil {
				log.Printf("[MCP] Disconnect of %q after disable failed: %v", name, err)
			}
		}
	case !existed || client == nil || transportChanged(old, updated):
		if client != nil {
			if err := m.DisconnectServer(ctx, name); err != nil {
				log.Printf("[MCP] Disconnect of %q before reconnect failed: %v", name, err)
			}
		}
		if err := m.ConnectServer(ctx, name); err != nil {
			log.Printf("[MCP] Reconnect of %q with new config failed: %v", name, err)
		}
	}
	return nil
}

// DeleteServerConfig removes the stored config and tears down any live
// connection.
func (m *Manager) DeleteServerConfig(ctx context.Context, name string) error {
	configs, err := LoadConfigs(ctx, m.store)
	if err != nil {
		return err
	}
	if _, ok := configs[name]; !ok {
		return fmt.Errorf("mcp: server %q is not configured", name)
	}
	delete(configs, name)
	if err := SaveConfigs(ctx, m.store, configs); err != nil {
		return err
	}
	return m.DisconnectServer(ctx, name)
}

// Shutdown disconnects every server. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.DisconnectServer(ctx, name); err != nil {
			log.Printf("[MCP] Shutdown of %q failed: %v", name, err)
		}
	}
}
