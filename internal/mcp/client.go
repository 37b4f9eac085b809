package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdk "github.com/mark3labs/mcp-go/mcp"
)

// disconnect escalation steps
const (
	closeWait = 5 * time.Second
	killWait  = 5 * time.Second
)

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client wraps one mcp-go connection to a single server. It is safe for
// concurrent use; all RPC happens outside the mutex.
type Client struct {
	mu    sync.RWMutex
	cfg   ServerConfig
	inner *sdkclient.Client
	trans transport.Interface

	stderr        *ringBuffer
	containerName string

	connected bool
	lastErr   string

	// onClose fires when the transport drops out from under us, so the
	// manager can evict the client from its registry.
	onClose func(name string, err error)
}

// NewClient creates an unconnected Client. Call Connect before use.
func NewClient(cfg ServerConfig, onClose func(name string, err error)) *Client {
	return &Client{cfg: cfg, stderr: newRingBuffer(), onClose: onClose}
}

func (c *Client) Config() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Connected reports whether the initialize handshake has completed and the
// transport has not dropped since.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastError returns the most recent connection-level error message.
func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// StderrTail returns the last lines the server process wrote to stderr.
func (c *Client) StderrTail(lines int) string {
	return c.stderr.Tail(lines)
}

// Connect establishes the transport and performs the MCP initialize
// handshake. env holds the fully resolved environment for child processes.
func (c *Client) Connect(ctx context.Context, env []string) error {
	if err := c.cfg.validate(); err != nil {
		c.noteError(err)
		return err
	}

	t, err := c.buildTransport(ctx, env)
	if err != nil {
		c.noteError(err)
		return err
	}

	if err := t.Start(ctx); err != nil {
		err = fmt.Errorf("mcp: start transport for %q: %w", c.cfg.Name, err)
		c.noteError(err)
		return err
	}

	// Pump stderr of stdio children into the ring buffer. EOF means the
	// process exited, which doubles as our close detection.
	if st, ok := t.(*transport.Stdio); ok {
		go c.pumpStderr(st.Stderr())
	}

	inner := sdkclient.NewClient(t)
	_, err = inner.Initialize(ctx, sdk.InitializeRequest{
		Params: sdk.InitializeParams{
			ProtocolVersion: sdk.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk.Implementation{
				Name:    "flujo",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = t.Close()
		err = fmt.Errorf("mcp: initialize server %q: %w", c.cfg.Name, err)
		c.noteError(err)
		return err
	}

	c.mu.Lock()
	c.inner = inner
	c.trans = t
	c.connected = true
	c.lastErr = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) buildTransport(ctx context.Context, env []string) (transport.Interface, error) {
	switch c.cfg.Transport {
	case TransportStdio:
		command, args := stdioCommand(c.cfg)
		return transport.NewStdio(command, env, args...), nil

	case TransportWebsocket:
		return newWSTransport(c.cfg.URL, c.transportClosed), nil

	case TransportSSE:
		t, err := transport.NewSSE(c.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp: create SSE transport %q: %w", c.cfg.Name, err)
		}
		return t, nil

	case TransportStreamableHTTP:
		t, err := transport.NewStreamableHTTP(c.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp: create streamable HTTP transport %q: %w", c.cfg.Name, err)
		}
		return t, nil

	case TransportDocker:
		return c.buildDockerTransport(ctx, env)

	default:
		return nil, fmt.Errorf("mcp: unknown transport %q for server %q", c.cfg.Transport, c.cfg.Name)
	}
}

// stdioCommand adapts the configured command for the host platform: Windows
// batch files need a cmd.exe wrapper, and a configured working directory is
// applied through a shell so the child starts where the config says.
func stdioCommand(cfg ServerConfig) (string, []string) {
	command, args := cfg.Command, cfg.Args

	if runtime.GOOS == "windows" {
		if strings.HasSuffix(strings.ToLower(command), ".bat") || strings.HasSuffix(strings.ToLower(command), ".cmd") {
			args = append([]string{"/c", command}, args...)
			command = "cmd.exe"
		}
		return command, args
	}

	if cfg.Cwd != "" {
		shellArgs := append([]string{"-c", `cd "$0" && exec "$@"`, cfg.Cwd, command}, args...)
		return "/bin/sh", shellArgs
	}
	return command, args
}

func (c *Client) pumpStderr(r io.Reader) {
	if r == nil {
		return
	}
	_, err := io.Copy(c.stderr, r)

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.lastErr == "" {
		c.lastErr = "server process exited"
	}
	c.mu.Unlock()

	if wasConnected {
		log.Printf("[MCP] Server %q stderr stream ended, marking disconnected", c.cfg.Name)
		if c.onClose != nil {
			c.onClose(c.cfg.Name, err)
		}
	}
}

// transportClosed is the websocket close hook.
func (c *Client) transportClosed(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()

	if wasConnected && c.onClose != nil {
		c.onClose(c.cfg.Name, err)
	}
}

func (c *Client) noteError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.connected = false
	c.mu.Unlock()
}

// ListTools returns metadata for all tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("mcp: client %q not connected", c.cfg.Name)
	}

	result, err := inner.ListTools(ctx, sdk.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.cfg.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes the named tool with a progress token attached and returns
// the concatenated text content. Server-reported tool errors come back as a
// non-nil error wrapping the server message, distinguishable from transport
// failures by the caller if needed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, progressToken string) (string, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return "", fmt.Errorf("mcp: client %q not connected", c.cfg.Name)
	}

	req := sdk.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	if progressToken != "" {
		req.Params.Meta = &sdk.Meta{ProgressToken: progressToken}
	}

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call tool %q on %q: %w", name, c.cfg.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q returned error: %s", name, text)
	}
	return text, nil
}

// NotifyCancelled tells the server that the call identified by progressToken
// is no longer wanted. Best effort: servers are free to ignore it.
func (c *Client) NotifyCancelled(ctx context.Context, progressToken, reason string) error {
	c.mu.RLock()
	t := c.trans
	c.mu.RUnlock()
	if t == nil {
		return fmt.Errorf("mcp: client %q not connected", c.cfg.Name)
	}

	n := sdk.JSONRPCNotification{
		JSONRPC: sdk.JSONRPC_VERSION,
		Notification: sdk.Notification{
			Method: "notifications/cancelled",
			Params: sdk.NotificationParams{
				AdditionalFields: map[string]any{
					"progressToken": progressToken,
					"reason":        reason,
				},
			},
		},
	}
	return t.SendNotification(ctx, n)
}

// Disconnect shuts the connection down gracefully. Stdio servers get their
// stdin closed and a bounded wait for exit; docker servers are stopped by
// container name, which carries its own TERM-then-KILL escalation.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	inner := c.inner
	t := c.trans
	containerName := c.containerName
	c.inner = nil
	c.trans = nil
	c.connected = false
	c.mu.Unlock()

	if inner == nil && t == nil && containerName == "" {
		return nil
	}

	if t != nil {
		// Close blocks on stdio until the child exits. Bound the wait so a
		// wedged server cannot hang shutdown.
		done := make(chan error, 1)
		go func() { done <- t.Close() }()
		select {
		case err := <-done:
			if err != nil {
				log.Printf("[MCP] Close of %q reported: %v", c.cfg.Name, err)
			}
		case <-time.After(closeWait + killWait):
			log.Printf("[MCP] Server %q did not exit after close, abandoning process", c.cfg.Name)
		}
	}

	if containerName != "" {
		stopContainer(containerName)
	}
	return nil
}
