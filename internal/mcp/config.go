// Package mcp owns the lifecycle of connections to external MCP tool
// servers: transport setup (stdio, websocket, SSE, streamable HTTP, docker),
// health, the RPC façade the executor calls tools through, and graceful
// shutdown. There is at most one live client per server name at any moment.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/flujo-ai/flujo/internal/store"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportWebsocket      TransportKind = "websocket"
	TransportSSE            TransportKind = "http-sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportDocker         TransportKind = "docker"
)

// ServerConfig is one entry of the "mcp_servers" record. Name is the unique
// connection key.
type ServerConfig struct {
	Name        string        `json:"name"`
	Transport   TransportKind `json:"transport"`
	Disabled    bool          `json:"disabled,omitempty"`
	AutoApprove []string      `json:"autoApprove,omitempty"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// websocket / http-sse / streamable-http
	URL string `json:"url,omitempty"`

	// docker
	Image           string   `json:"image,omitempty"`
	Volumes         []string `json:"volumes,omitempty"`
	NetworkMode     string   `json:"networkMode,omitempty"`
	TransportMethod string   `json:"transportMethod,omitempty"` // "stdio" (default) or "websocket"
	Port            int      `json:"port,omitempty"`            // published port for docker+websocket
}

// LoadConfigs reads all server configs from the store. A missing record
// means no servers are configured.
func LoadConfigs(ctx context.Context, s store.Store) (map[string]ServerConfig, error) {
	var configs map[string]ServerConfig
	if err := store.LoadJSON(ctx, s, store.KeyMCPServers, &configs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[string]ServerConfig{}, nil
		}
		return nil, err
	}
	// Name derives from the map key, not a stored field.
	for name, cfg := range configs {
		cfg.Name = name
		configs[name] = cfg
	}
	return configs, nil
}

// SaveConfigs persists the full server config map.
func SaveConfigs(ctx context.Context, s store.Store, configs map[string]ServerConfig) error {
	return store.SaveJSON(ctx, s, store.KeyMCPServers, configs)
}

// transportChanged reports whether a config change requires tearing down and
// recreating an existing client.
func transportChanged(old, new ServerConfig) bool {
	if old.Transport != new.Transport {
		return true
	}
	switch new.Transport {
	case TransportStdio:
		return old.Command != new.Command ||
			!reflect.DeepEqual(old.Args, new.Args) ||
			!reflect.DeepEqual(old.Env, new.Env) ||
			old.Cwd != new.Cwd
	case TransportWebsocket, TransportSSE, TransportStreamableHTTP:
		return old.URL != new.URL
	case TransportDocker:
		return old.Image != new.Image ||
			!reflect.DeepEqual(old.Volumes, new.Volumes) ||
			old.NetworkMode != new.NetworkMode ||
			old.TransportMethod != new.TransportMethod ||
			old.Port != new.Port ||
			!reflect.DeepEqual(old.Env, new.Env)
	default:
		return false
	}
}

// validate rejects configs that cannot possibly connect.
func (c ServerConfig) validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp: server %q: stdio transport requires a command", c.Name)
		}
	case TransportWebsocket, TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp: server %q: %s transport requires a url", c.Name, c.Transport)
		}
	case TransportDocker:
		if c.Image == "" {
			return fmt.Errorf("mcp: server %q: docker transport requires an image", c.Name)
		}
		if c.TransportMethod == "websocket" && c.Port <= 0 {
			return fmt.Errorf("mcp: server %q: docker websocket transport requires a port", c.Name)
		}
	default:
		return fmt.Errorf("mcp: server %q: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// AutoApproves reports whether toolName is on the server's auto-approve list.
func (c ServerConfig) AutoApproves(toolName string) bool {
	for _, t := range c.AutoApprove {
		if t == toolName {
			return true
		}
	}
	return false
}
