package mcp

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
)

// containerName builds the deterministic-prefix, unique-suffix name used for
// every container this process launches, so stale containers are both
// identifiable and stoppable.
func containerName(serverName string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("flujo_%s_%s", sanitizeName(serverName), short)
}

// sanitizeName keeps only characters docker accepts in container names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// dockerRunArgs assembles the argument list shared by both docker transport
// methods. env entries are already secret-resolved KEY=VALUE pairs.
func dockerRunArgs(cfg ServerConfig, name string, env []string, detached bool) []string {
	args := []string{"run", "--rm", "--name", name}
	if detached {
		args = append(args, "-d")
	} else {
		args = append(args, "-i")
	}
	for _, v := range cfg.Volumes {
		args = append(args, "-v", v)
	}
	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	if cfg.TransportMethod == "websocket" {
		args = append(args, "-p", fmt.Sprintf("%d:%d", cfg.Port, cfg.Port))
	}
	args = append(args, cfg.Image)
	args = append(args, cfg.Args...)
	return args
}

// buildDockerTransport launches the server's container. With the default
// stdio method the container IS the transport; with the websocket method the
// container is started detached and dialed on its published port.
func (c *Client) buildDockerTransport(ctx context.Context, env []string) (transport.Interface, error) {
	name := containerName(c.cfg.Name)

	if c.cfg.TransportMethod != "websocket" {
		c.mu.Lock()
		c.containerName = name
		c.mu.Unlock()
		// env goes through -e flags, not the docker client's own environment
		return transport.NewStdio("docker", nil, dockerRunArgs(c.cfg, name, env, false)...), nil
	}

	cmd := exec.Command("docker", dockerRunArgs(c.cfg, name, env, true)...)
	cmd.Stderr = c.stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("mcp: start docker container for %q: %w (stderr: %s)", c.cfg.Name, err, c.stderr.Tail(5))
	}

	c.mu.Lock()
	c.containerName = name
	c.mu.Unlock()

	url := fmt.Sprintf("ws://localhost:%d", c.cfg.Port)
	if err := waitForWebsocket(ctx, url, 15*time.Second); err != nil {
		stopContainer(name)
		return nil, fmt.Errorf("mcp: container for %q never accepted websocket connections: %w", c.cfg.Name, err)
	}
	return newWSTransport(url, c.transportClosed), nil
}

// waitForWebsocket polls until the endpoint accepts a connection or the
// deadline passes.
func waitForWebsocket(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}

// stopContainer issues docker stop, which sends SIGTERM and escalates to
// SIGKILL after docker's grace period.
func stopContainer(name string) {
	out, err := exec.Command("docker", "stop", name).CombinedOutput()
	if err != nil {
		log.Printf("[MCP] docker stop %s failed: %v (%s)", name, err, strings.TrimSpace(string(out)))
	}
}
