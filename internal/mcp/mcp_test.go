package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	sdk "github.com/mark3labs/mcp-go/mcp"

	"github.com/flujo-ai/flujo/internal/secret"
	"github.com/flujo-ai/flujo/internal/store"
)

func TestLoadConfigs_NameFromKey(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	in := map[string]ServerConfig{
		"files": {Transport: TransportStdio, Command: "mcp-files"},
	}
	if err := SaveConfigs(ctx, s, in); err != nil {
		t.Fatal(err)
	}
	configs, err := LoadConfigs(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if configs["files"].Name != "files" {
		t.Errorf("Name = %q, want files", configs["files"].Name)
	}
}

func TestLoadConfigs_Missing(t *testing.T) {
	configs, err := LoadConfigs(context.Background(), store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 0 {
		t.Errorf("configs = %v, want empty", configs)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		ok   bool
	}{
		{"stdio ok", ServerConfig{Transport: TransportStdio, Command: "x"}, true},
		{"stdio no command", ServerConfig{Transport: TransportStdio}, false},
		{"ws ok", ServerConfig{Transport: TransportWebsocket, URL: "ws://x"}, true},
		{"ws no url", ServerConfig{Transport: TransportWebsocket}, false},
		{"docker ok", ServerConfig{Transport: TransportDocker, Image: "img"}, true},
		{"docker ws no port", ServerConfig{Transport: TransportDocker, Image: "img", TransportMethod: "websocket"}, false},
		{"unknown", ServerConfig{Transport: "carrier-pigeon"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if (err == nil) != tc.ok {
				t.Errorf("validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestTransportChanged(t *testing.T) {
	base := ServerConfig{Transport: TransportStdio, Command: "a", Args: []string{"-x"}}
	if transportChanged(base, base) {
		t.Error("identical configs reported as changed")
	}
	changed := base
	changed.Args = []string{"-y"}
	if !transportChanged(base, changed) {
		t.Error("arg change not detected")
	}
	other := base
	other.Transport = TransportWebsocket
	if !transportChanged(base, other) {
		t.Error("transport kind change not detected")
	}
}

func TestAutoApproves(t *testing.T) {
	cfg := ServerConfig{AutoApprove: []string{"read_file"}}
	if !cfg.AutoApproves("read_file") || cfg.AutoApproves("write_file") {
		t.Error("auto-approve list not honored")
	}
}

func TestRingBuffer(t *testing.T) {
	r := newRingBuffer()
	r.Write([]byte("line one\nline two\nline three\n"))
	if got := r.Tail(2); got != "line two\nline three" {
		t.Errorf("Tail(2) = %q", got)
	}

	// Overflow keeps only the most recent bytes.
	big := strings.Repeat("x", stderrBufferSize)
	r.Write([]byte(big))
	r.Write([]byte("marker"))
	if !strings.HasSuffix(r.String(), "marker") {
		t.Error("overflowed buffer lost the newest write")
	}
	if len(r.String()) > stderrBufferSize {
		t.Errorf("buffer grew past capacity: %d", len(r.String()))
	}
}

func TestStdioCommand_Cwd(t *testing.T) {
	cfg := ServerConfig{Command: "server", Args: []string{"--flag"}, Cwd: "/tmp/work"}
	command, args := stdioCommand(cfg)
	if command != "/bin/sh" {
		t.Fatalf("command = %q", command)
	}
	// The shell trampoline receives cwd and the real command as positionals.
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "/tmp/work") || !strings.Contains(joined, "server") || !strings.Contains(joined, "--flag") {
		t.Errorf("args = %v", args)
	}
}

func TestDockerRunArgs(t *testing.T) {
	cfg := ServerConfig{
		Name:        "web",
		Transport:   TransportDocker,
		Image:       "mcp/web:1",
		Volumes:     []string{"/data:/data"},
		NetworkMode: "host",
		Args:        []string{"--verbose"},
	}
	args := dockerRunArgs(cfg, "flujo_web_abc12345", []string{"API_KEY=k"}, false)
	joined := strings.Join(args, " ")
	for _, want := range []string{"run", "--rm", "--name flujo_web_abc12345", "-i", "-v /data:/data", "--network host", "-e API_KEY=k", "mcp/web:1 --verbose"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}
}

func TestContainerName(t *testing.T) {
	a := containerName("my server!")
	b := containerName("my server!")
	if !strings.HasPrefix(a, "flujo_my_server__") {
		t.Errorf("name = %q", a)
	}
	if a == b {
		t.Error("container names must be unique per launch")
	}
}

// wsEcho runs a websocket server that answers every request with a canned
// result and can push notifications. The returned drop func closes the
// server side of the current connection.
func wsEcho(t *testing.T, result string) (*httptest.Server, chan<- string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	push := make(chan string, 4)
	var mu sync.Mutex
	var active *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		active = conn
		mu.Unlock()
		defer conn.Close()

		go func() {
			for msg := range push {
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var probe struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if json.Unmarshal(data, &probe) != nil || len(probe.ID) == 0 {
				continue // notification, nothing to answer
			}
			resp := `{"jsonrpc":"2.0","id":` + string(probe.ID) + `,"result":` + result + `}`
			conn.WriteMessage(websocket.TextMessage, []byte(resp))
		}
	}))
	drop := func() {
		// The handler stores the conn just after the upgrade; wait it out.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			conn := active
			mu.Unlock()
			if conn != nil {
				conn.Close()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("no server-side connection to drop")
	}
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(push) })
	return srv, push, drop
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransport_RequestResponse(t *testing.T) {
	srv, _, _ := wsEcho(t, `{"ok":true}`)
	tr := newWSTransport(wsURL(srv), nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	req := transport.JSONRPCRequest{JSONRPC: "2.0", ID: sdk.NewRequestId(int64(1)), Method: "ping"}
	resp, err := tr.SendRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(resp.Result), `"ok":true`) {
		t.Errorf("Result = %s", resp.Result)
	}
}

func TestWSTransport_Notification(t *testing.T) {
	srv, push, _ := wsEcho(t, `{}`)
	tr := newWSTransport(wsURL(srv), nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	got := make(chan string, 1)
	tr.SetNotificationHandler(func(n sdk.JSONRPCNotification) {
		got <- n.Method
	})
	push <- `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`

	select {
	case method := <-got:
		if method != "notifications/progress" {
			t.Errorf("method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestWSTransport_CloseHook(t *testing.T) {
	srv, _, drop := wsEcho(t, `{}`)
	closed := make(chan struct{})
	tr := newWSTransport(wsURL(srv), func(error) { close(closed) })
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Close the hijacked connection from the server side so the read loop
	// errors out; httptest's CloseClientConnections skips upgraded conns.
	drop()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never fired")
	}
}

func TestManagerStatus(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	configs := map[string]ServerConfig{
		"off": {Transport: TransportStdio, Command: "x", Disabled: true},
		"on":  {Transport: TransportStdio, Command: "x"},
	}
	if err := SaveConfigs(ctx, s, configs); err != nil {
		t.Fatal(err)
	}
	m := NewManager(s, secret.NewResolver(s, nil))

	if got := m.GetServerStatus(ctx, "off").State; got != "disconnected" {
		t.Errorf("disabled server state = %q", got)
	}
	// Before StartEnabledServers completes, unconnected servers report
	// initialization rather than an error.
	if got := m.GetServerStatus(ctx, "on").State; got != "initialization" {
		t.Errorf("pre-startup state = %q", got)
	}
}

func TestConnectServer_Unconfigured(t *testing.T) {
	s := store.NewMemory()
	m := NewManager(s, secret.NewResolver(s, nil))
	if err := m.ConnectServer(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unconfigured server")
	}
}

func TestResolveEnv(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	if err := store.SaveJSON(ctx, s, store.KeyGlobalEnvVars, map[string]string{"TOKEN": "t-123"}); err != nil {
		t.Fatal(err)
	}
	m := NewManager(s, secret.NewResolver(s, nil))
	env := m.resolveEnv(ctx, map[string]string{"API": "${global:TOKEN}", "PLAIN": "v"})
	joined := strings.Join(env, ";")
	if !strings.Contains(joined, "API=t-123") || !strings.Contains(joined, "PLAIN=v") {
		t.Errorf("env = %v", env)
	}
}
