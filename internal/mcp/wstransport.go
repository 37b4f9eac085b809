package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	sdk "github.com/mark3labs/mcp-go/mcp"
)

// wsTransport speaks MCP JSON-RPC over a websocket connection. mcp-go ships
// no websocket client, so this implements transport.Interface directly and
// plugs into client.NewClient like any built-in transport.
type wsTransport struct {
	url string

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan *transport.JSONRPCResponse

	handlerMu sync.Mutex
	handler   func(sdk.JSONRPCNotification)

	closeOnce sync.Once
	done      chan struct{}

	// onClose fires once when the read loop ends, whether by Close or by
	// the peer going away.
	onClose func(err error)
}

func newWSTransport(url string, onClose func(error)) *wsTransport {
	return &wsTransport{
		url:     url,
		pending: make(map[string]chan *transport.JSONRPCResponse),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (t *wsTransport) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("mcp: websocket dial %s: %w", t.url, err)
	}
	t.conn = conn
	go t.readLoop()
	return nil
}

func (t *wsTransport) readLoop() {
	var loopErr error
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			loopErr = err
			break
		}
		t.dispatch(data)
	}

	t.closeOnce.Do(func() { close(t.done) })
	t.conn.Close()

	// Fail anything still waiting for a response.
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if t.onClose != nil {
		t.onClose(loopErr)
	}
}

// dispatch routes one inbound frame: frames with a method and no id are
// notifications, everything else is matched against a pending request.
func (t *wsTransport) dispatch(data []byte) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	if probe.Method != "" && len(probe.ID) == 0 {
		var n sdk.JSONRPCNotification
		if err := json.Unmarshal(data, &n); err != nil {
			return
		}
		t.handlerMu.Lock()
		h := t.handler
		t.handlerMu.Unlock()
		if h != nil {
			h(n)
		}
		return
	}

	var resp transport.JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	key := string(probe.ID)
	t.pendingMu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- &resp
	}
}

func (t *wsTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	idBytes, err := json.Marshal(request.ID)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request id: %w", err)
	}
	key := string(idBytes)

	ch := make(chan *transport.JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[key] = ch
	t.pendingMu.Unlock()

	if err := t.writeJSON(request); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, key)
		t.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: websocket closed while awaiting response")
		}
		return resp, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, key)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("mcp: websocket transport closed")
	}
}

func (t *wsTransport) SendNotification(ctx context.Context, notification sdk.JSONRPCNotification) error {
	return t.writeJSON(notification)
}

func (t *wsTransport) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcp: marshal frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return fmt.Errorf("mcp: websocket transport closed")
	default:
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("mcp: websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) SetNotificationHandler(handler func(notification sdk.JSONRPCNotification)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	if t.conn != nil {
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return t.conn.Close()
	}
	return nil
}

func (t *wsTransport) GetSessionId() string { return "" }
