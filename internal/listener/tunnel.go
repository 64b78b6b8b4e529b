package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/common/logger"
	v1 "github.com/awcp/awcp/pkg/api/v1"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Tunnel frame types. Client frames flow executor → broker, server frames
// broker → executor.
const (
	frameAuth         = "AUTH"
	frameAuthOK       = "AUTH_OK"
	frameAuthError    = "AUTH_ERROR"
	frameHTTPRequest  = "HTTP_REQUEST"
	frameHTTPResponse = "HTTP_RESPONSE"
	frameSSEOpen      = "SSE_OPEN"
	frameSSEEvent     = "SSE_EVENT"
	frameSSEEnd       = "SSE_END"
	frameSSEClose     = "SSE_CLOSE"
	framePing         = "PING"
)

// tunnelFrame is the JSON frame multiplexing virtual HTTP requests and SSE
// streams over one WebSocket.
type tunnelFrame struct {
	Type      string            `json:"type"`
	Token     string            `json:"token,omitempty"`
	PublicURL string            `json:"publicUrl,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Status    int               `json:"status,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	StreamID  string            `json:"streamId,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// TunnelConfig configures the reverse tunnel.
type TunnelConfig struct {
	BrokerURL  string
	AuthToken  string
	MaxRetries int
	RetryDelay time.Duration // multiplied by the attempt number
}

// TunnelListener dials out to a broker that fronts this executor with a
// public URL. Task events are never buffered across reconnects; callers
// recover by polling the task result.
type TunnelListener struct {
	cfg    TunnelConfig
	logger *logger.Logger

	handler Handler

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	subs      map[string]func() // streamId -> unsubscribe
	publicURL string
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTunnelListener creates a tunnel listener.
func NewTunnelListener(cfg TunnelConfig, log *logger.Logger) *TunnelListener {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &TunnelListener{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "tunnel-listener")),
		subs:   make(map[string]func()),
		stopCh: make(chan struct{}),
	}
}

// Start implements Listener. It blocks until the first AUTH_OK so the
// public URL is known, then maintains the connection in the background.
func (t *TunnelListener) Start(ctx context.Context, handler Handler) (*Info, error) {
	t.handler = handler

	conn, publicURL, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.conn = conn
	t.publicURL = publicURL
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(conn)

	t.logger.Info("tunnel established", zap.String("public_url", publicURL))
	return &Info{Type: "tunnel", PublicURL: publicURL}, nil
}

// Stop implements Listener.
func (t *TunnelListener) Stop() error {
	t.mu.Lock()
	t.stopped = true
	conn := t.conn
	t.mu.Unlock()
	close(t.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}

// connect dials the broker and authenticates.
func (t *TunnelListener) connect(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.BrokerURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial broker: %w", err)
	}

	if err := conn.WriteJSON(tunnelFrame{Type: frameAuth, Token: t.cfg.AuthToken}); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("send auth: %w", err)
	}

	var reply tunnelFrame
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read auth reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case frameAuthOK:
		return conn, reply.PublicURL, nil
	case frameAuthError:
		conn.Close()
		return nil, "", fmt.Errorf("broker rejected auth: %s", reply.Reason)
	default:
		conn.Close()
		return nil, "", fmt.Errorf("unexpected frame %q during auth", reply.Type)
	}
}

// run reads frames until the connection drops, then reconnects with
// linear backoff. All open SSE subscriptions are torn down on disconnect.
func (t *TunnelListener) run(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		t.readLoop(conn)
		t.teardownSubscriptions()

		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}

		var err error
		conn, err = t.reconnect()
		if err != nil {
			t.logger.Error("tunnel reconnect exhausted", zap.Error(err))
			return
		}
	}
}

func (t *TunnelListener) readLoop(conn *websocket.Conn) {
	for {
		var frame tunnelFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("tunnel read error", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case frameHTTPRequest:
			t.handleHTTPRequest(conn, &frame)
		case frameSSEOpen:
			t.handleSSEOpen(conn, &frame)
		case frameSSEClose:
			t.closeSubscription(frame.StreamID)
		case framePing:
			// Keepalive; nothing to answer.
		default:
			t.logger.Warn("unknown tunnel frame", zap.String("type", frame.Type))
		}
	}
}

func (t *TunnelListener) reconnect() (*websocket.Conn, error) {
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		select {
		case <-t.stopCh:
			return nil, fmt.Errorf("listener stopped")
		case <-time.After(time.Duration(attempt) * t.cfg.RetryDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, publicURL, err := t.connect(ctx)
		cancel()
		if err != nil {
			t.logger.Warn("tunnel reconnect failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		t.mu.Lock()
		t.conn = conn
		t.publicURL = publicURL
		t.mu.Unlock()
		t.logger.Info("tunnel reconnected", zap.Int("attempt", attempt))
		return conn, nil
	}
	return nil, fmt.Errorf("gave up after %d attempts", t.cfg.MaxRetries)
}

// handleHTTPRequest serves one virtual HTTP request through the handler.
func (t *TunnelListener) handleHTTPRequest(conn *websocket.Conn, frame *tunnelFrame) {
	status, body := t.dispatch(frame)
	t.writeFrame(conn, tunnelFrame{
		Type:      frameHTTPResponse,
		RequestID: frame.RequestID,
		Status:    status,
		Body:      body,
	})
}

// dispatch routes a virtual request onto the same surface the HTTP
// listener mounts.
func (t *TunnelListener) dispatch(frame *tunnelFrame) (int, json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	path := strings.TrimSuffix(frame.Path, "/")
	switch {
	case frame.Method == http.MethodPost && (frame.Path == "/" || path == ""):
		msg, err := protocol.Parse(frame.Body)
		if err != nil {
			return http.StatusBadRequest, jsonBody(map[string]string{"error": err.Error()})
		}
		reply, err := t.handler.HandleMessage(ctx, msg)
		if err != nil {
			return http.StatusInternalServerError, jsonBody(map[string]string{"error": err.Error()})
		}
		if reply == nil {
			return http.StatusOK, jsonBody(map[string]bool{"ok": true})
		}
		return http.StatusOK, jsonBody(reply)

	case frame.Method == http.MethodGet && strings.HasPrefix(path, "/tasks/") && strings.HasSuffix(path, "/result"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/tasks/"), "/result")
		result := t.handler.GetTaskResult(id)
		if result.Status == v1.TaskStatusNotFound {
			return http.StatusNotFound, jsonBody(result)
		}
		return http.StatusOK, jsonBody(result)

	case frame.Method == http.MethodPost && strings.HasPrefix(path, "/cancel/"):
		id := strings.TrimPrefix(path, "/cancel/")
		if result := t.handler.GetTaskResult(id); result.Status == v1.TaskStatusNotFound {
			return http.StatusNotFound, jsonBody(map[string]string{"error": "unknown delegation"})
		}
		if err := t.handler.CancelDelegation(ctx, id); err != nil {
			return http.StatusInternalServerError, jsonBody(map[string]string{"error": err.Error()})
		}
		return http.StatusOK, jsonBody(map[string]bool{"ok": true, "cancelled": true})

	case frame.Method == http.MethodGet && path == "/status":
		return http.StatusOK, jsonBody(t.handler.Status())

	default:
		return http.StatusNotFound, jsonBody(map[string]string{"error": "unknown path"})
	}
}

// handleSSEOpen subscribes the stream to the task's events.
func (t *TunnelListener) handleSSEOpen(conn *websocket.Conn, frame *tunnelFrame) {
	path := strings.TrimSuffix(frame.Path, "/events")
	id := strings.TrimPrefix(path, "/tasks/")
	streamID := frame.StreamID

	unsubscribe, err := t.handler.SubscribeTask(id, func(ev *protocol.TaskEvent) {
		t.writeFrame(conn, tunnelFrame{
			Type:     frameSSEEvent,
			StreamID: streamID,
			Data:     jsonBody(ev),
		})
		if ev.Terminal() {
			t.writeFrame(conn, tunnelFrame{Type: frameSSEEnd, StreamID: streamID})
			t.closeSubscription(streamID)
		}
	})
	if err != nil {
		t.writeFrame(conn, tunnelFrame{Type: frameSSEEnd, StreamID: streamID})
		return
	}

	t.mu.Lock()
	t.subs[streamID] = unsubscribe
	t.mu.Unlock()

	// Late subscribers to a finished task get the terminal event at once.
	result := t.handler.GetTaskResult(id)
	switch result.Status {
	case v1.TaskStatusCompleted:
		t.writeFrame(conn, tunnelFrame{
			Type: frameSSEEvent, StreamID: streamID,
			Data: jsonBody(protocol.NewDoneEvent(id, result.Summary, result.Highlights)),
		})
		t.writeFrame(conn, tunnelFrame{Type: frameSSEEnd, StreamID: streamID})
		t.closeSubscription(streamID)
	case v1.TaskStatusError:
		code, msg, hint := "", "task failed", ""
		if result.Error != nil {
			code, msg, hint = result.Error.Code, result.Error.Message, result.Error.Hint
		}
		t.writeFrame(conn, tunnelFrame{
			Type: frameSSEEvent, StreamID: streamID,
			Data: jsonBody(protocol.NewErrorEvent(id, code, msg, hint)),
		})
		t.writeFrame(conn, tunnelFrame{Type: frameSSEEnd, StreamID: streamID})
		t.closeSubscription(streamID)
	}
}

func (t *TunnelListener) closeSubscription(streamID string) {
	t.mu.Lock()
	unsubscribe, ok := t.subs[streamID]
	delete(t.subs, streamID)
	t.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (t *TunnelListener) teardownSubscriptions() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]func())
	t.mu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

func (t *TunnelListener) writeFrame(conn *websocket.Conn, frame tunnelFrame) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		t.logger.Warn("tunnel write failed", zap.String("frame", frame.Type), zap.Error(err))
	}
}

func jsonBody(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

var _ Listener = (*TunnelListener)(nil)
