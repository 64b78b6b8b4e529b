package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/common/logger"
	v1 "github.com/awcp/awcp/pkg/api/v1"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPListener serves the protocol surface over plain HTTP: message POST,
// SSE task-event streams, result polls, cancel, and status.
type HTTPListener struct {
	host   string
	port   int
	logger *logger.Logger

	handler Handler
	httpSrv *http.Server
	url     string
}

// NewHTTPListener creates a listener bound to host:port. Port 0 binds an
// ephemeral port.
func NewHTTPListener(host string, port int, log *logger.Logger) *HTTPListener {
	if host == "" {
		host = "0.0.0.0"
	}
	return &HTTPListener{
		host:   host,
		port:   port,
		logger: log.WithFields(zap.String("component", "http-listener")),
	}
}

// Start implements Listener.
func (l *HTTPListener) Start(ctx context.Context, handler Handler) (*Info, error) {
	l.handler = handler

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", l.host, l.port))
	if err != nil {
		return nil, fmt.Errorf("http listener: %w", err)
	}
	l.url = fmt.Sprintf("http://%s", ln.Addr().String())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/", l.handleMessage)
	router.GET("/tasks/:id/events", l.handleEvents)
	router.GET("/tasks/:id/result", l.handleResult)
	router.POST("/cancel/:id", l.handleCancel)
	router.GET("/status", l.handleStatus)

	l.httpSrv = &http.Server{
		Handler:     router,
		ReadTimeout: defaultRequestTimeout,
	}
	go func() {
		if err := l.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Error("listener stopped", zap.Error(err))
		}
	}()

	l.logger.Info("http listener started", zap.String("url", l.url))
	return &Info{Type: "http", PublicURL: l.url}, nil
}

// Stop implements Listener.
func (l *HTTPListener) Stop() error {
	if l.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.httpSrv.Shutdown(ctx)
}

// URL returns the listener's base URL; valid after Start.
func (l *HTTPListener) URL() string { return l.url }

// handleMessage accepts any protocol message. A malformed or
// wrong-version message is rejected with 400 and causes no state change.
func (l *HTTPListener) handleMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	msg, err := protocol.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, err := l.handler.HandleMessage(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if reply == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusOK, reply)
}

// handleEvents serves the task-event stream as Server-Sent Events,
// terminated by the first done or error event.
func (l *HTTPListener) handleEvents(c *gin.Context) {
	id := c.Param("id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	events := make(chan *protocol.TaskEvent, 64)
	unsubscribe, err := l.handler.SubscribeTask(id, func(ev *protocol.TaskEvent) {
		select {
		case events <- ev:
		default:
			l.logger.Warn("dropping event for slow subscriber", zap.String("delegation_id", id))
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	// A subscriber attaching after completion still gets a terminal event.
	if terminal := l.terminalEventFor(id); terminal != nil {
		writeSSE(c.Writer, terminal)
		flusher.Flush()
		return
	}
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			writeSSE(c.Writer, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// terminalEventFor synthesizes the terminal event of an already-finished
// task, so late subscribers are not left hanging.
func (l *HTTPListener) terminalEventFor(id string) *protocol.TaskEvent {
	result := l.handler.GetTaskResult(id)
	switch result.Status {
	case v1.TaskStatusCompleted:
		return protocol.NewDoneEvent(id, result.Summary, result.Highlights)
	case v1.TaskStatusError:
		code, msg, hint := "", "task failed", ""
		if result.Error != nil {
			code, msg, hint = result.Error.Code, result.Error.Message, result.Error.Hint
		}
		return protocol.NewErrorEvent(id, code, msg, hint)
	}
	return nil
}

func writeSSE(w io.Writer, ev *protocol.TaskEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (l *HTTPListener) handleResult(c *gin.Context) {
	result := l.handler.GetTaskResult(c.Param("id"))
	if result.Status == v1.TaskStatusNotFound {
		c.JSON(http.StatusNotFound, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (l *HTTPListener) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if result := l.handler.GetTaskResult(id); result.Status == v1.TaskStatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown delegation"})
		return
	}
	if err := l.handler.CancelDelegation(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled": true})
}

func (l *HTTPListener) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, l.handler.Status())
}

var _ Listener = (*HTTPListener)(nil)
