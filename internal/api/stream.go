package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phrazzld/taskwatch/internal/notify"
	"github.com/phrazzld/taskwatch/internal/platform/logger"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/task"
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
	maxInboundBytes   = 512
	notificationQueue = 16
)

// SnapshotSource is the task registry as seen by the stream.
type SnapshotSource interface {
	Snapshot() task.Snapshot
	Subscribe(listener task.Listener) func()
}

// NotificationSource fans out notifications to subscribers.
type NotificationSource interface {
	Subscribe(buffer int) (<-chan notify.Notification, func())
}

// ViewSource is the progress view as seen by the stream.
type ViewSource interface {
	View() progress.View
	Subscribe(listener func(progress.View)) func()
}

// StreamHandler serves GET /api/tasks/stream. Each connection receives the
// current snapshot and progress view, then a fresh snapshot after store
// changes, every progress transition and every notification. Bursts of store
// changes are coalesced into one snapshot.
type StreamHandler struct {
	tasks         SnapshotSource
	notifications NotificationSource
	views         ViewSource
	upgrader      websocket.Upgrader
	pingPeriod    time.Duration
	logger        *slog.Logger
}

// StreamOption configures a StreamHandler.
type StreamOption func(*StreamHandler)

// WithPingPeriod sets the keepalive ping interval.
func WithPingPeriod(d time.Duration) StreamOption {
	return func(h *StreamHandler) { h.pingPeriod = d }
}

// NewStreamHandler creates a StreamHandler. notifications and views may be nil.
func NewStreamHandler(
	tasks SnapshotSource,
	notifications NotificationSource,
	views ViewSource,
	logger *slog.Logger,
	opts ...StreamOption,
) *StreamHandler {
	h := &StreamHandler{
		tasks:         tasks,
		notifications: notifications,
		views:         views,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
		pingPeriod: defaultPingPeriod,
		logger:     logger.With(slog.String("component", "task_stream")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection and streams until the client goes away or
// the request context ends.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	storeChanged := make(chan struct{}, 1)
	unsubscribeStore := h.tasks.Subscribe(func(task.Change) { wake(storeChanged) })
	defer unsubscribeStore()

	viewChanged := make(chan struct{}, 1)
	if h.views != nil {
		unsubscribeViews := h.views.Subscribe(func(progress.View) { wake(viewChanged) })
		defer unsubscribeViews()
	}

	var notifications <-chan notify.Notification
	if h.notifications != nil {
		ch, unsubscribe := h.notifications.Subscribe(notificationQueue)
		defer unsubscribe()
		notifications = ch
	}

	done := make(chan struct{})
	go h.readLoop(conn, done)

	if err := h.writeSnapshot(conn); err != nil {
		log.Debug("stream write failed", "error", err)
		return
	}
	if h.views != nil {
		if err := h.writeView(conn); err != nil {
			log.Debug("stream write failed", "error", err)
			return
		}
	}
	log.Debug("task stream opened")

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			h.closeConn(conn)
			return
		case <-done:
			log.Debug("task stream closed by client")
			return
		case <-storeChanged:
			err = h.writeSnapshot(conn)
		case <-viewChanged:
			err = h.writeView(conn)
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			err = write(conn, StreamMessage{Type: MessageNotification, Notification: &n})
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			log.Debug("stream write failed", "error", err)
			return
		}
	}
}

// readLoop discards client frames and closes done when the connection ends.
// Reading is required for control frames to be processed.
func (h *StreamHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pongWait := 2 * h.pingPeriod
	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("stream read ended", "error", err)
			}
			return
		}
	}
}

func (h *StreamHandler) writeSnapshot(conn *websocket.Conn) error {
	snapshot := h.tasks.Snapshot()
	return write(conn, StreamMessage{Type: MessageSnapshot, Snapshot: &snapshot})
}

func (h *StreamHandler) writeView(conn *websocket.Conn) error {
	view := h.views.View()
	return write(conn, StreamMessage{Type: MessageProgress, Progress: &view})
}

func (h *StreamHandler) closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second),
	)
}

func write(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// localOrigin accepts requests without an Origin header and those from a
// loopback or same-host origin.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
