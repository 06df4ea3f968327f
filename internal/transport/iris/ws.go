package iris

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type WebSocketState string

const (
	WSStateDisconnected WebSocketState = "disconnected"
	WSStateConnecting   WebSocketState = "connecting"
	WSStateConnected    WebSocketState = "connected"
	WSStateReconnecting WebSocketState = "reconnecting"
	WSStateFailed       WebSocketState = "failed"
)

type MessageCallback func(msg *Message)

// WebSocket reads Iris messages and redials with backoff when the stream
// drops.
type WebSocket struct {
	wsURL   string
	headers HeaderProvider
	logger  *zap.Logger

	maxReconnectAttempts int
	pingInterval         time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	state   WebSocketState
	onMsg   MessageCallback
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewWebSocket(wsURL string, maxReconnectAttempts int, headers HeaderProvider, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		wsURL:                wsURL,
		headers:              headers,
		logger:               logger,
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		state:                WSStateDisconnected,
		stopCh:               make(chan struct{}),
		rootCtx:              ctx,
		rootCancel:           cancel,
	}
}

// OnMessage sets the single message callback. Set it before Connect.
func (ws *WebSocket) OnMessage(cb MessageCallback) {
	ws.mu.Lock()
	ws.onMsg = cb
	ws.mu.Unlock()
}

func (ws *WebSocket) State() WebSocketState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return errors.New("iris: websocket closed")
	}
	if ws.state == WSStateConnected || ws.state == WSStateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = WSStateConnecting
	ws.mu.Unlock()

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.setState(WSStateFailed)
		return err
	}
	ws.attach(conn)
	return nil
}

func (ws *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, ws.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	return conn, err
}

func (ws *WebSocket) attach(conn *websocket.Conn) {
	ws.mu.Lock()
	ws.conn = conn
	ws.state = WSStateConnected
	ws.mu.Unlock()
	ws.logger.Info("iris_ws_connected", zap.String("url", ws.wsURL))

	ws.wg.Add(2)
	go ws.listen(conn)
	go ws.pingLoop(conn)
}

func (ws *WebSocket) listen(conn *websocket.Conn) {
	defer ws.wg.Done()
	for {
		var msg Message
		if err := wsjson.Read(ws.rootCtx, conn, &msg); err != nil {
			if ws.isStopping() {
				return
			}
			ws.logger.Warn("iris_ws_read_failed", zap.Error(err))
			ws.drop(conn, "reconnect")
			ws.scheduleReconnect()
			return
		}
		ws.mu.Lock()
		cb := ws.onMsg
		ws.mu.Unlock()
		if cb != nil {
			cb(&msg)
		}
	}
}

func (ws *WebSocket) pingLoop(conn *websocket.Conn) {
	defer ws.wg.Done()
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-ws.rootCtx.Done():
			return
		case <-t.C:
			if ws.currentConn() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(ws.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				// closing makes listen fail and reconnect
				ws.drop(conn, "ping failure")
				return
			}
		}
	}
}

func (ws *WebSocket) scheduleReconnect() {
	if ws.maxReconnectAttempts <= 0 {
		ws.setState(WSStateFailed)
		return
	}
	ws.setState(WSStateReconnecting)
	go func() {
		for attempt := 1; attempt <= ws.maxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := ws.dial(ws.rootCtx)
			if err != nil {
				ws.logger.Debug("iris_ws_redial_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if ws.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			ws.attach(conn)
			return
		}
		ws.setState(WSStateFailed)
		ws.logger.Error("iris_ws_reconnect_exhausted", zap.Int("attempts", ws.maxReconnectAttempts))
	}()
}

func (ws *WebSocket) Close(ctx context.Context) error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return nil
	}
	ws.stopped = true
	close(ws.stopCh)
	conn := ws.conn
	ws.conn = nil
	ws.state = WSStateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	ws.rootCancel()

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (ws *WebSocket) drop(conn *websocket.Conn, reason string) {
	ws.mu.Lock()
	if ws.conn == conn {
		ws.conn = nil
		ws.state = WSStateDisconnected
	}
	ws.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
}

func (ws *WebSocket) currentConn() *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn
}

func (ws *WebSocket) setState(s WebSocketState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WebSocket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.headers == nil {
		return hdr
	}
	for k, v := range ws.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
