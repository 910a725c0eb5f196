package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"github.com/oklog/ulid/v2"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// relay message, symmetric on send and receive
type wireMessage struct {
	Action    string   `json:"action"`
	Element   *Element `json:"element,omitempty"`
	ElementId int64    `json:"element_id,omitempty"`
}

const (
	actionCreateElement = "create_element"
	actionUpdateElement = "update_element"
	actionDeleteElement = "delete_element"
)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts uint64
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         15 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// ConnectionManager owns one live relay connection scoped to a board.
//
// Disconnected -> Connecting -> Connected; an abnormal closure moves
// Connected -> Reconnecting -> Connecting, bounded by the reconnect
// budget; Disconnect moves any state to Disconnected and cancels the
// pending reconnect timer. Close codes 1000 and 1001 are clean shutdown
// and never reconnect.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	// instance tag for log filtering
	connectionId string

	wsUrl      string
	tokenStore TokenStore
	dispatcher *Dispatcher
	settings   *ConnectionManagerSettings

	stateLock      sync.Mutex
	state          ConnectionState
	boardId        int64
	attempt        int
	generation     int
	ws             *websocket.Conn
	reconnectTimer *time.Timer
	reconnect      backoff.BackOff

	writeLock sync.Mutex
}

func NewConnectionManagerWithDefaults(ctx context.Context, wsUrl string, tokenStore TokenStore, dispatcher *Dispatcher) *ConnectionManager {
	return NewConnectionManager(ctx, wsUrl, tokenStore, dispatcher, DefaultConnectionManagerSettings())
}

func NewConnectionManager(ctx context.Context, wsUrl string, tokenStore TokenStore, dispatcher *Dispatcher, settings *ConnectionManagerSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:          cancelCtx,
		cancel:       cancel,
		connectionId: ulid.Make().String(),
		wsUrl:        wsUrl,
		tokenStore:   tokenStore,
		dispatcher:   dispatcher,
		settings:     settings,
		state:        ConnectionStateDisconnected,
		reconnect: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(settings.ReconnectInterval),
			settings.MaxReconnectAttempts,
		),
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) BoardId() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.boardId
}

// Connect opens the relay connection for the board. A no-op while a
// connection for the same board is already connecting or connected.
// Connecting to a different board tears down the previous connection
// first.
func (self *ConnectionManager) Connect(boardId int64) {
	self.stateLock.Lock()
	switch self.state {
	case ConnectionStateConnecting, ConnectionStateConnected:
		if self.boardId == boardId {
			glog.V(1).Infof("[c]%s already %s board=%d\n", self.connectionId, self.state, boardId)
			self.stateLock.Unlock()
			return
		}
		self.closeLocked(websocket.CloseNormalClosure)
	case ConnectionStateReconnecting:
		self.closeLocked(websocket.CloseNormalClosure)
	}
	self.boardId = boardId
	self.state = ConnectionStateConnecting
	self.attempt = 0
	self.reconnect.Reset()
	self.generation += 1
	generation := self.generation
	self.stateLock.Unlock()

	go self.dial(generation)
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnect. Idempotent.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	if self.state == ConnectionStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.closeLocked(websocket.CloseNormalClosure)
	self.state = ConnectionStateDisconnected
	self.stateLock.Unlock()

	self.dispatcher.Publish(EventConnectionStatus, &Event{
		Kind: EventConnectionStatus,
		Status: &ConnectionStatus{
			Connected: false,
			Code:      websocket.CloseNormalClosure,
		},
	})
}

// closeLocked tears down the live socket and timer and invalidates all
// goroutines of the current generation. Callers hold stateLock.
func (self *ConnectionManager) closeLocked(code int) {
	self.generation += 1
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	if self.ws != nil {
		message := websocket.FormatCloseMessage(code, "")
		self.writeLock.Lock()
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		self.ws.WriteMessage(websocket.CloseMessage, message)
		self.writeLock.Unlock()
		self.ws.Close()
		self.ws = nil
	}
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}

// dial resolves the relay url with the current access token and opens
// the websocket. The token is re-read on every attempt since it may have
// rotated since the last one.
func (self *ConnectionManager) dial(generation int) {
	target, err := self.target()
	if err != nil {
		glog.Infof("[c]%s bad url = %s\n", self.connectionId, err)
		self.handleClose(generation, websocket.CloseAbnormalClosure, err.Error())
		return
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, response, err := dialer.DialContext(self.ctx, target, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		glog.Infof("[c]%s dial error = %s\n", self.connectionId, err)
		self.handleClose(generation, websocket.CloseAbnormalClosure, err.Error())
		return
	}

	self.stateLock.Lock()
	if self.generation != generation {
		// torn down while dialing
		self.stateLock.Unlock()
		ws.Close()
		return
	}
	self.ws = ws
	self.state = ConnectionStateConnected
	self.attempt = 0
	self.reconnect.Reset()
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s connected board=%d\n", self.connectionId, self.BoardId())
	self.dispatcher.Publish(EventConnectionStatus, &Event{
		Kind: EventConnectionStatus,
		Status: &ConnectionStatus{
			Connected: true,
		},
	})

	go self.readLoop(ws, generation)
	go self.pingLoop(ws, generation)
}

func (self *ConnectionManager) target() (string, error) {
	u, err := url.Parse(self.wsUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = fmt.Sprintf("/ws/boards/%d/", self.BoardId())
	if tokens := self.tokenStore.Get(); tokens != nil && tokens.Access != "" {
		values := url.Values{}
		values.Set("token", tokens.Access)
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}

func (self *ConnectionManager) readLoop(ws *websocket.Conn, generation int) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
			}
			glog.V(1).Infof("[c]%s<- closed code=%d reason=%s\n", self.connectionId, code, reason)
			self.handleClose(generation, code, reason)
			return
		}
		self.handleMessage(message)
	}
}

// handleMessage decodes one inbound relay message. Malformed payloads
// are dropped and logged, never crash the connection. Recognized actions
// go out typed; every message also goes out raw.
func (self *ConnectionManager) handleMessage(message []byte) {
	var wire wireMessage
	if err := json.Unmarshal(message, &wire); err != nil {
		glog.Infof("[c]%s<- drop malformed message = %s\n", self.connectionId, err)
		return
	}

	switch wire.Action {
	case actionCreateElement:
		self.dispatcher.Publish(EventElementCreated, &Event{
			Kind:    EventElementCreated,
			Element: wire.Element,
			Raw:     message,
		})
	case actionUpdateElement:
		self.dispatcher.Publish(EventElementUpdated, &Event{
			Kind:    EventElementUpdated,
			Element: wire.Element,
			Raw:     message,
		})
	case actionDeleteElement:
		self.dispatcher.Publish(EventElementDeleted, &Event{
			Kind:      EventElementDeleted,
			ElementId: wire.ElementId,
			Raw:       message,
		})
	default:
		glog.V(2).Infof("[c]%s<- unknown action=%s\n", self.connectionId, wire.Action)
	}

	self.dispatcher.Publish(EventRawMessage, &Event{
		Kind: EventRawMessage,
		Raw:  message,
	})
}

func (self *ConnectionManager) pingLoop(ws *websocket.Conn, generation int) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		self.stateLock.Lock()
		stale := self.generation != generation
		self.stateLock.Unlock()
		if stale {
			return
		}

		self.writeLock.Lock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.PingMessage, nil)
		self.writeLock.Unlock()
		if err != nil {
			// the read loop sees the closed socket and handles it
			glog.V(1).Infof("[c]%s ping error = %s\n", self.connectionId, err)
			return
		}
	}
}

// handleClose runs the close policy: clean codes (1000, 1001) end in
// Disconnected; anything else schedules one reconnect per occurrence at
// a fixed interval until the budget is exhausted, which surfaces a
// terminal connectivity failure.
func (self *ConnectionManager) handleClose(generation int, code int, reason string) {
	self.stateLock.Lock()
	if self.generation != generation {
		// already torn down or superseded
		self.stateLock.Unlock()
		return
	}
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}

	clean := code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
	if clean {
		self.state = ConnectionStateDisconnected
		self.stateLock.Unlock()
		self.dispatcher.Publish(EventConnectionStatus, &Event{
			Kind: EventConnectionStatus,
			Status: &ConnectionStatus{
				Connected: false,
				Code:      code,
				Reason:    reason,
			},
		})
		return
	}

	next := self.reconnect.NextBackOff()
	if next == backoff.Stop {
		self.state = ConnectionStateDisconnected
		attempt := self.attempt
		boardId := self.boardId
		self.stateLock.Unlock()
		glog.Infof("[c]%s reconnect budget exhausted board=%d\n", self.connectionId, boardId)
		self.dispatcher.Publish(EventConnectionStatus, &Event{
			Kind: EventConnectionStatus,
			Status: &ConnectionStatus{
				Connected: false,
				Code:      code,
				Reason:    reason,
				Attempt:   attempt,
				Terminal:  true,
			},
		})
		return
	}

	self.state = ConnectionStateReconnecting
	self.attempt += 1
	attempt := self.attempt
	self.reconnectTimer = time.AfterFunc(next, func() {
		self.stateLock.Lock()
		if self.generation != generation || self.state != ConnectionStateReconnecting {
			self.stateLock.Unlock()
			return
		}
		self.reconnectTimer = nil
		self.state = ConnectionStateConnecting
		self.stateLock.Unlock()
		self.dial(generation)
	})
	self.stateLock.Unlock()

	glog.Infof("[c]%s reconnect %d/%d board=%d\n", self.connectionId, attempt, self.settings.MaxReconnectAttempts, self.BoardId())
	self.dispatcher.Publish(EventConnectionStatus, &Event{
		Kind: EventConnectionStatus,
		Status: &ConnectionStatus{
			Connected: false,
			Code:      code,
			Reason:    reason,
			Attempt:   attempt,
		},
	})
}

// Send transmits {action, ...payload} when connected. Returns whether
// the message was written. Never blocks beyond the write deadline.
func (self *ConnectionManager) Send(action string, payload map[string]any) bool {
	self.stateLock.Lock()
	ws := self.ws
	connected := self.state == ConnectionStateConnected
	self.stateLock.Unlock()

	if !connected || ws == nil {
		glog.V(1).Infof("[c]%s-> not connected, drop action=%s\n", self.connectionId, action)
		return false
	}

	message := map[string]any{
		"action": action,
	}
	for key, value := range payload {
		message[key] = value
	}
	messageBytes, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[c]%s-> encode error = %s\n", self.connectionId, err)
		return false
	}

	self.writeLock.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, messageBytes)
	self.writeLock.Unlock()
	if err != nil {
		glog.Infof("[c]%s-> write error = %s\n", self.connectionId, err)
		return false
	}
	glog.V(2).Infof("[c]%s-> %s\n", self.connectionId, action)
	return true
}

func (self *ConnectionManager) SendElementCreated(element *Element) bool {
	return self.Send(actionCreateElement, map[string]any{"element": element})
}

func (self *ConnectionManager) SendElementUpdated(element *Element) bool {
	return self.Send(actionUpdateElement, map[string]any{"element": element})
}

func (self *ConnectionManager) SendElementDeleted(elementId int64) bool {
	return self.Send(actionDeleteElement, map[string]any{"element_id": elementId})
}
