package board

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

// testRelay accepts board websocket connections and hands them to the
// test over a channel.
type testRelay struct {
	server      *httptest.Server
	connections chan *websocket.Conn
	requests    chan *http.Request
}

func newTestRelay() *testRelay {
	relay := &testRelay{
		connections: make(chan *websocket.Conn, 16),
		requests:    make(chan *http.Request, 16),
	}
	upgrader := websocket.Upgrader{}
	relay.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.requests <- r.Clone(context.Background())
		relay.connections <- ws
	}))
	return relay
}

func (self *testRelay) close() {
	self.server.Close()
}

func (self *testRelay) accept(t *testing.T) *websocket.Conn {
	select {
	case ws := <-self.connections:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for relay connection")
		return nil
	}
}

func (self *testRelay) expectNoConnection(t *testing.T, wait time.Duration) {
	select {
	case <-self.connections:
		t.Fatal("unexpected relay connection")
	case <-time.After(wait):
	}
}

func testConnectionSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.ReconnectInterval = 50 * time.Millisecond
	settings.MaxReconnectAttempts = 3
	settings.PingInterval = 1 * time.Second
	return settings
}

type connectionFixture struct {
	relay      *testRelay
	tokenStore *MemoryTokenStore
	dispatcher *Dispatcher
	statuses   chan *ConnectionStatus
	events     chan *Event
	conn       *ConnectionManager
}

func newConnectionFixture(t *testing.T) *connectionFixture {
	relay := newTestRelay()
	tokenStore := NewMemoryTokenStore()
	tokenStore.Save(&Tokens{
		Access:  "ws-access",
		Refresh: "ws-refresh",
	})
	dispatcher := NewDispatcher()

	fixture := &connectionFixture{
		relay:      relay,
		tokenStore: tokenStore,
		dispatcher: dispatcher,
		statuses:   make(chan *ConnectionStatus, 64),
		events:     make(chan *Event, 64),
	}
	dispatcher.Subscribe(EventConnectionStatus, func(event *Event) {
		fixture.statuses <- event.Status
	})
	for _, kind := range []EventKind{EventElementCreated, EventElementUpdated, EventElementDeleted} {
		dispatcher.Subscribe(kind, func(event *Event) {
			fixture.events <- event
		})
	}

	fixture.conn = NewConnectionManager(
		context.Background(),
		relay.server.URL,
		tokenStore,
		dispatcher,
		testConnectionSettings(),
	)
	return fixture
}

func (self *connectionFixture) teardown() {
	self.conn.Close()
	self.relay.close()
}

func (self *connectionFixture) waitStatus(t *testing.T) *ConnectionStatus {
	select {
	case status := <-self.statuses:
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection status")
		return nil
	}
}

func (self *connectionFixture) waitConnectedStatus(t *testing.T) {
	for {
		if status := self.waitStatus(t); status.Connected {
			return
		}
	}
}

func (self *connectionFixture) waitEvent(t *testing.T) *Event {
	select {
	case event := <-self.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestConnectTargetsBoardWithToken(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	fixture.conn.Connect(7)
	fixture.relay.accept(t)
	fixture.waitConnectedStatus(t)

	request := <-fixture.relay.requests
	assert.Equal(t, "/ws/boards/7/", request.URL.Path)
	assert.Equal(t, "ws-access", request.URL.Query().Get("token"))
	assert.Equal(t, ConnectionStateConnected, fixture.conn.State())
	assert.Equal(t, int64(7), fixture.conn.BoardId())

	// a second connect for the same board is a no-op
	fixture.conn.Connect(7)
	fixture.relay.expectNoConnection(t, 200*time.Millisecond)
}

func TestSendWhileDisconnected(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	ok := fixture.conn.SendElementCreated(&Element{Id: 1})
	assert.Equal(t, false, ok)
}

func TestSendAndReceive(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	fixture.conn.Connect(3)
	serverWs := fixture.relay.accept(t)
	defer serverWs.Close()
	fixture.waitConnectedStatus(t)

	ok := fixture.conn.SendElementCreated(&Element{
		Id:          42,
		BoardId:     3,
		ElementType: "text",
		Content:     "Hi",
	})
	assert.Equal(t, true, ok)

	_, messageBytes, err := serverWs.ReadMessage()
	assert.Equal(t, nil, err)
	var message map[string]any
	assert.Equal(t, nil, json.Unmarshal(messageBytes, &message))
	assert.Equal(t, "create_element", message["action"])

	// a malformed inbound message is dropped without harm
	serverWs.WriteMessage(websocket.TextMessage, []byte("not json"))

	update, _ := json.Marshal(map[string]any{
		"action": "update_element",
		"element": &Element{
			Id:      42,
			BoardId: 3,
			Content: "Hello",
		},
	})
	serverWs.WriteMessage(websocket.TextMessage, update)

	event := fixture.waitEvent(t)
	assert.Equal(t, EventElementUpdated, event.Kind)
	assert.Equal(t, int64(42), event.Element.Id)
	assert.Equal(t, "Hello", event.Element.Content)
}

func TestDeleteBroadcast(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	fixture.conn.Connect(3)
	serverWs := fixture.relay.accept(t)
	defer serverWs.Close()
	fixture.waitConnectedStatus(t)

	deleteMessage, _ := json.Marshal(map[string]any{
		"action":     "delete_element",
		"element_id": 9,
	})
	serverWs.WriteMessage(websocket.TextMessage, deleteMessage)

	event := fixture.waitEvent(t)
	assert.Equal(t, EventElementDeleted, event.Kind)
	assert.Equal(t, int64(9), event.ElementId)
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	fixture.conn.Connect(5)
	serverWs := fixture.relay.accept(t)
	fixture.waitConnectedStatus(t)

	serverWs.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
	)
	serverWs.Close()

	status := fixture.waitStatus(t)
	assert.Equal(t, false, status.Connected)
	assert.Equal(t, websocket.CloseNormalClosure, status.Code)
	assert.Equal(t, false, status.Terminal)

	fixture.relay.expectNoConnection(t, 300*time.Millisecond)
	assert.Equal(t, ConnectionStateDisconnected, fixture.conn.State())
}

func TestAbnormalCloseReconnects(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	fixture.conn.Connect(5)
	serverWs := fixture.relay.accept(t)
	fixture.waitConnectedStatus(t)

	// drop the tcp connection without a close frame
	serverWs.Close()

	status := fixture.waitStatus(t)
	assert.Equal(t, false, status.Connected)
	assert.Equal(t, 1, status.Attempt)

	// the manager dials again for the same board
	fixture.relay.accept(t)
	fixture.waitConnectedStatus(t)
	assert.Equal(t, ConnectionStateConnected, fixture.conn.State())
	assert.Equal(t, int64(5), fixture.conn.BoardId())
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.conn.Close()

	fixture.conn.Connect(5)
	serverWs := fixture.relay.accept(t)
	fixture.waitConnectedStatus(t)

	// take the relay down entirely so every retry fails
	serverWs.Close()
	fixture.relay.close()

	for {
		status := fixture.waitStatus(t)
		if status.Terminal {
			assert.Equal(t, false, status.Connected)
			assert.Equal(t, int(testConnectionSettings().MaxReconnectAttempts), status.Attempt)
			break
		}
	}
	assert.Equal(t, ConnectionStateDisconnected, fixture.conn.State())
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	fixture := newConnectionFixture(t)
	defer fixture.teardown()

	fixture.conn.Connect(5)
	serverWs := fixture.relay.accept(t)
	fixture.waitConnectedStatus(t)

	serverWs.Close()
	status := fixture.waitStatus(t)
	assert.Equal(t, false, status.Connected)

	// cancel the pending reconnect before the timer fires
	fixture.conn.Disconnect()
	fixture.relay.expectNoConnection(t, 300*time.Millisecond)
	assert.Equal(t, ConnectionStateDisconnected, fixture.conn.State())
}
