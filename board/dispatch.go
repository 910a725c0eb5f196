package board

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

type EventKind int

const (
	EventElementCreated EventKind = iota
	EventElementUpdated
	EventElementDeleted
	EventConnectionStatus
	EventRawMessage
)

func (self EventKind) String() string {
	switch self {
	case EventElementCreated:
		return "element_created"
	case EventElementUpdated:
		return "element_updated"
	case EventElementDeleted:
		return "element_deleted"
	case EventConnectionStatus:
		return "connection_status"
	case EventRawMessage:
		return "raw_message"
	default:
		return "unknown"
	}
}

type ConnectionStatus struct {
	Connected bool
	Code      int
	Reason    string
	Attempt   int
	// Terminal means the reconnect budget is exhausted. The session will
	// not recover without an explicit Connect.
	Terminal bool
}

// Event is the tagged payload for one dispatched event. The fields set
// depend on Kind: Element for created/updated, ElementId for deleted,
// Status for connection changes. Raw is always the inbound wire bytes
// for relay-originated events.
type Event struct {
	Kind      EventKind
	Element   *Element
	ElementId int64
	Status    *ConnectionStatus
	Raw       json.RawMessage
}

type EventCallback func(event *Event)

// Dispatcher is a typed publish/subscribe registry. Delivery is
// synchronous and in registration order, on the goroutine that publishes.
type Dispatcher struct {
	mutex     sync.Mutex
	callbacks map[EventKind]*CallbackList[EventCallback]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		callbacks: map[EventKind]*CallbackList[EventCallback]{},
	}
}

func (self *Dispatcher) callbackList(kind EventKind) *CallbackList[EventCallback] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackList, ok := self.callbacks[kind]
	if !ok {
		callbackList = NewCallbackList[EventCallback]()
		self.callbacks[kind] = callbackList
	}
	return callbackList
}

func (self *Dispatcher) Subscribe(kind EventKind, callback EventCallback) func() {
	callbackList := self.callbackList(kind)
	callbackId := callbackList.Add(callback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

// Publish delivers the event to each subscriber of the kind. A panicking
// subscriber is logged and skipped; it does not prevent delivery to the
// remaining subscribers.
func (self *Dispatcher) Publish(kind EventKind, event *Event) {
	for _, callback := range self.callbackList(kind).Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[dispatch]%s callback panic = %v\n", kind, r)
				}
			}()
			callback(event)
		}()
	}
}
