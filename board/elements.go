package board

import (
	"sync"

	"github.com/golang/glog"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ElementStore is the canonical in-memory element collection of one open
// board. Local mutations apply optimistically, then issue the REST call
// through the gateway, then notify the relay; remote broadcast events
// reconcile by whole-entry upsert, so the echo of a confirmed local
// mutation is invisible.
//
// Convergence is per id, last writer wins. There is never more than one
// entry per id.
type ElementStore struct {
	storeId string

	api     *Api
	conn    *ConnectionManager
	boardId int64

	stateLock         sync.Mutex
	elements          map[int64]*Element
	selectedId        int64
	nextProvisionalId int64

	unsubscribes []func()
}

func NewElementStore(api *Api, conn *ConnectionManager, dispatcher *Dispatcher, boardId int64) *ElementStore {
	store := &ElementStore{
		storeId:           ulid.Make().String(),
		api:               api,
		conn:              conn,
		boardId:           boardId,
		elements:          map[int64]*Element{},
		nextProvisionalId: -1,
	}
	store.unsubscribes = []func(){
		dispatcher.Subscribe(EventElementCreated, store.remoteUpsert),
		dispatcher.Subscribe(EventElementUpdated, store.remoteUpsert),
		dispatcher.Subscribe(EventElementDeleted, store.remoteDelete),
	}
	return store
}

// Close detaches the store from the dispatcher. The element state stays
// readable but no longer reconciles.
func (self *ElementStore) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.unsubscribes = nil
}

// Load replaces local state with the board's elements from the backend.
func (self *ElementStore) Load() error {
	elements, err := self.api.ElementsSync(self.boardId, nil)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.elements = map[int64]*Element{}
	for _, element := range elements {
		self.elements[element.Id] = element
	}
	if _, ok := self.elements[self.selectedId]; !ok {
		self.selectedId = 0
	}
	return nil
}

// Elements returns a snapshot ordered by z index, then id.
func (self *ElementStore) Elements() []*Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elements := []*Element{}
	for _, element := range maps.Values(self.elements) {
		elements = append(elements, element.Clone())
	}
	slices.SortFunc(elements, func(a *Element, b *Element) int {
		if a.ZIndex != b.ZIndex {
			return a.ZIndex - b.ZIndex
		}
		if a.Id < b.Id {
			return -1
		} else if b.Id < a.Id {
			return 1
		}
		return 0
	})
	return elements
}

func (self *ElementStore) Element(elementId int64) *Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.elements[elementId].Clone()
}

func (self *ElementStore) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.elements)
}

func (self *ElementStore) Select(elementId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.elements[elementId]; ok {
		self.selectedId = elementId
	}
}

func (self *ElementStore) ClearSelection() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.selectedId = 0
}

func (self *ElementStore) Selected() *Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.elements[self.selectedId].Clone()
}

// Create inserts an optimistic entry under a provisional negative id,
// issues the REST create, and on success replaces the provisional entry
// with the server-confirmed one, matched by the provisional id (the
// correlation reference), never by value. On failure the optimistic
// entry is rolled back.
func (self *ElementStore) Create(data *Element) (*Element, error) {
	optimistic := data.Clone()
	optimistic.BoardId = self.boardId

	self.stateLock.Lock()
	provisionalId := self.nextProvisionalId
	self.nextProvisionalId -= 1
	optimistic.Id = provisionalId
	self.elements[provisionalId] = optimistic
	self.stateLock.Unlock()

	outbound := optimistic.Clone()
	outbound.Id = 0
	confirmed, err := self.api.CreateElementSync(outbound, nil)
	if err != nil {
		self.stateLock.Lock()
		delete(self.elements, provisionalId)
		if self.selectedId == provisionalId {
			self.selectedId = 0
		}
		self.stateLock.Unlock()
		glog.V(1).Infof("[e]%s create rolled back = %s\n", self.storeId, err)
		return nil, err
	}

	self.stateLock.Lock()
	if _, ok := self.elements[provisionalId]; ok {
		delete(self.elements, provisionalId)
	}
	self.elements[confirmed.Id] = confirmed.Clone()
	if self.selectedId == provisionalId {
		self.selectedId = confirmed.Id
	}
	self.stateLock.Unlock()

	self.broadcastCreated(confirmed)
	return confirmed, nil
}

// Update applies the change immediately and issues the REST update. On
// failure the pre-update snapshot is restored.
func (self *ElementStore) Update(elementId int64, data *Element) (*Element, error) {
	next := data.Clone()
	next.Id = elementId
	next.BoardId = self.boardId

	self.stateLock.Lock()
	snapshot, ok := self.elements[elementId]
	if !ok {
		self.stateLock.Unlock()
		return nil, ErrElementNotFound
	}
	self.elements[elementId] = next
	self.stateLock.Unlock()

	confirmed, err := self.api.UpdateElementSync(elementId, next, nil)
	if err != nil {
		self.stateLock.Lock()
		self.elements[elementId] = snapshot
		self.stateLock.Unlock()
		glog.V(1).Infof("[e]%s update %d rolled back = %s\n", self.storeId, elementId, err)
		return nil, err
	}

	self.stateLock.Lock()
	self.elements[elementId] = confirmed.Clone()
	self.stateLock.Unlock()

	self.broadcastUpdated(confirmed)
	return confirmed, nil
}

// Delete removes the entry immediately and issues the REST delete. On
// failure the removed entry is re-inserted.
func (self *ElementStore) Delete(elementId int64) error {
	self.stateLock.Lock()
	removed, ok := self.elements[elementId]
	if !ok {
		self.stateLock.Unlock()
		return ErrElementNotFound
	}
	delete(self.elements, elementId)
	if self.selectedId == elementId {
		self.selectedId = 0
	}
	self.stateLock.Unlock()

	if err := self.api.DeleteElementSync(elementId, nil); err != nil {
		self.stateLock.Lock()
		self.elements[elementId] = removed
		self.stateLock.Unlock()
		glog.V(1).Infof("[e]%s delete %d rolled back = %s\n", self.storeId, elementId, err)
		return err
	}

	self.broadcastDeleted(elementId)
	return nil
}

func (self *ElementStore) broadcastCreated(element *Element) {
	if self.conn != nil {
		self.conn.SendElementCreated(element)
	}
}

func (self *ElementStore) broadcastUpdated(element *Element) {
	if self.conn != nil {
		self.conn.SendElementUpdated(element)
	}
}

func (self *ElementStore) broadcastDeleted(elementId int64) {
	if self.conn != nil {
		self.conn.SendElementDeleted(elementId)
	}
}

// remoteUpsert handles broadcast created/updated events: unknown id
// creates, known id replaces. Idempotent, so our own confirmed echo is
// absorbed without flicker.
func (self *ElementStore) remoteUpsert(event *Event) {
	element := event.Element
	if element == nil || element.Id == 0 {
		glog.V(1).Infof("[e]%s drop %s without element\n", self.storeId, event.Kind)
		return
	}
	if element.BoardId != 0 && element.BoardId != self.boardId {
		return
	}

	self.stateLock.Lock()
	self.elements[element.Id] = element.Clone()
	self.stateLock.Unlock()
	glog.V(2).Infof("[e]%s<- %s %d\n", self.storeId, event.Kind, element.Id)
}

// remoteDelete removes by id, a no-op if the entry is already gone.
func (self *ElementStore) remoteDelete(event *Event) {
	if event.ElementId == 0 {
		return
	}
	self.stateLock.Lock()
	delete(self.elements, event.ElementId)
	if self.selectedId == event.ElementId {
		self.selectedId = 0
	}
	self.stateLock.Unlock()
	glog.V(2).Infof("[e]%s<- delete %d\n", self.storeId, event.ElementId)
}
