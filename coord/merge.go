package coord

import (
	"context"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// merged stream state machine is:
// StreamStateIdle
//
//	-> StreamStateSubscribing
//	  -> StreamStateLive <-> StreamStatePartiallyDegraded
//	-> StreamStateClosed (terminal, from any state)
//
// PartiallyDegraded is entered on any handle error and exited on that
// handle's next successful snapshot. It is observable but does not block
// delivery: the last good contribution of every handle keeps flowing.
type StreamState string

const (
	StreamStateIdle              StreamState = "Idle"
	StreamStateSubscribing       StreamState = "Subscribing"
	StreamStateLive              StreamState = "Live"
	StreamStatePartiallyDegraded StreamState = "PartiallyDegraded"
	StreamStateClosed            StreamState = "Closed"
)

func (self StreamState) IsTerminal() bool {
	switch self {
	case StreamStateClosed:
		return true
	default:
		return false
	}
}

type MergedSnapshotFunction[T Record] func(records []T)

type StreamStateFunction func(state StreamState)

// MergeEngine owns a fixed set of live query handles that together realize
// one logical stream, and reduces their snapshots into one deduplicated,
// time-ordered output.
//
// Deduplication is by record id, not by handle: the most recently delivered
// version of an id wins. Removal is ownership-scoped: when a handle delivers
// a new snapshot, only ids that handle still owns and no longer returns are
// dropped, so one handle's update can never flicker-lose a record that
// another handle exclusively contributes.
//
// The merged map and handle set are exclusively owned by one engine
// instance. Multiple callers may subscribe to the output; each receives the
// same ordered snapshot on every change.
type MergeEngine[T Record] struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   DocumentStore
	handles []*LiveQueryHandle[T]

	// all merged-map mutation and delivery happens under stateLock, one
	// mutation at a time. The closed flag is checked under the same lock so
	// no snapshot callback fires after teardown begins.
	stateLock sync.Mutex

	state  StreamState
	closed bool

	records         map[string]T
	ownerByRecordId map[string]int
	ownedRecordIds  []map[string]bool
	handleLive      []bool
	handleErrors    map[int]error

	watches []Watch

	snapshotCallbacks *CallbackList[MergedSnapshotFunction[T]]
	stateCallbacks    *CallbackList[StreamStateFunction]
}

func NewMergeEngine[T Record](
	ctx context.Context,
	store DocumentStore,
	handles []*LiveQueryHandle[T],
) *MergeEngine[T] {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MergeEngine[T]{
		ctx:               cancelCtx,
		cancel:            cancel,
		store:             store,
		handles:           handles,
		state:             StreamStateIdle,
		records:           map[string]T{},
		ownerByRecordId:   map[string]int{},
		ownedRecordIds:    make([]map[string]bool, len(handles)),
		handleLive:        make([]bool, len(handles)),
		handleErrors:      map[int]error{},
		snapshotCallbacks: NewCallbackList[MergedSnapshotFunction[T]](),
		stateCallbacks:    NewCallbackList[StreamStateFunction](),
	}
}

// Open attaches one store watch per handle. Safe to call once; subsequent
// calls are no-ops.
func (self *MergeEngine[T]) Open() {
	self.stateLock.Lock()
	if self.closed || self.state != StreamStateIdle {
		self.stateLock.Unlock()
		return
	}
	self.setState(StreamStateSubscribing)
	self.stateLock.Unlock()

	for i, handle := range self.handles {
		handleIndex := i
		decode := handle.Decode
		watch := self.store.Watch(
			handle.Query,
			func(docs []*Document) {
				records := []T{}
				for _, doc := range docs {
					if record, ok := decode(doc); ok {
						records = append(records, record)
					}
				}
				self.handleSnapshot(handleIndex, records)
			},
			func(err error) {
				self.handleError(handleIndex, err)
			},
		)

		self.stateLock.Lock()
		if self.closed {
			self.stateLock.Unlock()
			watch.Close()
			return
		}
		self.watches = append(self.watches, watch)
		self.stateLock.Unlock()
	}
}

func (self *MergeEngine[T]) handleSnapshot(handleIndex int, records []T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	nextOwnedRecordIds := map[string]bool{}
	for _, record := range records {
		nextOwnedRecordIds[record.RecordId()] = true
	}

	// drop ids this handle owns but no longer returns. Ids owned by another
	// handle are that handle's to retire.
	for recordId := range self.ownedRecordIds[handleIndex] {
		if !nextOwnedRecordIds[recordId] && self.ownerByRecordId[recordId] == handleIndex {
			delete(self.records, recordId)
			delete(self.ownerByRecordId, recordId)
		}
	}
	self.ownedRecordIds[handleIndex] = nextOwnedRecordIds

	// last-snapshot-wins per id
	for _, record := range records {
		self.records[record.RecordId()] = record
		self.ownerByRecordId[record.RecordId()] = handleIndex
	}

	self.handleLive[handleIndex] = true
	delete(self.handleErrors, handleIndex)

	if 0 < len(self.handleErrors) {
		self.setState(StreamStatePartiallyDegraded)
	} else if self.allHandlesLive() {
		self.setState(StreamStateLive)
	}

	self.publish()
}

func (self *MergeEngine[T]) handleError(handleIndex int, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	glog.Infof("[merge][%d]watch error = %s\n", handleIndex, err)

	// the last good snapshot from this handle stays merged. Optimistic
	// staleness over spurious emptiness: user-visible history must never
	// vanish because one of several redundant queries hiccuped.
	self.handleErrors[handleIndex] = err
	self.setState(StreamStatePartiallyDegraded)
}

// must be called with `stateLock`
func (self *MergeEngine[T]) allHandlesLive() bool {
	for _, live := range self.handleLive {
		if !live {
			return false
		}
	}
	return true
}

// must be called with `stateLock`
func (self *MergeEngine[T]) setState(state StreamState) {
	if self.state == state {
		return
	}
	self.state = state
	for _, callback := range self.stateCallbacks.Get() {
		c := callback
		HandleError(func() {
			c(state)
		})
	}
}

// must be called with `stateLock`
func (self *MergeEngine[T]) publish() {
	ordered := self.orderedRecords()
	for _, callback := range self.snapshotCallbacks.Get() {
		c := callback
		HandleError(func() {
			c(ordered)
		})
	}
}

// must be called with `stateLock`
func (self *MergeEngine[T]) orderedRecords() []T {
	ordered := maps.Values(self.records)
	slices.SortStableFunc(ordered, func(a T, b T) int {
		if c := strings.Compare(a.RecordTimestamp(), b.RecordTimestamp()); c != 0 {
			return c
		}
		// id tie-break guarantees a total, reproducible order
		return strings.Compare(a.RecordId(), b.RecordId())
	})
	return ordered
}

// Subscribe registers a callback for every merged snapshot and immediately
// delivers the current one. The returned function cancels the subscription.
//
// Callbacks are invoked under the engine's critical section so that no
// callback can fire after Close begins. A callback must not call back into
// the engine synchronously.
func (self *MergeEngine[T]) Subscribe(callback MergedSnapshotFunction[T]) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return func() {}
	}

	callbackId := self.snapshotCallbacks.Add(callback)

	ordered := self.orderedRecords()
	HandleError(func() {
		callback(ordered)
	})

	return func() {
		self.snapshotCallbacks.Remove(callbackId)
	}
}

func (self *MergeEngine[T]) AddStateCallback(callback StreamStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Current returns the merged, ordered view as of now.
func (self *MergeEngine[T]) Current() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.orderedRecords()
}

func (self *MergeEngine[T]) State() StreamState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// HandleErrors exposes the degraded handles by index. Empty when Live.
func (self *MergeEngine[T]) HandleErrors() map[int]error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.handleErrors)
}

// Close tears down every owned watch and discards the cached records. No
// handle outlives its engine; no snapshot callback fires after Close begins.
func (self *MergeEngine[T]) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.setState(StreamStateClosed)
	watches := self.watches
	self.watches = nil
	self.records = map[string]T{}
	self.ownerByRecordId = map[string]int{}
	for i := range self.ownedRecordIds {
		self.ownedRecordIds[i] = nil
	}
	self.stateLock.Unlock()

	// release outside the lock: a watch dispatch goroutine may be blocked
	// on a callback that needs the lock to observe the closed flag
	for _, watch := range watches {
		watch.Close()
	}
	self.cancel()
}
