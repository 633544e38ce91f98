package coord

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// MemoryStore is an in-process DocumentStore with the same observable
// semantics as the hosted store: snapshot-replace watch deliveries,
// last-write-wins document writes, merge-safe array union. It backs tests
// and local development.
type MemoryStore struct {
	stateLock sync.Mutex

	// collection -> id -> fields
	collections map[string]map[string]map[string]any

	watches map[*memoryWatch]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]map[string]map[string]any{},
		watches:     map[*memoryWatch]bool{},
	}
}

type memoryWatch struct {
	store *MemoryStore
	query *Query

	errorCallback WatchErrorFunction
	queue         *snapshotQueue

	closeOnce sync.Once
}

func (self *MemoryStore) Watch(query *Query, snapshotCallback SnapshotFunction, errorCallback WatchErrorFunction) Watch {
	watch := &memoryWatch{
		store:         self,
		query:         query,
		errorCallback: errorCallback,
		queue:         newSnapshotQueue(snapshotCallback),
	}

	self.stateLock.Lock()
	self.watches[watch] = true
	watch.queue.enqueue(self.snapshot(query))
	self.stateLock.Unlock()

	return watch
}

func (self *memoryWatch) Close() {
	self.closeOnce.Do(func() {
		self.store.stateLock.Lock()
		delete(self.store.watches, self)
		self.store.stateLock.Unlock()

		// no snapshot is delivered after Close returns
		self.queue.close()
	})
}

// must be called with `stateLock`
func (self *MemoryStore) snapshot(query *Query) []*Document {
	docs := []*Document{}
	for id, fields := range self.collections[query.Collection] {
		doc := &Document{
			Id:     id,
			Fields: maps.Clone(fields),
		}
		if query.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	sortDocuments(docs, query.OrderBy)
	return docs
}

// must be called with `stateLock`
func (self *MemoryStore) notify(collection string) {
	for watch := range self.watches {
		if watch.query.Collection == collection {
			watch.queue.enqueue(self.snapshot(watch.query))
		}
	}
}

// ErrorWatches delivers an error signal to every watch whose query matches,
// without changing any watch's registration or pending data. Models
// transient subscription failures (permission revoked, index not ready).
func (self *MemoryStore) ErrorWatches(err error, match func(query *Query) bool) {
	self.stateLock.Lock()
	watches := []*memoryWatch{}
	for watch := range self.watches {
		if match(watch.query) {
			watches = append(watches, watch)
		}
	}
	self.stateLock.Unlock()

	for _, watch := range watches {
		errorCallback := watch.errorCallback
		HandleError(func() {
			errorCallback(err)
		})
	}
}

func (self *MemoryStore) Get(ctx context.Context, collection string, id string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fields, ok := self.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{
		Id:     id,
		Fields: maps.Clone(fields),
	}, nil
}

func (self *MemoryStore) Set(ctx context.Context, collection string, id string, fields map[string]any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	docs, ok := self.collections[collection]
	if !ok {
		docs = map[string]map[string]any{}
		self.collections[collection] = docs
	}
	docs[id] = maps.Clone(fields)
	self.notify(collection)
	return nil
}

func (self *MemoryStore) Update(ctx context.Context, collection string, id string, fields map[string]any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.collections[collection][id]
	if !ok {
		return &WriteFailedError{
			Collection: collection,
			Id:         id,
			Err:        ErrNotFound,
		}
	}
	for field, value := range fields {
		doc[field] = value
	}
	self.notify(collection)
	return nil
}

func (self *MemoryStore) AddToSet(ctx context.Context, collection string, id string, field string, values ...string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.collections[collection][id]
	if !ok {
		return &WriteFailedError{
			Collection: collection,
			Id:         id,
			Err:        ErrNotFound,
		}
	}

	// replace rather than append in place so previously delivered
	// snapshots stay immutable
	current := []string{}
	switch v := doc[field].(type) {
	case []string:
		current = append(current, v...)
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				current = append(current, s)
			}
		}
	}
	for _, value := range values {
		if !slices.Contains(current, value) {
			current = append(current, value)
		}
	}
	doc[field] = current
	self.notify(collection)
	return nil
}

func (self *MemoryStore) Delete(ctx context.Context, collection string, id string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if docs, ok := self.collections[collection]; ok {
		delete(docs, id)
	}
	self.notify(collection)
	return nil
}
