package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStoreWatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var lock sync.Mutex
	snapshots := [][]*Document{}
	watch := store.Watch(
		&Query{
			Collection: CollectionMessages,
			Filters:    []*Filter{Eq(FieldSenderId, "tenant@y.com")},
			OrderBy:    FieldTimestamp,
		},
		func(docs []*Document) {
			lock.Lock()
			defer lock.Unlock()
			snapshots = append(snapshots, docs)
		},
		func(err error) {},
	)
	defer watch.Close()

	// the initial snapshot is delivered even when empty
	waitFor(t, 5*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(snapshots) == 1 && len(snapshots[0]) == 0
	})

	store.Set(ctx, CollectionMessages, "m2", map[string]any{
		FieldSenderId:  "tenant@y.com",
		FieldTimestamp: "2024-01-01T00:00:02.000Z",
	})
	store.Set(ctx, CollectionMessages, "m1", map[string]any{
		FieldSenderId:  "tenant@y.com",
		FieldTimestamp: "2024-01-01T00:00:01.000Z",
	})
	// filtered out
	store.Set(ctx, CollectionMessages, "m3", map[string]any{
		FieldSenderId:  "landlord@x.com",
		FieldTimestamp: "2024-01-01T00:00:03.000Z",
	})

	// every delivery is the full current result set, sorted by the
	// order-by field
	waitFor(t, 5*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		last := snapshots[len(snapshots)-1]
		return len(last) == 2 && last[0].Id == "m1" && last[1].Id == "m2"
	})

	store.Delete(ctx, CollectionMessages, "m1")
	waitFor(t, 5*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		last := snapshots[len(snapshots)-1]
		return len(last) == 1 && last[0].Id == "m2"
	})
}

func TestMemoryStoreWatchClose(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var lock sync.Mutex
	delivered := 0
	watch := store.Watch(
		&Query{Collection: CollectionMessages},
		func(docs []*Document) {
			lock.Lock()
			defer lock.Unlock()
			delivered += 1
		},
		func(err error) {},
	)

	waitFor(t, 5*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return delivered == 1
	})

	watch.Close()
	lock.Lock()
	closedAt := delivered
	lock.Unlock()

	store.Set(ctx, CollectionMessages, "m1", map[string]any{
		FieldTimestamp: "2024-01-01T00:00:00.000Z",
	})
	time.Sleep(50 * time.Millisecond)

	lock.Lock()
	assert.Equal(t, delivered, closedAt)
	lock.Unlock()

	// close is idempotent
	watch.Close()
}

func TestMemoryStoreAddToSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Set(ctx, CollectionMessages, "m1", map[string]any{
		FieldReadBy: []string{"alice"},
	})

	err := store.AddToSet(ctx, CollectionMessages, "m1", FieldReadBy, "bob")
	assert.Equal(t, err, nil)
	// union: re-adding is a no-op
	err = store.AddToSet(ctx, CollectionMessages, "m1", FieldReadBy, "alice")
	assert.Equal(t, err, nil)

	doc, err := store.Get(ctx, CollectionMessages, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Fields[FieldReadBy], []string{"alice", "bob"})

	// missing document: write failure
	err = store.AddToSet(ctx, CollectionMessages, "missing", FieldReadBy, "alice")
	var writeFailed *WriteFailedError
	assert.Equal(t, errors.As(err, &writeFailed), true)
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Update(ctx, CollectionConnections, "missing", map[string]any{
		FieldStatus: string(ConnectionStatusConnected),
	})
	var writeFailed *WriteFailedError
	assert.Equal(t, errors.As(err, &writeFailed), true)

	store.Set(ctx, CollectionConnections, "c1", map[string]any{
		FieldStatus:      string(ConnectionStatusPending),
		FieldRequestedAt: "2024-01-01T00:00:00.000Z",
	})
	err = store.Update(ctx, CollectionConnections, "c1", map[string]any{
		FieldStatus: string(ConnectionStatusConnected),
	})
	assert.Equal(t, err, nil)

	doc, err := store.Get(ctx, CollectionConnections, "c1")
	assert.Equal(t, err, nil)
	// merged, not replaced
	assert.Equal(t, doc.Fields[FieldStatus], string(ConnectionStatusConnected))
	assert.Equal(t, doc.Fields[FieldRequestedAt], "2024-01-01T00:00:00.000Z")

	_, err = store.Get(ctx, CollectionConnections, "missing")
	assert.Equal(t, err, ErrNotFound)
}

func TestMemoryStoreErrorWatches(t *testing.T) {
	store := NewMemoryStore()

	var lock sync.Mutex
	errs := []error{}
	watch := store.Watch(
		&Query{Collection: CollectionMessages},
		func(docs []*Document) {},
		func(err error) {
			lock.Lock()
			defer lock.Unlock()
			errs = append(errs, err)
		},
	)
	defer watch.Close()

	otherWatch := store.Watch(
		&Query{Collection: CollectionConnections},
		func(docs []*Document) {},
		func(err error) {
			t.Fatal("error delivered to a non-matching watch")
		},
	)
	defer otherWatch.Close()

	watchErr := errors.New("permission denied")
	store.ErrorWatches(watchErr, func(query *Query) bool {
		return query.Collection == CollectionMessages
	})

	lock.Lock()
	assert.Equal(t, errs, []error{watchErr})
	lock.Unlock()
}
