package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newConnectionFixture(t *testing.T) (*MemoryStore, *MergeEngine[*Connection], *ConnectionMachine) {
	store := NewMemoryStore()
	engine := NewConnectionStream(context.Background(), store, "landlord@x.com")
	t.Cleanup(engine.Close)
	waitFor(t, 5*time.Second, func() bool {
		return engine.State() == StreamStateLive
	})
	return store, engine, NewConnectionMachine(store, engine)
}

func TestConnectionCreateIdempotent(t *testing.T) {
	store, engine, machine := newConnectionFixture(t)
	ctx := context.Background()

	first, err := machine.Create(ctx, "Landlord@X.com", "tenant@y.com", "tenant@y.com")
	assert.Equal(t, err, nil)
	second, err := machine.Create(ctx, "landlord@x.com", " Tenant@Y.COM", "tenant@y.com")
	assert.Equal(t, err, nil)

	// one record, not two: the composite id is the dedup mechanism
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, first.Id, ConnectionId("landlord@x.com", "tenant@y.com"))
	assert.Equal(t, second.Status, ConnectionStatusPending)

	waitFor(t, 5*time.Second, func() bool {
		return len(engine.Current()) == 1
	})
	doc, err := store.Get(ctx, CollectionConnections, first.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Fields[FieldStatus], string(ConnectionStatusPending))
}

func TestConnectionTransitionGuards(t *testing.T) {
	_, _, machine := newConnectionFixture(t)
	ctx := context.Background()

	connection, err := machine.Create(ctx, "landlord@x.com", "tenant@y.com", "tenant@y.com")
	assert.Equal(t, err, nil)

	// the requesting party cannot confirm its own request
	err = machine.Transition(ctx, "tenant@y.com", connection.Id, ConnectionStatusPending, ConnectionStatusConnected)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsStaleTransition(err), false)

	// a non-participant cannot transition at all
	err = machine.Transition(ctx, "stranger@z.com", connection.Id, ConnectionStatusPending, ConnectionStatusConnected)
	assert.NotEqual(t, err, nil)

	// only PENDING can be left, and only for a terminal status
	err = machine.Transition(ctx, "landlord@x.com", connection.Id, ConnectionStatusConnected, ConnectionStatusPending)
	assert.NotEqual(t, err, nil)

	// the non-requesting party confirms
	err = machine.Transition(ctx, "landlord@x.com", connection.Id, ConnectionStatusPending, ConnectionStatusConnected)
	assert.Equal(t, err, nil)
}

func TestConnectionStaleTransition(t *testing.T) {
	_, _, machine := newConnectionFixture(t)
	ctx := context.Background()

	connection, err := machine.Create(ctx, "landlord@x.com", "tenant@y.com", "tenant@y.com")
	assert.Equal(t, err, nil)

	// duplicate delivery: two concurrent attempts to apply the same
	// transition succeed exactly once
	results := make(chan error, 2)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < 2; i++ {
		go func() {
			start.Wait()
			results <- machine.Transition(ctx, "landlord@x.com", connection.Id, ConnectionStatusPending, ConnectionStatusConnected)
		}()
	}
	start.Done()

	errs := []error{<-results, <-results}
	okCount := 0
	staleCount := 0
	for _, err := range errs {
		if err == nil {
			okCount += 1
		} else if IsStaleTransition(err) {
			staleCount += 1
		}
	}
	assert.Equal(t, okCount, 1)
	assert.Equal(t, staleCount, 1)
}

func TestConnectionReject(t *testing.T) {
	store, engine, machine := newConnectionFixture(t)
	ctx := context.Background()

	connection, err := machine.Create(ctx, "landlord@x.com", "tenant@y.com", "tenant@y.com")
	assert.Equal(t, err, nil)

	// REJECTED tombstones the record by removal
	err = machine.Transition(ctx, "landlord@x.com", connection.Id, ConnectionStatusPending, ConnectionStatusRejected)
	assert.Equal(t, err, nil)

	_, err = store.Get(ctx, CollectionConnections, connection.Id)
	assert.Equal(t, err, ErrNotFound)
	waitFor(t, 5*time.Second, func() bool {
		return len(engine.Current()) == 0
	})

	// terminal: no way back out
	err = machine.Transition(ctx, "landlord@x.com", connection.Id, ConnectionStatusPending, ConnectionStatusConnected)
	assert.Equal(t, IsStaleTransition(err), true)
}

func TestConnectionObservedTransition(t *testing.T) {
	// a request written by another device arrives through the merged view
	store, engine, machine := newConnectionFixture(t)
	ctx := context.Background()

	id := ConnectionId("landlord@x.com", "tenant@y.com")
	err := store.Set(ctx, CollectionConnections, id, map[string]any{
		FieldLandlordId:  "landlord@x.com",
		FieldTenantId:    "tenant@y.com",
		FieldStatus:      string(ConnectionStatusPending),
		FieldRequestedBy: "tenant@y.com",
		FieldRequestedAt: NowTimestamp(),
	})
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return len(engine.Current()) == 1
	})

	err = machine.Transition(ctx, "landlord@x.com", id, ConnectionStatusPending, ConnectionStatusConnected)
	assert.Equal(t, err, nil)

	doc, err := store.Get(ctx, CollectionConnections, id)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Fields[FieldStatus], string(ConnectionStatusConnected))
	assert.NotEqual(t, doc.Fields[FieldConfirmedAt], nil)
}
