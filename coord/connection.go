package coord

import (
	"context"
	"fmt"
	"sync"
)

// ConnectionMachine issues idempotent write intents for tenant<->landlord
// connection requests. It is pure with respect to the merged view: the
// current status is read from the latest merged snapshot, never from the
// store directly.
//
// Transitions arrive from asynchronous, possibly duplicated snapshot
// events, and the store offers no compare-and-swap. The machine therefore
// keeps an overlay of records it has itself written but not yet observed,
// so a duplicate transition between write and observation is still refused
// as stale.
type ConnectionMachine struct {
	store  DocumentStore
	engine *MergeEngine[*Connection]

	stateLock sync.Mutex
	issued    map[string]*Connection
}

func NewConnectionMachine(store DocumentStore, engine *MergeEngine[*Connection]) *ConnectionMachine {
	return &ConnectionMachine{
		store:  store,
		engine: engine,
		issued: map[string]*Connection{},
	}
}

// Create requests a connection. The composite id makes a repeated request
// idempotent: it overwrites the same record rather than creating a
// duplicate. Re-requesting resets requestedAt but not identity.
func (self *ConnectionMachine) Create(
	ctx context.Context,
	landlordId string,
	tenantId string,
	requestedBy string,
) (*Connection, error) {
	landlordId = NormalizeParticipantId(landlordId)
	tenantId = NormalizeParticipantId(tenantId)
	requestedBy = NormalizeParticipantId(requestedBy)

	if requestedBy != landlordId && requestedBy != tenantId {
		return nil, fmt.Errorf("requester %s is not a relationship participant", requestedBy)
	}

	connection := &Connection{
		Id:          ConnectionId(landlordId, tenantId),
		LandlordId:  landlordId,
		TenantId:    tenantId,
		Status:      ConnectionStatusPending,
		RequestedBy: requestedBy,
		RequestedAt: NowTimestamp(),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	err := self.store.Set(ctx, CollectionConnections, connection.Id, map[string]any{
		FieldLandlordId:  connection.LandlordId,
		FieldTenantId:    connection.TenantId,
		FieldStatus:      string(connection.Status),
		FieldRequestedBy: connection.RequestedBy,
		FieldRequestedAt: connection.RequestedAt,
	})
	if err != nil {
		return nil, err
	}
	self.issued[connection.Id] = connection
	return connection, nil
}

// must be called with `stateLock`. The machine's own unobserved writes win
// over the merged view until the view catches up.
func (self *ConnectionMachine) current(id string) *Connection {
	var observed *Connection
	for _, candidate := range self.engine.Current() {
		if candidate.Id == id {
			observed = candidate
			break
		}
	}

	if issued, ok := self.issued[id]; ok {
		if observed != nil && observed.Status == issued.Status {
			// the view caught up
			delete(self.issued, id)
			return observed
		}
		return issued
	}
	return observed
}

// Transition moves one connection out of PENDING. Only the non-requesting
// party may confirm or reject. A transition whose expected prior state no
// longer matches returns StaleTransitionError as a no-op, guarding against
// applying the same transition twice from duplicate event delivery.
// REJECTED is terminal and tombstones the record by removal.
func (self *ConnectionMachine) Transition(
	ctx context.Context,
	actorId string,
	id string,
	expectedPrior ConnectionStatus,
	next ConnectionStatus,
) error {
	if expectedPrior != ConnectionStatusPending || !next.IsTerminal() {
		return fmt.Errorf("invalid connection transition %s -> %s", expectedPrior, next)
	}
	actorId = NormalizeParticipantId(actorId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection := self.current(id)
	if connection == nil || connection.Status != expectedPrior {
		actual := ""
		if connection != nil {
			actual = string(connection.Status)
		}
		return &StaleTransitionError{
			Id:       id,
			Expected: string(expectedPrior),
			Actual:   actual,
		}
	}
	if actorId != connection.LandlordId && actorId != connection.TenantId {
		return fmt.Errorf("actor %s is not a relationship participant", actorId)
	}
	if actorId == connection.RequestedBy {
		return fmt.Errorf("the requesting party cannot confirm its own request")
	}

	switch next {
	case ConnectionStatusConnected:
		err := self.store.Update(ctx, CollectionConnections, id, map[string]any{
			FieldStatus:      string(ConnectionStatusConnected),
			FieldConfirmedAt: NowTimestamp(),
		})
		if err != nil {
			return err
		}
	case ConnectionStatusRejected:
		if err := self.store.Delete(ctx, CollectionConnections, id); err != nil {
			return err
		}
	}

	applied := *connection
	applied.Status = next
	if next == ConnectionStatusConnected {
		applied.ConfirmedAt = NowTimestamp()
	}
	self.issued[id] = &applied
	return nil
}
