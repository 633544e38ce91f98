package coord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// The remote document store collaborator. The store is eventually
// consistent, has no cross-collection joins and no compare-and-swap;
// writes are last-write-wins at the document level. Correctness of any
// multi-query view is entirely the merge engine's responsibility.

const (
	CollectionMessages     = "messages"
	CollectionConnections  = "connections"
	CollectionApplications = "applications"
	CollectionInvitations  = "invitations"
)

// document field names. Both the current and the legacy message fields are
// preserved during the migration window, see decode.go.
const (
	FieldSenderId        = "senderId"
	FieldReceiverId      = "receiverId"
	FieldSenderName      = "senderName"
	FieldSenderRole      = "senderRole"
	FieldText            = "text"
	FieldTicketId        = "ticketId"
	FieldTimestamp       = "timestamp"
	FieldReadBy          = "readBy"
	FieldLandlordId      = "landlordId"
	FieldTenantId        = "tenantId"
	FieldStatus          = "status"
	FieldRequestedBy     = "requestedBy"
	FieldRequestedAt     = "requestedAt"
	FieldConfirmedAt     = "confirmedAt"
	FieldContractorId    = "contractorId"
	FieldContractorName  = "contractorName"
	FieldContractorEmail = "contractorEmail"
	FieldLandlordEmail   = "landlordEmail"
	FieldRating          = "rating"
	FieldAppliedAt       = "appliedAt"
	FieldInvitedAt       = "invitedAt"
)

type Document struct {
	Id     string
	Fields map[string]any
}

// equality filter. Filter values must already be normalized,
// see NormalizeParticipantId.
type Filter struct {
	Field string
	Value any
}

func Eq(field string, value any) *Filter {
	return &Filter{
		Field: field,
		Value: value,
	}
}

type Query struct {
	Collection string
	Filters    []*Filter
	// documents are delivered sorted ascending by this field's string
	// value, ties broken by document id
	OrderBy string
}

func (self *Query) Matches(doc *Document) bool {
	for _, filter := range self.Filters {
		if doc.Fields[filter.Field] != filter.Value {
			return false
		}
	}
	return true
}

func (self *Query) String() string {
	return fmt.Sprintf("%s%v", self.Collection, self.Filters)
}

// SnapshotFunction receives the entire current result set on every change,
// not a diff (snapshot-replace semantics).
type SnapshotFunction func(docs []*Document)

// WatchErrorFunction signals a subscription failure. The watch stays
// registered; the next successful snapshot clears the condition.
type WatchErrorFunction func(err error)

type Watch interface {
	Close()
}

type DocumentStore interface {
	// Watch subscribes to a live query. The callback fires asynchronously
	// with respect to the caller and to other watches. Close releases the
	// subscription; no snapshot is delivered after Close returns.
	Watch(query *Query, snapshotCallback SnapshotFunction, errorCallback WatchErrorFunction) Watch

	Get(ctx context.Context, collection string, id string) (*Document, error)

	// Set overwrites the full document (last-write-wins)
	Set(ctx context.Context, collection string, id string, fields map[string]any) error

	// Update merges fields into an existing document
	Update(ctx context.Context, collection string, id string, fields map[string]any) error

	// AddToSet unions values into an array field. This is the one merge-safe
	// primitive the store offers; concurrent unions from different writers
	// all land.
	AddToSet(ctx context.Context, collection string, id string, field string, values ...string) error

	Delete(ctx context.Context, collection string, id string) error
}

// snapshotQueue serializes snapshot delivery to one callback on its own
// goroutine, conflating latest-wins: if the consumer is behind, only the
// newest snapshot is kept. Under snapshot-replace semantics an older
// pending snapshot is fully superseded by a newer one.
//
// enqueue calls must be externally serialized (stores call it under their
// own state lock).
type snapshotQueue struct {
	callback SnapshotFunction

	pending chan []*Document
	done    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
}

func newSnapshotQueue(callback SnapshotFunction) *snapshotQueue {
	queue := &snapshotQueue{
		callback: callback,
		pending:  make(chan []*Document, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go queue.dispatch()
	return queue
}

func (self *snapshotQueue) dispatch() {
	defer close(self.stopped)
	for {
		select {
		case <-self.done:
			return
		case docs := <-self.pending:
			HandleError(func() {
				self.callback(docs)
			})
		}
	}
}

func (self *snapshotQueue) enqueue(docs []*Document) {
	select {
	case self.pending <- docs:
	default:
		select {
		case <-self.pending:
		default:
		}
		select {
		case self.pending <- docs:
		default:
		}
	}
}

// close blocks until any in-flight delivery returns. No snapshot is
// delivered after close returns.
func (self *snapshotQueue) close() {
	self.closeOnce.Do(func() {
		close(self.done)
		<-self.stopped
	})
}

// sortDocuments applies a query's delivery order: ascending by the order-by
// field's string value, ties broken by document id.
func sortDocuments(docs []*Document, orderBy string) {
	slices.SortStableFunc(docs, func(a *Document, b *Document) int {
		if orderBy != "" {
			av, _ := a.Fields[orderBy].(string)
			bv, _ := b.Fields[orderBy].(string)
			if c := strings.Compare(av, bv); c != 0 {
				return c
			}
		}
		return strings.Compare(a.Id, b.Id)
	})
}

// ErrUnavailable means the remote store was unreachable at construction
// time. Operations degrade to "no data" so the caller can render an empty
// state instead of crashing.
var ErrUnavailable = errors.New("store unavailable")

var ErrNotFound = errors.New("document not found")

type WriteFailedError struct {
	Collection string
	Id         string
	Err        error
}

func (self *WriteFailedError) Error() string {
	return fmt.Sprintf("write %s/%s failed: %s", self.Collection, self.Id, self.Err)
}

func (self *WriteFailedError) Unwrap() error {
	return self.Err
}

// StaleTransitionError means a state machine guard rejected a transition
// whose expected prior state no longer matches, typically because the same
// transition was already applied from a duplicate event delivery. Surfaced
// as a no-op, not a hard failure.
type StaleTransitionError struct {
	Id       string
	Expected string
	Actual   string
}

func (self *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for %s: expected %s, found %s", self.Id, self.Expected, self.Actual)
}

func IsStaleTransition(err error) bool {
	var staleTransition *StaleTransitionError
	return errors.As(err, &staleTransition)
}
