package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testMessage(id string, timestamp string, text string) *Message {
	return &Message{
		Id:         id,
		SenderId:   "tenant@y.com",
		ReceiverId: "landlord@x.com",
		Text:       text,
		Timestamp:  timestamp,
		ReadBy:     map[string]bool{},
	}
}

// an engine driven directly, without store watches, so deliveries are
// deterministic
func testEngine(handleCount int) *MergeEngine[*Message] {
	handles := []*LiveQueryHandle[*Message]{}
	for i := 0; i < handleCount; i++ {
		handles = append(handles, NewLiveQueryHandle(
			&Query{Collection: CollectionMessages, OrderBy: FieldTimestamp},
			DecodeMessage,
		))
	}
	return NewMergeEngine(context.Background(), NewMemoryStore(), handles)
}

func recordIds(messages []*Message) []string {
	ids := []string{}
	for _, message := range messages {
		ids = append(ids, message.Id)
	}
	return ids
}

func TestMergeOrdering(t *testing.T) {
	engine := testEngine(2)
	defer engine.Close()

	engine.handleSnapshot(0, []*Message{
		testMessage("b", "2024-01-01T00:00:02.000Z", "2"),
		testMessage("d", "2024-01-01T00:00:04.000Z", "4"),
	})
	engine.handleSnapshot(1, []*Message{
		testMessage("c", "2024-01-01T00:00:03.000Z", "3"),
		testMessage("a", "2024-01-01T00:00:01.000Z", "1"),
	})

	ordered := engine.Current()
	assert.Equal(t, recordIds(ordered), []string{"a", "b", "c", "d"})
	for i := 0; i+1 < len(ordered); i += 1 {
		assert.Equal(t, ordered[i].Timestamp <= ordered[i+1].Timestamp, true)
	}
}

func TestMergeOrderingTieBreak(t *testing.T) {
	engine := testEngine(1)
	defer engine.Close()

	// equal timestamps: id guarantees a total, reproducible order
	timestamp := "2024-01-01T00:00:00.000Z"
	engine.handleSnapshot(0, []*Message{
		testMessage("m2", timestamp, ""),
		testMessage("m1", timestamp, ""),
		testMessage("m3", timestamp, ""),
	})
	assert.Equal(t, recordIds(engine.Current()), []string{"m1", "m2", "m3"})
}

func TestMergeIdempotence(t *testing.T) {
	engine := testEngine(2)
	defer engine.Close()

	snapshot := []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", "1"),
		testMessage("b", "2024-01-01T00:00:02.000Z", "2"),
	}
	engine.handleSnapshot(0, snapshot)
	before := engine.Current()

	// re-delivering an identical snapshot produces no change in the
	// published ordered list
	engine.handleSnapshot(0, snapshot)
	after := engine.Current()
	assert.Equal(t, before, after)
}

func TestMergeDedup(t *testing.T) {
	engine := testEngine(2)
	defer engine.Close()

	// two handles independently return the same id; the most recently
	// delivered version wins
	engine.handleSnapshot(0, []*Message{
		testMessage("x", "2024-01-01T00:00:00.000Z", "hi"),
	})
	engine.handleSnapshot(1, []*Message{
		testMessage("x", "2024-01-01T00:00:01.000Z", "hi edited"),
	})

	merged := engine.Current()
	assert.Equal(t, len(merged), 1)
	assert.Equal(t, merged[0].Id, "x")
	assert.Equal(t, merged[0].Text, "hi edited")
}

func TestMergeOwnershipScopedRemoval(t *testing.T) {
	engine := testEngine(2)
	defer engine.Close()

	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
		testMessage("b", "2024-01-01T00:00:02.000Z", ""),
	})
	engine.handleSnapshot(1, []*Message{
		testMessage("b", "2024-01-01T00:00:02.000Z", ""),
		testMessage("c", "2024-01-01T00:00:03.000Z", ""),
	})

	// handle 0 no longer returns b, but handle 1 owns it now: no
	// flicker-loss while handle 1 is mid-update
	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
	})
	assert.Equal(t, recordIds(engine.Current()), []string{"a", "b", "c"})

	// the owner retiring b removes it
	engine.handleSnapshot(1, []*Message{
		testMessage("c", "2024-01-01T00:00:03.000Z", ""),
	})
	assert.Equal(t, recordIds(engine.Current()), []string{"a", "c"})
}

func TestMergeHandleFailureIsolation(t *testing.T) {
	engine := testEngine(2)
	defer engine.Close()

	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
	})
	engine.handleSnapshot(1, []*Message{
		testMessage("b", "2024-01-01T00:00:02.000Z", ""),
	})
	assert.Equal(t, engine.State(), StreamStateLive)

	// an error on handle 0 degrades but does not clear its contribution
	engine.handleError(0, errors.New("index not ready"))
	assert.Equal(t, engine.State(), StreamStatePartiallyDegraded)
	assert.Equal(t, recordIds(engine.Current()), []string{"a", "b"})
	assert.Equal(t, len(engine.HandleErrors()), 1)

	// the error is surfaced indefinitely until the handle recovers
	assert.Equal(t, engine.State(), StreamStatePartiallyDegraded)

	// recovery on the next success
	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
	})
	assert.Equal(t, engine.State(), StreamStateLive)
	assert.Equal(t, len(engine.HandleErrors()), 0)
}

func TestMergeSubscribe(t *testing.T) {
	engine := testEngine(1)
	defer engine.Close()

	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
	})

	// a new subscriber immediately receives the current snapshot
	snapshots := [][]*Message{}
	unsub := engine.Subscribe(func(messages []*Message) {
		snapshots = append(snapshots, messages)
	})
	assert.Equal(t, len(snapshots), 1)
	assert.Equal(t, recordIds(snapshots[0]), []string{"a"})

	// every handle update republishes to every subscriber
	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
		testMessage("b", "2024-01-01T00:00:02.000Z", ""),
	})
	assert.Equal(t, len(snapshots), 2)
	assert.Equal(t, recordIds(snapshots[1]), []string{"a", "b"})

	unsub()
	engine.handleSnapshot(0, []*Message{})
	assert.Equal(t, len(snapshots), 2)
}

func TestMergeClose(t *testing.T) {
	engine := testEngine(1)

	delivered := 0
	engine.Subscribe(func(messages []*Message) {
		delivered += 1
	})
	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
	})
	assert.Equal(t, delivered, 2)

	states := []StreamState{}
	engine.AddStateCallback(func(state StreamState) {
		states = append(states, state)
	})

	engine.Close()
	assert.Equal(t, engine.State(), StreamStateClosed)
	assert.Equal(t, states, []StreamState{StreamStateClosed})

	// no snapshot callback fires after teardown begins, and the cached
	// records are discarded
	engine.handleSnapshot(0, []*Message{
		testMessage("b", "2024-01-01T00:00:02.000Z", ""),
	})
	assert.Equal(t, delivered, 2)
	assert.Equal(t, len(engine.Current()), 0)

	// close is idempotent
	engine.Close()

	// subscribing after close is a no-op
	unsub := engine.Subscribe(func(messages []*Message) {
		t.Fatal("delivered after close")
	})
	unsub()
}

func TestMergePanickingSubscriber(t *testing.T) {
	engine := testEngine(1)
	defer engine.Close()

	delivered := 0
	engine.Subscribe(func(messages []*Message) {
		panic("subscriber bug")
	})
	engine.Subscribe(func(messages []*Message) {
		delivered += 1
	})

	// a panicking subscriber does not poison delivery to the others
	engine.handleSnapshot(0, []*Message{
		testMessage("a", "2024-01-01T00:00:01.000Z", ""),
	})
	assert.Equal(t, delivered, 2)
}

func TestMergeEndToEnd(t *testing.T) {
	store := NewMemoryStore()
	engine := NewConversationStream(context.Background(), store, "landlord@x.com", "Tenant@Y.com")
	defer engine.Close()

	waitFor(t, 5*time.Second, func() bool {
		return engine.State() == StreamStateLive
	})

	ctx := context.Background()
	_, err := SendDirectMessage(ctx, store, &DirectMessageArgs{
		LandlordId: "landlord@x.com",
		TenantId:   "tenant@y.com",
		SenderId:   "tenant@y.com",
		Text:       "the heater is broken",
	})
	assert.Equal(t, err, nil)
	_, err = SendDirectMessage(ctx, store, &DirectMessageArgs{
		LandlordId: "landlord@x.com",
		TenantId:   "tenant@y.com",
		SenderId:   "Landlord@X.com",
		Text:       "sending someone tomorrow",
	})
	assert.Equal(t, err, nil)

	// a legacy record with no receiverId, visible only to the legacy
	// handle
	err = store.Set(ctx, CollectionMessages, "legacy-1", map[string]any{
		FieldSenderId:   "tenant@y.com",
		FieldLandlordId: "landlord@x.com",
		FieldTenantId:   "tenant@y.com",
		FieldText:       "old report",
		FieldTimestamp:  "2020-06-01T00:00:00.000Z",
	})
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return len(engine.Current()) == 3
	})

	merged := engine.Current()
	// the legacy record sorts first and is deduplicated across the
	// overlapping handles
	assert.Equal(t, merged[0].Id, "legacy-1")
	assert.Equal(t, merged[0].ReceiverId, "landlord@x.com")
	assert.Equal(t, merged[1].Text, "the heater is broken")
	assert.Equal(t, merged[2].Text, "sending someone tomorrow")
}
