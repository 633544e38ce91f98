package coord

import (
	"context"
)

// ReadReceiptTracker records which participants have acknowledged which
// messages. Receipts are a monotone set union: a reader is added to a
// message's readBy set and never removed. The union uses the store's
// merge-safe array primitive, so concurrent calls from different readers
// for overlapping id sets all land.
type ReadReceiptTracker struct {
	store DocumentStore
}

func NewReadReceiptTracker(store DocumentStore) *ReadReceiptTracker {
	return &ReadReceiptTracker{
		store: store,
	}
}

type MarkReadResult struct {
	// per-id failures; ids absent here were recorded
	Failed map[string]error
}

func (self *MarkReadResult) AllOk() bool {
	return len(self.Failed) == 0
}

// MarkRead unions the reader into each message's readBy set. Best effort
// per id: an individual failure is reported in the result and does not
// abort the rest of the batch.
func (self *ReadReceiptTracker) MarkRead(ctx context.Context, messageIds []string, reader string) *MarkReadResult {
	reader = NormalizeParticipantId(reader)

	result := &MarkReadResult{
		Failed: map[string]error{},
	}
	for _, messageId := range messageIds {
		err := self.store.AddToSet(ctx, CollectionMessages, messageId, FieldReadBy, reader)
		if err != nil {
			result.Failed[messageId] = err
		}
	}
	return result
}
