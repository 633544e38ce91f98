package coord

import (
	"context"
	"fmt"
)

// Stream builders. Each logical view is realized as several overlapping
// live queries against the store (the store cannot express OR filters or
// joins), merged into one output by a MergeEngine. The builders are the one
// place conversation queries are constructed, so normalization is applied
// here, before any identifier becomes a filter value.

// NewConversationStream observes all direct messages between a landlord and
// a tenant: one handle per direction on the current schema, plus one handle
// for the legacy schema, which keyed messages by the (landlord, tenant)
// pair and carried no receiver field.
func NewConversationStream(
	ctx context.Context,
	store DocumentStore,
	landlordId string,
	tenantId string,
) *MergeEngine[*Message] {
	landlordId = NormalizeParticipantId(landlordId)
	tenantId = NormalizeParticipantId(tenantId)

	handles := []*LiveQueryHandle[*Message]{
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionMessages,
				Filters: []*Filter{
					Eq(FieldSenderId, tenantId),
					Eq(FieldReceiverId, landlordId),
				},
				OrderBy: FieldTimestamp,
			},
			DecodeMessage,
		),
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionMessages,
				Filters: []*Filter{
					Eq(FieldSenderId, landlordId),
					Eq(FieldReceiverId, tenantId),
				},
				OrderBy: FieldTimestamp,
			},
			DecodeMessage,
		),
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionMessages,
				Filters: []*Filter{
					Eq(FieldLandlordId, landlordId),
					Eq(FieldTenantId, tenantId),
				},
				OrderBy: FieldTimestamp,
			},
			DecodeMessage,
		),
	}

	engine := NewMergeEngine(ctx, store, handles)
	engine.Open()
	return engine
}

// NewTicketThreadStream observes the ticket-scoped contractor<->landlord
// thread: one handle per message direction.
func NewTicketThreadStream(
	ctx context.Context,
	store DocumentStore,
	ticketId string,
	contractorId string,
) *MergeEngine[*Message] {
	contractorId = NormalizeParticipantId(contractorId)

	handles := []*LiveQueryHandle[*Message]{
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionMessages,
				Filters: []*Filter{
					Eq(FieldTicketId, ticketId),
					Eq(FieldSenderId, contractorId),
				},
				OrderBy: FieldTimestamp,
			},
			DecodeMessage,
		),
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionMessages,
				Filters: []*Filter{
					Eq(FieldTicketId, ticketId),
					Eq(FieldReceiverId, contractorId),
				},
				OrderBy: FieldTimestamp,
			},
			DecodeMessage,
		),
	}

	engine := NewMergeEngine(ctx, store, handles)
	engine.Open()
	return engine
}

// NewConnectionStream observes every connection a participant is part of,
// on either side of the relationship.
func NewConnectionStream(
	ctx context.Context,
	store DocumentStore,
	participantId string,
) *MergeEngine[*Connection] {
	participantId = NormalizeParticipantId(participantId)

	handles := []*LiveQueryHandle[*Connection]{
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionConnections,
				Filters:    []*Filter{Eq(FieldLandlordId, participantId)},
				OrderBy:    FieldRequestedAt,
			},
			DecodeConnection,
		),
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionConnections,
				Filters:    []*Filter{Eq(FieldTenantId, participantId)},
				OrderBy:    FieldRequestedAt,
			},
			DecodeConnection,
		),
	}

	engine := NewMergeEngine(ctx, store, handles)
	engine.Open()
	return engine
}

// NewApplicationStream observes all applications on one ticket.
func NewApplicationStream(
	ctx context.Context,
	store DocumentStore,
	ticketId string,
) *MergeEngine[*Application] {
	handles := []*LiveQueryHandle[*Application]{
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionApplications,
				Filters:    []*Filter{Eq(FieldTicketId, ticketId)},
				OrderBy:    FieldAppliedAt,
			},
			DecodeApplication,
		),
	}

	engine := NewMergeEngine(ctx, store, handles)
	engine.Open()
	return engine
}

// NewContractorInvitationStream observes a contractor's invitations.
// Invitations sent before the contractor had an account are keyed by email
// only, so the contractor id handle and the email handle overlap on newer
// records and the email handle exclusively covers the oldest ones.
func NewContractorInvitationStream(
	ctx context.Context,
	store DocumentStore,
	contractorId string,
	contractorEmail string,
) *MergeEngine[*Invitation] {
	handles := []*LiveQueryHandle[*Invitation]{
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionInvitations,
				Filters:    []*Filter{Eq(FieldContractorId, NormalizeParticipantId(contractorId))},
				OrderBy:    FieldInvitedAt,
			},
			DecodeInvitation,
		),
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionInvitations,
				Filters:    []*Filter{Eq(FieldContractorEmail, NormalizeParticipantId(contractorEmail))},
				OrderBy:    FieldInvitedAt,
			},
			DecodeInvitation,
		),
	}

	engine := NewMergeEngine(ctx, store, handles)
	engine.Open()
	return engine
}

// NewTicketInvitationStream observes all invitations on one ticket.
func NewTicketInvitationStream(
	ctx context.Context,
	store DocumentStore,
	ticketId string,
) *MergeEngine[*Invitation] {
	handles := []*LiveQueryHandle[*Invitation]{
		NewLiveQueryHandle(
			&Query{
				Collection: CollectionInvitations,
				Filters:    []*Filter{Eq(FieldTicketId, ticketId)},
				OrderBy:    FieldInvitedAt,
			},
			DecodeInvitation,
		),
	}

	engine := NewMergeEngine(ctx, store, handles)
	engine.Open()
	return engine
}

type DirectMessageArgs struct {
	LandlordId        string
	TenantId          string
	SenderId          string
	SenderDisplayName string
	Text              string
}

// SendDirectMessage writes one tenant<->landlord message. During the schema
// migration window both the current fields (senderId/receiverId) and the
// legacy pair fields (landlordId/tenantId) are persisted, so both query
// shapes keep finding the record.
func SendDirectMessage(ctx context.Context, store DocumentStore, args *DirectMessageArgs) (*Message, error) {
	landlordId := NormalizeParticipantId(args.LandlordId)
	tenantId := NormalizeParticipantId(args.TenantId)
	senderId := NormalizeParticipantId(args.SenderId)

	var receiverId string
	var senderRole Role
	switch senderId {
	case landlordId:
		receiverId = tenantId
		senderRole = RoleLandlord
	case tenantId:
		receiverId = landlordId
		senderRole = RoleTenant
	default:
		return nil, fmt.Errorf("sender %s is not a conversation participant", senderId)
	}

	message := &Message{
		Id:                NewId().String(),
		SenderId:          senderId,
		ReceiverId:        receiverId,
		SenderDisplayName: args.SenderDisplayName,
		SenderRole:        senderRole,
		Text:              args.Text,
		Timestamp:         NowTimestamp(),
		ReadBy:            map[string]bool{senderId: true},
	}

	fields := map[string]any{
		FieldSenderId:   message.SenderId,
		FieldReceiverId: message.ReceiverId,
		FieldSenderName: message.SenderDisplayName,
		FieldSenderRole: string(message.SenderRole),
		FieldText:       message.Text,
		FieldTimestamp:  message.Timestamp,
		FieldReadBy:     []string{senderId},
		FieldLandlordId: landlordId,
		FieldTenantId:   tenantId,
	}
	if err := store.Set(ctx, CollectionMessages, message.Id, fields); err != nil {
		return nil, err
	}
	return message, nil
}

type TicketMessageArgs struct {
	TicketId          string
	SenderId          string
	ReceiverId        string
	SenderDisplayName string
	SenderRole        Role
	Text              string
}

// SendTicketMessage writes one ticket-scoped contractor<->landlord message.
func SendTicketMessage(ctx context.Context, store DocumentStore, args *TicketMessageArgs) (*Message, error) {
	senderId := NormalizeParticipantId(args.SenderId)

	message := &Message{
		Id:                NewId().String(),
		SenderId:          senderId,
		ReceiverId:        NormalizeParticipantId(args.ReceiverId),
		SenderDisplayName: args.SenderDisplayName,
		SenderRole:        args.SenderRole,
		Text:              args.Text,
		TicketId:          args.TicketId,
		Timestamp:         NowTimestamp(),
		ReadBy:            map[string]bool{senderId: true},
	}

	fields := map[string]any{
		FieldSenderId:   message.SenderId,
		FieldReceiverId: message.ReceiverId,
		FieldSenderName: message.SenderDisplayName,
		FieldSenderRole: string(message.SenderRole),
		FieldText:       message.Text,
		FieldTicketId:   message.TicketId,
		FieldTimestamp:  message.Timestamp,
		FieldReadBy:     []string{senderId},
	}
	if err := store.Set(ctx, CollectionMessages, message.Id, fields); err != nil {
		return nil, err
	}
	return message, nil
}
