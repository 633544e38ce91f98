package coord

import (
	"github.com/golang/glog"
)

// Record decoding never raises. A record with a missing required field or an
// unrecognized enum value is skipped (absent), logged at V(1), and never
// surfaced per-record. Documented defaults below are the only exceptions;
// they exist to keep pre-schema-change records addressable.

func stringField(fields map[string]any, name string) (string, bool) {
	if value, ok := fields[name]; ok {
		if s, ok := value.(string); ok {
			return s, true
		}
	}
	return "", false
}

func floatField(fields map[string]any, name string) (float64, bool) {
	if value, ok := fields[name]; ok {
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

func stringSetField(fields map[string]any, name string) map[string]bool {
	set := map[string]bool{}
	if value, ok := fields[name]; ok {
		switch v := value.(type) {
		case []any:
			for _, entry := range v {
				if s, ok := entry.(string); ok {
					set[NormalizeParticipantId(s)] = true
				}
			}
		case []string:
			for _, s := range v {
				set[NormalizeParticipantId(s)] = true
			}
		}
	}
	return set
}

// DecodeMessage converts one raw message document into a Message.
//
// Legacy fallbacks:
//   - a legacy message has no `receiverId`; the receiver is derived from the
//     legacy landlord/tenant fields: if the sender matches the landlord field
//     the receiver is the tenant field, and vice versa. This derivation is
//     the only way old records remain addressable by receiver-based queries.
//   - absent `senderRole` defaults to the tenant role; the field did not
//     exist before contractors were added.
func DecodeMessage(doc *Document) (*Message, bool) {
	senderId, ok := stringField(doc.Fields, FieldSenderId)
	if !ok {
		glog.V(1).Infof("[decode]skip message %s: no sender\n", doc.Id)
		return nil, false
	}
	senderId = NormalizeParticipantId(senderId)

	timestamp, ok := stringField(doc.Fields, FieldTimestamp)
	if !ok {
		glog.V(1).Infof("[decode]skip message %s: no timestamp\n", doc.Id)
		return nil, false
	}

	receiverId, ok := stringField(doc.Fields, FieldReceiverId)
	if ok {
		receiverId = NormalizeParticipantId(receiverId)
	} else {
		landlordId, landlordOk := stringField(doc.Fields, FieldLandlordId)
		tenantId, tenantOk := stringField(doc.Fields, FieldTenantId)
		if !landlordOk || !tenantOk {
			glog.V(1).Infof("[decode]skip message %s: no receiver\n", doc.Id)
			return nil, false
		}
		landlordId = NormalizeParticipantId(landlordId)
		tenantId = NormalizeParticipantId(tenantId)
		switch senderId {
		case landlordId:
			receiverId = tenantId
		case tenantId:
			receiverId = landlordId
		default:
			glog.V(1).Infof("[decode]skip message %s: sender not a participant\n", doc.Id)
			return nil, false
		}
	}

	senderRole := RoleTenant
	if roleStr, ok := stringField(doc.Fields, FieldSenderRole); ok {
		switch Role(roleStr) {
		case RoleTenant, RoleLandlord, RoleContractor:
			senderRole = Role(roleStr)
		default:
			glog.V(1).Infof("[decode]skip message %s: unknown role %s\n", doc.Id, roleStr)
			return nil, false
		}
	}

	senderName, _ := stringField(doc.Fields, FieldSenderName)
	text, _ := stringField(doc.Fields, FieldText)
	ticketId, _ := stringField(doc.Fields, FieldTicketId)

	return &Message{
		Id:                doc.Id,
		SenderId:          senderId,
		ReceiverId:        receiverId,
		SenderDisplayName: senderName,
		SenderRole:        senderRole,
		Text:              text,
		TicketId:          ticketId,
		Timestamp:         timestamp,
		ReadBy:            stringSetField(doc.Fields, FieldReadBy),
	}, true
}

// DecodeConnection. Absent `requestedBy` defaults to the tenant; connection
// requests predate landlord-initiated requests.
func DecodeConnection(doc *Document) (*Connection, bool) {
	landlordId, ok := stringField(doc.Fields, FieldLandlordId)
	if !ok {
		glog.V(1).Infof("[decode]skip connection %s: no landlord\n", doc.Id)
		return nil, false
	}
	tenantId, ok := stringField(doc.Fields, FieldTenantId)
	if !ok {
		glog.V(1).Infof("[decode]skip connection %s: no tenant\n", doc.Id)
		return nil, false
	}
	statusStr, ok := stringField(doc.Fields, FieldStatus)
	if !ok {
		glog.V(1).Infof("[decode]skip connection %s: no status\n", doc.Id)
		return nil, false
	}
	status := ConnectionStatus(statusStr)
	switch status {
	case ConnectionStatusPending, ConnectionStatusConnected, ConnectionStatusRejected:
	default:
		glog.V(1).Infof("[decode]skip connection %s: unknown status %s\n", doc.Id, statusStr)
		return nil, false
	}

	landlordId = NormalizeParticipantId(landlordId)
	tenantId = NormalizeParticipantId(tenantId)

	requestedBy, ok := stringField(doc.Fields, FieldRequestedBy)
	if ok {
		requestedBy = NormalizeParticipantId(requestedBy)
	} else {
		requestedBy = tenantId
	}

	requestedAt, _ := stringField(doc.Fields, FieldRequestedAt)
	confirmedAt, _ := stringField(doc.Fields, FieldConfirmedAt)

	return &Connection{
		Id:          doc.Id,
		LandlordId:  landlordId,
		TenantId:    tenantId,
		Status:      status,
		RequestedBy: requestedBy,
		RequestedAt: requestedAt,
		ConfirmedAt: confirmedAt,
	}, true
}

// DecodeApplication. A rating of 0 is a real rating, not unset; only a
// missing field decodes to nil.
func DecodeApplication(doc *Document) (*Application, bool) {
	ticketId, ok := stringField(doc.Fields, FieldTicketId)
	if !ok {
		glog.V(1).Infof("[decode]skip application %s: no ticket\n", doc.Id)
		return nil, false
	}
	contractorId, ok := stringField(doc.Fields, FieldContractorId)
	if !ok {
		glog.V(1).Infof("[decode]skip application %s: no contractor\n", doc.Id)
		return nil, false
	}
	statusStr, ok := stringField(doc.Fields, FieldStatus)
	if !ok {
		glog.V(1).Infof("[decode]skip application %s: no status\n", doc.Id)
		return nil, false
	}
	status := ApplicationStatus(statusStr)
	switch status {
	case ApplicationStatusPending, ApplicationStatusAccepted, ApplicationStatusRejected:
	default:
		glog.V(1).Infof("[decode]skip application %s: unknown status %s\n", doc.Id, statusStr)
		return nil, false
	}

	var rating *float64
	if value, ok := floatField(doc.Fields, FieldRating); ok {
		rating = &value
	}

	contractorName, _ := stringField(doc.Fields, FieldContractorName)
	contractorEmail, _ := stringField(doc.Fields, FieldContractorEmail)
	appliedAt, _ := stringField(doc.Fields, FieldAppliedAt)

	return &Application{
		Id:              doc.Id,
		TicketId:        ticketId,
		ContractorId:    NormalizeParticipantId(contractorId),
		ContractorName:  contractorName,
		ContractorEmail: contractorEmail,
		Rating:          rating,
		AppliedAt:       appliedAt,
		Status:          status,
	}, true
}

// DecodeInvitation. Invitations sent before the contractor had an account
// carry only the contractor's email; either identifier alone is enough.
func DecodeInvitation(doc *Document) (*Invitation, bool) {
	ticketId, ok := stringField(doc.Fields, FieldTicketId)
	if !ok {
		glog.V(1).Infof("[decode]skip invitation %s: no ticket\n", doc.Id)
		return nil, false
	}
	contractorId, _ := stringField(doc.Fields, FieldContractorId)
	contractorEmail, _ := stringField(doc.Fields, FieldContractorEmail)
	if contractorId == "" && contractorEmail == "" {
		glog.V(1).Infof("[decode]skip invitation %s: no contractor\n", doc.Id)
		return nil, false
	}
	statusStr, ok := stringField(doc.Fields, FieldStatus)
	if !ok {
		glog.V(1).Infof("[decode]skip invitation %s: no status\n", doc.Id)
		return nil, false
	}
	status := InvitationStatus(statusStr)
	switch status {
	case InvitationStatusPending, InvitationStatusAccepted, InvitationStatusDeclined:
	default:
		glog.V(1).Infof("[decode]skip invitation %s: unknown status %s\n", doc.Id, statusStr)
		return nil, false
	}

	landlordEmail, _ := stringField(doc.Fields, FieldLandlordEmail)
	invitedAt, _ := stringField(doc.Fields, FieldInvitedAt)

	return &Invitation{
		Id:              doc.Id,
		TicketId:        ticketId,
		ContractorId:    NormalizeParticipantId(contractorId),
		ContractorEmail: contractorEmail,
		LandlordEmail:   landlordEmail,
		InvitedAt:       invitedAt,
		Status:          status,
	}, true
}
