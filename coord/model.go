package coord

// Entities cached by the engine for the duration of an active subscription.
// All of them are owned by the remote store; the engine only holds the latest
// observed value per id.

// Record is anything the merge engine can deduplicate and order.
type Record interface {
	RecordId() string
	// fixed-width ISO-8601 UTC, see TimestampLayout
	RecordTimestamp() string
}

// Message is immutable once created except for ReadBy, which only grows.
type Message struct {
	Id                string
	SenderId          string
	ReceiverId        string
	SenderDisplayName string
	SenderRole        Role
	Text              string
	// partition key for ticket-scoped contractor<->landlord threads,
	// empty for direct tenant<->landlord messages
	TicketId  string
	Timestamp string
	ReadBy    map[string]bool
}

func (self *Message) RecordId() string {
	return self.Id
}

func (self *Message) RecordTimestamp() string {
	return self.Timestamp
}

func (self *Message) IsReadBy(participantId string) bool {
	return self.ReadBy[NormalizeParticipantId(participantId)]
}

// connection state machine is:
// ConnectionStatusPending
//
//	-> ConnectionStatusConnected (terminal)
//	-> ConnectionStatusRejected (terminal, record is deleted)
type ConnectionStatus string

const (
	ConnectionStatusPending   ConnectionStatus = "PENDING"
	ConnectionStatusConnected ConnectionStatus = "CONNECTED"
	ConnectionStatusRejected  ConnectionStatus = "REJECTED"
)

func (self ConnectionStatus) IsTerminal() bool {
	switch self {
	case ConnectionStatusConnected, ConnectionStatusRejected:
		return true
	default:
		return false
	}
}

// Connection is the at-most-one relationship record per (landlord, tenant)
// pair. Its id is ConnectionId(landlordId, tenantId); the id collision is
// the dedup mechanism for repeated requests.
type Connection struct {
	Id          string
	LandlordId  string
	TenantId    string
	Status      ConnectionStatus
	RequestedBy string
	RequestedAt string
	ConfirmedAt string
}

func (self *Connection) RecordId() string {
	return self.Id
}

func (self *Connection) RecordTimestamp() string {
	return self.RequestedAt
}

// application state machine is:
// ApplicationStatusPending
//
//	-> ApplicationStatusAccepted (terminal)
//	-> ApplicationStatusRejected (terminal)
type ApplicationStatus string

const (
	ApplicationStatusPending  ApplicationStatus = "PENDING"
	ApplicationStatusAccepted ApplicationStatus = "ACCEPTED"
	ApplicationStatusRejected ApplicationStatus = "REJECTED"
)

func (self ApplicationStatus) IsTerminal() bool {
	switch self {
	case ApplicationStatusAccepted, ApplicationStatusRejected:
		return true
	default:
		return false
	}
}

// Application is one contractor's bid on one ticket. Many may exist per
// ticket. The engine does not enforce at-most-one accepted per ticket;
// that is the caller's invariant.
type Application struct {
	Id              string
	TicketId        string
	ContractorId    string
	ContractorName  string
	ContractorEmail string
	// contractor rating at apply time. nil means unset; 0 is a real rating.
	Rating    *float64
	AppliedAt string
	Status    ApplicationStatus
}

func (self *Application) RecordId() string {
	return self.Id
}

func (self *Application) RecordTimestamp() string {
	return self.AppliedAt
}

// invitation state machine is:
// InvitationStatusPending
//
//	-> InvitationStatusAccepted (terminal)
//	-> InvitationStatusDeclined (terminal)
type InvitationStatus string

const (
	InvitationStatusPending  InvitationStatus = "PENDING"
	InvitationStatusAccepted InvitationStatus = "ACCEPTED"
	InvitationStatusDeclined InvitationStatus = "DECLINED"
)

func (self InvitationStatus) IsTerminal() bool {
	switch self {
	case InvitationStatusAccepted, InvitationStatusDeclined:
		return true
	default:
		return false
	}
}

// Invitation is a landlord inviting one contractor to one ticket.
type Invitation struct {
	Id              string
	TicketId        string
	ContractorId    string
	ContractorEmail string
	LandlordEmail   string
	InvitedAt       string
	Status          InvitationStatus
}

func (self *Invitation) RecordId() string {
	return self.Id
}

func (self *Invitation) RecordTimestamp() string {
	return self.InvitedAt
}
