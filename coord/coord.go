package coord

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// participant roles in a property
type Role string

const (
	RoleTenant     Role = "tenant"
	RoleLandlord   Role = "landlord"
	RoleContractor Role = "contractor"
)

// NormalizeParticipantId folds a participant identifier to its canonical form.
// Every identifier must pass through here before it is used as a filter value
// or as a component of a composite id. A missed normalization shows up as a
// silently empty result set, not an error.
func NormalizeParticipantId(participantId string) string {
	return strings.ToLower(strings.TrimSpace(participantId))
}

// ConnectionId is the composite id for the at-most-one connection record
// per (landlord, tenant) pair. Creating a request for an existing id
// overwrites rather than duplicates.
func ConnectionId(landlordId string, tenantId string) string {
	return fmt.Sprintf(
		"%s_%s",
		NormalizeParticipantId(landlordId),
		NormalizeParticipantId(tenantId),
	)
}

// one application per (ticket, contractor)
func ApplicationId(ticketId string, contractorId string) string {
	return fmt.Sprintf(
		"%s_%s",
		strings.TrimSpace(ticketId),
		NormalizeParticipantId(contractorId),
	)
}

// one invitation per (ticket, contractor, landlord)
func InvitationId(ticketId string, contractorId string, landlordId string) string {
	return fmt.Sprintf(
		"%s_%s_%s",
		strings.TrimSpace(ticketId),
		NormalizeParticipantId(contractorId),
		NormalizeParticipantId(landlordId),
	)
}

// Timestamps are persisted as fixed-width UTC ISO-8601 strings so that
// lexicographic order equals chronological order. This is load-bearing:
// the merge order is a string sort. `time.RFC3339Nano` drops trailing
// zeros and breaks the equivalence, so a fixed layout is used instead.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func NowTimestamp() string {
	return Timestamp(time.Now())
}

// comparable
type Id [16]byte

// ulids are ordered by create time. Messages from the same sender sort
// stably by id when their timestamps tie.
func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func RequireId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[:], other[:]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id json: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
