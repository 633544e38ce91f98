package coord

import (
	"context"
	"fmt"
	"sync"
)

// InvitationMachine issues write intents for landlord->contractor job
// invitations. One invitation exists per (ticket, contractor, landlord)
// tuple, enforced by the composite id.
type InvitationMachine struct {
	store  DocumentStore
	engine *MergeEngine[*Invitation]

	stateLock sync.Mutex
	issued    map[string]*Invitation
}

func NewInvitationMachine(store DocumentStore, engine *MergeEngine[*Invitation]) *InvitationMachine {
	return &InvitationMachine{
		store:  store,
		engine: engine,
		issued: map[string]*Invitation{},
	}
}

type InvitationArgs struct {
	TicketId        string
	ContractorId    string
	ContractorEmail string
	LandlordId      string
	LandlordEmail   string
}

// Create sends an invitation. Re-inviting overwrites the same record.
func (self *InvitationMachine) Create(ctx context.Context, args *InvitationArgs) (*Invitation, error) {
	invitation := &Invitation{
		Id:              InvitationId(args.TicketId, args.ContractorId, args.LandlordId),
		TicketId:        args.TicketId,
		ContractorId:    NormalizeParticipantId(args.ContractorId),
		ContractorEmail: NormalizeParticipantId(args.ContractorEmail),
		LandlordEmail:   NormalizeParticipantId(args.LandlordEmail),
		InvitedAt:       NowTimestamp(),
		Status:          InvitationStatusPending,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	err := self.store.Set(ctx, CollectionInvitations, invitation.Id, map[string]any{
		FieldTicketId:        invitation.TicketId,
		FieldContractorId:    invitation.ContractorId,
		FieldContractorEmail: invitation.ContractorEmail,
		FieldLandlordEmail:   invitation.LandlordEmail,
		FieldInvitedAt:       invitation.InvitedAt,
		FieldStatus:          string(invitation.Status),
	})
	if err != nil {
		return nil, err
	}
	self.issued[invitation.Id] = invitation
	return invitation, nil
}

// must be called with `stateLock`
func (self *InvitationMachine) current(id string) *Invitation {
	var observed *Invitation
	for _, candidate := range self.engine.Current() {
		if candidate.Id == id {
			observed = candidate
			break
		}
	}

	if issued, ok := self.issued[id]; ok {
		if observed != nil && observed.Status == issued.Status {
			delete(self.issued, id)
			return observed
		}
		return issued
	}
	return observed
}

// Transition accepts or declines one invitation. A stale expected prior
// status is refused as a no-op.
func (self *InvitationMachine) Transition(
	ctx context.Context,
	id string,
	expectedPrior InvitationStatus,
	next InvitationStatus,
) error {
	if expectedPrior != InvitationStatusPending || !next.IsTerminal() {
		return fmt.Errorf("invalid invitation transition %s -> %s", expectedPrior, next)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	invitation := self.current(id)
	if invitation == nil || invitation.Status != expectedPrior {
		actual := ""
		if invitation != nil {
			actual = string(invitation.Status)
		}
		return &StaleTransitionError{
			Id:       id,
			Expected: string(expectedPrior),
			Actual:   actual,
		}
	}

	err := self.store.Update(ctx, CollectionInvitations, id, map[string]any{
		FieldStatus: string(next),
	})
	if err != nil {
		return err
	}

	applied := *invitation
	applied.Status = next
	self.issued[id] = &applied
	return nil
}
