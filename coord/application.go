package coord

import (
	"context"
	"fmt"
	"sync"
)

// ApplicationMachine issues write intents for contractor job applications.
// One application exists per (ticket, contractor) pair, enforced by the
// composite id. The machine does not enforce ticket-level exclusivity
// (at most one ACCEPTED per ticket); that invariant belongs to the caller.
type ApplicationMachine struct {
	store  DocumentStore
	engine *MergeEngine[*Application]

	stateLock sync.Mutex
	issued    map[string]*Application
}

func NewApplicationMachine(store DocumentStore, engine *MergeEngine[*Application]) *ApplicationMachine {
	return &ApplicationMachine{
		store:  store,
		engine: engine,
		issued: map[string]*Application{},
	}
}

type ApplicationArgs struct {
	TicketId        string
	ContractorId    string
	ContractorName  string
	ContractorEmail string
	// nil means unrated; 0 is a real rating and is written as 0
	Rating *float64
}

// Create submits an application. Re-applying overwrites the same record.
func (self *ApplicationMachine) Create(ctx context.Context, args *ApplicationArgs) (*Application, error) {
	application := &Application{
		Id:              ApplicationId(args.TicketId, args.ContractorId),
		TicketId:        args.TicketId,
		ContractorId:    NormalizeParticipantId(args.ContractorId),
		ContractorName:  args.ContractorName,
		ContractorEmail: args.ContractorEmail,
		Rating:          args.Rating,
		AppliedAt:       NowTimestamp(),
		Status:          ApplicationStatusPending,
	}

	fields := map[string]any{
		FieldTicketId:        application.TicketId,
		FieldContractorId:    application.ContractorId,
		FieldContractorName:  application.ContractorName,
		FieldContractorEmail: application.ContractorEmail,
		FieldAppliedAt:       application.AppliedAt,
		FieldStatus:          string(application.Status),
	}
	if application.Rating != nil {
		fields[FieldRating] = *application.Rating
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.store.Set(ctx, CollectionApplications, application.Id, fields); err != nil {
		return nil, err
	}
	self.issued[application.Id] = application
	return application, nil
}

// must be called with `stateLock`
func (self *ApplicationMachine) current(id string) *Application {
	var observed *Application
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

// Transition accepts or rejects one application. A stale expected prior
// status is refused as a no-op.
func (self *ApplicationMachine) Transition(
	ctx context.Context,
	id string,
	expectedPrior ApplicationStatus,
	next ApplicationStatus,
) error {
	if expectedPrior != ApplicationStatusPending || !next.IsTerminal() {
		return fmt.Errorf("invalid application transition %s -> %s", expectedPrior, next)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	application := self.current(id)
	if application == nil || application.Status != expectedPrior {
		actual := ""
		if application != nil {
			actual = string(application.Status)
		}
		return &StaleTransitionError{
			Id:       id,
			Expected: string(expectedPrior),
			Actual:   actual,
		}
	}

	err := self.store.Update(ctx, CollectionApplications, id, map[string]any{
		FieldStatus: string(next),
	})
	if err != nil {
		return err
	}

	applied := *application
	applied.Status = next
	self.issued[id] = &applied
	return nil
}
