package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/models"
)

func TestDispatchBindsExactlyOneEngineer(t *testing.T) {
	f := newFixture(t)
	f.addEngineer(t, "eng-near", 6.4302, 3.4202, 0.6)
	f.addEngineer(t, "eng-far", 6.60, 3.30, 0.95)
	ctx := context.Background()

	res := f.dispatch(t)
	assert.Equal(t, "TKT-001", res.Ticket.ID)
	assert.Equal(t, models.StatusAssigned, res.Ticket.Status)
	require.NotNil(t, res.Ticket.EngineerID)
	assert.Equal(t, "eng-near", *res.Ticket.EngineerID)
	assert.Len(t, res.Candidates, 2)

	engineers, err := f.store.ListEngineers(ctx)
	require.NoError(t, err)
	busy := 0
	for _, e := range engineers {
		if e.Status != models.EngineerBusy {
			continue
		}
		busy++
		require.NotNil(t, e.OngoingTask)
		assert.Equal(t, res.Ticket.ID, *e.OngoingTask)
		assert.Equal(t, *res.Ticket.EngineerID, e.ID)
	}
	assert.Equal(t, 1, busy)
	assert.Equal(t, []string{events.TicketCreated, events.TicketDispatched, events.EngineerAssigned}, f.events.types())
}

func TestDispatchNoCapacityWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.addEngineer(t, "eng-break", 6.4302, 3.4202, 0.6)
	ctx := context.Background()
	_, err := f.store.SetEngineerStatus(ctx, "eng-break", models.EngineerOnBreak)
	require.NoError(t, err)

	before, err := f.store.ListEngineers(ctx)
	require.NoError(t, err)

	_, err = f.svc.Dispatch(ctx, models.DispatchRequest{MachineID: testMachine})
	assert.True(t, errors.Is(err, models.ErrNoCapacity), "got %v", err)

	count, err := f.store.CountTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	after, err := f.store.ListEngineers(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.events.types())
}

func TestDispatchWithZeroEngineers(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Dispatch(context.Background(), models.DispatchRequest{MachineID: testMachine})
	assert.ErrorIs(t, err, models.ErrNoCapacity)
}

func TestDispatchUnknownMachine(t *testing.T) {
	f := newFixture(t)
	f.addEngineer(t, "eng-1", 6.43, 3.42, 0.5)
	ctx := context.Background()

	_, err := f.svc.Dispatch(ctx, models.DispatchRequest{MachineID: "ATM-NOPE"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	count, err := f.store.CountTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	e, err := f.store.GetEngineer(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, models.EngineerAvailable, e.Status)
}

func TestDispatchExistingOpenTicket(t *testing.T) {
	f := newFixture(t)
	f.addEngineer(t, "eng-1", 6.43, 3.42, 0.5)
	ctx := context.Background()

	open, err := f.svc.CreateTicket(ctx, models.Ticket{MachineID: testMachine, Origin: models.OriginCustomer, Description: "card stuck"})
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, open.Status)

	res, err := f.svc.Dispatch(ctx, models.DispatchRequest{TicketID: open.ID})
	require.NoError(t, err)
	assert.Equal(t, open.ID, res.Ticket.ID)
	assert.Equal(t, models.StatusAssigned, res.Ticket.Status)
	assert.Equal(t, "card stuck", res.Ticket.Description)

	_, err = f.svc.Dispatch(ctx, models.DispatchRequest{TicketID: open.ID})
	assert.ErrorIs(t, err, models.ErrNoCapacity)
}

func TestDispatchRefusesNonOpenTicket(t *testing.T) {
	f := newFixture(t)
	f.addEngineer(t, "eng-1", 6.43, 3.42, 0.5)
	f.addEngineer(t, "eng-2", 6.43, 3.42, 0.5)
	ctx := context.Background()

	res := f.dispatch(t)
	_, err := f.svc.Dispatch(ctx, models.DispatchRequest{TicketID: res.Ticket.ID})
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
}

func TestDispatchRequestFromAlert(t *testing.T) {
	req, err := DispatchRequestFromAlert(models.Alert{MachineID: " ATM-LAG-01 ", Category: models.CategoryDispenser, Message: "dispenser fault 0x21"})
	require.NoError(t, err)
	assert.Equal(t, "ATM-LAG-01", req.MachineID)
	assert.Equal(t, models.OriginSystem, req.Origin)
	assert.Equal(t, models.SeverityMedium, req.Severity)
	assert.Equal(t, "dispenser fault 0x21", req.Description)

	_, err = DispatchRequestFromAlert(models.Alert{})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = DispatchRequestFromAlert(models.Alert{MachineID: "ATM-1", Severity: "URGENT"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

// failingStore hands WithinTx callers a repository whose engineer binding fails.
type failingStore struct {
	*db.MemoryStore
	err error
}

func (s failingStore) WithinTx(ctx context.Context, fn func(tx db.Repository) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx db.Repository) error {
		return fn(failingRepo{Repository: tx, err: s.err})
	})
}

type failingRepo struct {
	db.Repository
	err error
}

func (r failingRepo) AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Engineer, error) {
	return models.Engineer{}, r.err
}

func TestDispatchRollsBackWhenEngineerBindingFails(t *testing.T) {
	f := newFixture(t)
	f.addEngineer(t, "eng-1", 6.4302, 3.4202, 0.6)
	ctx := context.Background()
	boom := errors.New("engineer row write failed")
	f.svc.Store = failingStore{MemoryStore: f.store, err: boom}

	_, err := f.svc.Dispatch(ctx, models.DispatchRequest{MachineID: testMachine})
	assert.ErrorIs(t, err, boom)

	count, err := f.store.CountTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	e, err := f.store.GetEngineer(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, models.EngineerAvailable, e.Status)
	assert.Nil(t, e.OngoingTask)
	assert.Empty(t, f.events.types())

	f.svc.Store = f.store
	res := f.dispatch(t)
	assert.Equal(t, "TKT-001", res.Ticket.ID)
}
