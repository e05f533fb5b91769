package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/models"
)

func newMemory(t *testing.T) (*MemoryStore, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	_, err := s.UpsertMachine(context.Background(), models.Machine{ID: "ATM-1", Name: "Lobby"})
	require.NoError(t, err)
	return s, clk
}

func TestMemoryCreateAssignsIDsAndTimestamps(t *testing.T) {
	s, clk := newMemory(t)
	ctx := context.Background()

	first, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1"})
	require.NoError(t, err)

	assert.Equal(t, "TKT-001", first.ID)
	assert.Equal(t, "TKT-002", second.ID)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, models.StatusOpen, first.Status)
	assert.Equal(t, models.CategoryOther, first.Category)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	list, err := s.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "TKT-002", list[0].ID)
}

func TestMemoryCreateRejectsBadShapes(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()

	_, err := s.CreateTicket(ctx, models.Ticket{})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-404"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1", Status: models.StatusResolved})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1", Status: models.StatusAssigned})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryPatchUnknownTicket(t *testing.T) {
	s, _ := newMemory(t)
	_, err := s.PatchTicket(context.Background(), "TKT-999", models.TicketPatch{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryQueries(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	_, err := s.UpsertMachine(ctx, models.Machine{ID: "ATM-2"})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1"})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-2"})
	require.NoError(t, err)

	byMachine, err := TicketsByMachine(ctx, s, "ATM-2")
	require.NoError(t, err)
	require.Len(t, byMachine, 1)
	assert.Equal(t, "TKT-002", byMachine[0].ID)

	byStatus, err := TicketsByStatus(ctx, s, models.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	page, err := s.ListTickets(ctx, models.TicketFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "TKT-001", page[0].ID)
}

func TestMemoryReturnsCopies(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	created, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1", Description: "jam"})
	require.NoError(t, err)

	created.Description = "mutated"
	got, err := s.GetTicket(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "jam", got.Description)
}

func TestMemoryWithinTxRollsBack(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	_, err := s.UpsertEngineer(ctx, models.Engineer{ID: "eng-1"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(tx Repository) error {
		tk, err := tx.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1"})
		if err != nil {
			return err
		}
		status := models.StatusAssigned
		eng := "eng-1"
		if _, err := tx.PatchTicket(ctx, tk.ID, models.TicketPatch{Status: &status, EngineerID: &eng}); err != nil {
			return err
		}
		if _, err := tx.AssignEngineer(ctx, "eng-1", tk.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := s.CountTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	e, err := s.GetEngineer(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, models.EngineerAvailable, e.Status)
	assert.Nil(t, e.OngoingTask)

	// The rolled back sequence value is reused.
	tk, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1"})
	require.NoError(t, err)
	assert.Equal(t, "TKT-001", tk.ID)
}

func TestMemoryAssignAndRelease(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	_, err := s.UpsertEngineer(ctx, models.Engineer{ID: "eng-1"})
	require.NoError(t, err)
	open, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1"})
	require.NoError(t, err)

	_, err = s.AssignEngineer(ctx, "eng-1", open.ID)
	assert.ErrorIs(t, err, models.ErrPreconditionFailed, "OPEN tickets cannot hold an engineer")

	status := models.StatusAssigned
	eng := "eng-1"
	_, err = s.PatchTicket(ctx, open.ID, models.TicketPatch{Status: &status, EngineerID: &eng})
	require.NoError(t, err)

	e, err := s.AssignEngineer(ctx, "eng-1", open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EngineerBusy, e.Status)
	again, err := s.AssignEngineer(ctx, "eng-1", open.ID)
	require.NoError(t, err)
	assert.Equal(t, e, again)

	other, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1", Status: models.StatusAssigned, EngineerID: &eng})
	require.NoError(t, err)
	_, err = s.AssignEngineer(ctx, "eng-1", other.ID)
	assert.ErrorIs(t, err, models.ErrEngineerUnavailable)

	_, err = s.SetEngineerStatus(ctx, "eng-1", models.EngineerOnBreak)
	assert.ErrorIs(t, err, models.ErrEngineerUnavailable)

	released, err := s.ReleaseEngineer(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, models.EngineerAvailable, released.Status)
	assert.Nil(t, released.OngoingTask)
}

func TestMemoryClaimAvailableEngineers(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	for _, id := range []string{"eng-3", "eng-1", "eng-2"} {
		_, err := s.UpsertEngineer(ctx, models.Engineer{ID: id})
		require.NoError(t, err)
	}
	_, err := s.SetEngineerStatus(ctx, "eng-2", models.EngineerOnBreak)
	require.NoError(t, err)

	var ids []string
	err = s.WithinTx(ctx, func(tx Repository) error {
		claimed, err := tx.ClaimAvailableEngineers(ctx)
		for _, e := range claimed {
			ids = append(ids, e.ID)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"eng-1", "eng-3"}, ids)

	all, err := s.ListEngineers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryUpsertEngineerKeepsAssignment(t *testing.T) {
	s, _ := newMemory(t)
	ctx := context.Background()
	eng := "eng-1"
	_, err := s.UpsertEngineer(ctx, models.Engineer{ID: eng, Name: "Ada"})
	require.NoError(t, err)
	tk, err := s.CreateTicket(ctx, models.Ticket{MachineID: "ATM-1", Status: models.StatusAssigned, EngineerID: &eng})
	require.NoError(t, err)
	_, err = s.AssignEngineer(ctx, eng, tk.ID)
	require.NoError(t, err)

	out, err := s.UpsertEngineer(ctx, models.Engineer{ID: eng, Name: "Ada O.", Status: models.EngineerAvailable})
	require.NoError(t, err)
	assert.Equal(t, "Ada O.", out.Name)
	assert.Equal(t, models.EngineerBusy, out.Status)
	require.NotNil(t, out.OngoingTask)
	assert.Equal(t, tk.ID, *out.OngoingTask)

	_, err = s.SetEngineerStatus(ctx, eng, models.EngineerBusy)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryUpdateEngineerPosition(t *testing.T) {
	s, clk := newMemory(t)
	ctx := context.Background()
	_, err := s.UpsertEngineer(ctx, models.Engineer{ID: "eng-1"})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	e, err := s.UpdateEngineerPosition(ctx, "eng-1", models.Position{Lat: 6.43, Lng: 3.42})
	require.NoError(t, err)
	assert.Equal(t, 6.43, e.Lat)
	assert.Equal(t, clk.Now(), e.UpdatedAt)

	_, err = s.UpdateEngineerPosition(ctx, "eng-404", models.Position{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
