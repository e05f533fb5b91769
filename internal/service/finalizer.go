package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/models"
)

// Finalize resolves a repaired ticket. It refuses with a PreconditionError
// unless proof is attached, the branch has confirmed completion and the repair
// start is known. The engineer is released in the same transaction.
// Finalizing an already resolved ticket returns it unchanged.
func (s *TicketService) Finalize(ctx context.Context, ticketID, summary string, partsUsed []string) (models.Ticket, error) {
	var (
		out      models.Ticket
		released *models.Engineer
		noop     bool
	)
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.Status == models.StatusResolved {
			out, noop = t, true
			return nil
		}
		if err := checkFinalizable(t); err != nil {
			return err
		}
		start, ok := s.repairStart(t)
		if !ok {
			return models.Precondition(t.ID, "repair start time is unknown")
		}

		now := s.now()
		minutes := int(now.Sub(start) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		summary = strings.TrimSpace(summary)
		status := models.StatusResolved
		next, err := tx.PatchTicket(ctx, t.ID, models.TicketPatch{
			ExpectedVersion: &t.Version,
			Status:          &status,
			Resolution: &models.ResolutionPatch{
				Summary:          &summary,
				ResolvedAt:       &now,
				TimeSpentMinutes: &minutes,
				PartsUsed:        partsUsed,
			},
		})
		if err != nil {
			return err
		}
		released, _, err = syncEngineer(ctx, tx, t, next)
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrPreconditionFailed) {
			s.Metrics.Finalize("refused")
			s.Logger.Warn().Err(err).Str("ticket_id", ticketID).Msg("finalize refused")
		} else {
			s.Metrics.Finalize("error")
		}
		return models.Ticket{}, err
	}
	if noop {
		return out, nil
	}

	s.Timers.Clear(ticketID)
	s.Metrics.Finalize("resolved")
	minutes := 0
	if out.Resolution != nil {
		minutes = out.Resolution.TimeSpentMinutes
	}
	s.Logger.Info().Str("ticket_id", out.ID).Int("time_spent_minutes", minutes).Msg("ticket finalized")
	s.publish(ctx, events.TicketFinalized, out, "")
	if released != nil {
		s.publishEngineer(ctx, events.EngineerReleased, *released, out.ID)
	}
	return out, nil
}

func checkFinalizable(t models.Ticket) error {
	if !t.HasProof() {
		return models.Precondition(t.ID, "proof of work has not been uploaded")
	}
	if !t.IsBranchConfirmed() {
		return models.Precondition(t.ID, "branch has not confirmed completion")
	}
	if t.Status != models.StatusInProgress {
		return models.Precondition(t.ID, fmt.Sprintf("ticket must be IN_PROGRESS to finalize, is %s", t.Status))
	}
	return nil
}

// repairStart prefers the instant this process saw verification succeed and
// falls back to the persisted verification stamp.
func (s *TicketService) repairStart(t models.Ticket) (time.Time, bool) {
	if at, ok := s.Timers.StartedAt(t.ID); ok {
		return at, true
	}
	if t.IsVerified() {
		return *t.Verification.VerifiedAt, true
	}
	return time.Time{}, false
}
