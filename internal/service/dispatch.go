package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/models"
)

type DispatchResult struct {
	Ticket     models.Ticket    `json:"ticket"`
	Engineer   models.Engineer  `json:"engineer"`
	Candidates []RankedEngineer `json:"candidates"`
}

// Dispatch binds the best ranked available engineer to a ticket. With an empty
// TicketID a new ticket is created for the machine; otherwise the named OPEN
// ticket is assigned. Ticket and engineer writes commit together. When nobody
// is available it fails with ErrNoCapacity and nothing is written.
func (s *TicketService) Dispatch(ctx context.Context, req models.DispatchRequest) (DispatchResult, error) {
	var (
		res     DispatchResult
		created bool
	)
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		claimed, err := tx.ClaimAvailableEngineers(ctx)
		if err != nil {
			return err
		}
		eligibility := FilterAvailableEngineers(claimed)
		if len(eligibility.Eligible) == 0 {
			return noCapacity(ctx, tx)
		}

		var ticket models.Ticket
		if req.TicketID != "" {
			ticket, err = tx.GetTicket(ctx, req.TicketID)
			if err != nil {
				return err
			}
			if ticket.Status != models.StatusOpen {
				return models.Precondition(ticket.ID, fmt.Sprintf("only OPEN tickets can be dispatched, ticket is %s", ticket.Status))
			}
		}
		machineID := req.MachineID
		if ticket.ID != "" {
			machineID = ticket.MachineID
		}
		machine, err := tx.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		if ticket.ID == "" {
			ticket, err = tx.CreateTicket(ctx, models.Ticket{
				MachineID:   machine.ID,
				Origin:      req.Origin,
				Category:    req.Category,
				Severity:    req.Severity,
				Description: req.Description,
				Status:      models.StatusOpen,
			})
			if err != nil {
				return err
			}
			created = true
		}

		pick, ranked, _ := PickEngineer(ticket.ID, machinePosition(machine), eligibility.Eligible, s.RankingBucketKm)
		engineerID := pick.Engineer.ID
		status := models.StatusAssigned
		assigned, err := tx.PatchTicket(ctx, ticket.ID, models.TicketPatch{
			ExpectedVersion: &ticket.Version,
			EngineerID:      &engineerID,
			Status:          &status,
		})
		if err != nil {
			return err
		}
		_, engineer, err := syncEngineer(ctx, tx, ticket, assigned)
		if err != nil {
			return err
		}
		res = DispatchResult{Ticket: assigned, Engineer: *engineer, Candidates: ranked}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNoCapacity) {
			s.Metrics.Dispatch("no_capacity")
			s.Logger.Warn().Str("machine_id", req.MachineID).Str("ticket_id", req.TicketID).Msg("dispatch refused: no capacity")
		} else {
			s.Metrics.Dispatch("error")
			s.Logger.Warn().Err(err).Str("machine_id", req.MachineID).Str("ticket_id", req.TicketID).Msg("dispatch failed")
		}
		return DispatchResult{}, err
	}

	s.Metrics.Dispatch("assigned")
	s.Logger.Info().
		Str("ticket_id", res.Ticket.ID).
		Str("engineer_id", res.Engineer.ID).
		Int("candidates", len(res.Candidates)).
		Msg("ticket dispatched")
	if created {
		s.publish(ctx, events.TicketCreated, res.Ticket, "")
	}
	s.publish(ctx, events.TicketDispatched, res.Ticket, "")
	s.publishEngineer(ctx, events.EngineerAssigned, res.Engineer, res.Ticket.ID)
	return res, nil
}

// noCapacity explains an empty claim using the full roster.
func noCapacity(ctx context.Context, tx db.Repository) error {
	all, err := tx.ListEngineers(ctx)
	if err != nil {
		return err
	}
	eligibility := FilterAvailableEngineers(all)
	if len(eligibility.Eligible) > 0 {
		eligibility.ReasonText = "Every available engineer is being dispatched elsewhere"
	}
	return fmt.Errorf("%s: %w", eligibility.ReasonText, models.ErrNoCapacity)
}
