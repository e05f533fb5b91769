package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/geocode"
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/storage"
)

// CreateTicket stores an operator-created ticket. A ticket created ASSIGNED
// marks its engineer busy in the same transaction.
func (s *TicketService) CreateTicket(ctx context.Context, t models.Ticket) (models.Ticket, error) {
	var out models.Ticket
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		created, err := tx.CreateTicket(ctx, t)
		if err != nil {
			return err
		}
		if _, _, err := syncEngineer(ctx, tx, models.Ticket{}, created); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.Logger.Info().Str("ticket_id", out.ID).Str("machine_id", out.MachineID).Msg("ticket created")
	s.publish(ctx, events.TicketCreated, out, "")
	return out, nil
}

// PatchTicket applies a partial update. Engineer bindings follow the patched
// status and engineer id. Fields owned by the gated actions (arrival,
// verification, proof, branch confirmation, finalize) are refused here.
func (s *TicketService) PatchTicket(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error) {
	if err := checkGenericPatch(id, p); err != nil {
		s.Logger.Warn().Err(err).Str("ticket_id", id).Msg("patch refused")
		return models.Ticket{}, err
	}
	out, err := s.patch(ctx, id, p)
	if err != nil {
		return models.Ticket{}, err
	}
	s.publish(ctx, events.TicketPatched, out, "")
	return out, nil
}

func checkGenericPatch(id string, p models.TicketPatch) error {
	switch {
	case p.GeoValidation != nil:
		return models.Precondition(id, "arrival is recorded through the arrival action")
	case p.Verification != nil:
		return models.Precondition(id, "verification is recorded through the code check")
	case p.BranchConfirmation != nil:
		return models.Precondition(id, "completion is confirmed through the branch action")
	case p.Resolution != nil && p.Resolution.ProofPhotoURL != nil:
		return models.Precondition(id, "proof is attached through the proof action")
	case p.Resolution != nil && (p.Resolution.ResolvedAt != nil || p.Resolution.TimeSpentMinutes != nil):
		return models.Precondition(id, "resolution time is set by finalize")
	}
	if p.Status != nil {
		switch *p.Status {
		case models.StatusInProgress:
			return models.Precondition(id, "repair starts only when the verification code matches")
		case models.StatusResolved:
			return models.Precondition(id, "tickets are resolved only by finalize")
		}
	}
	return nil
}

func (s *TicketService) patch(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error) {
	var out models.Ticket
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		before, err := tx.GetTicket(ctx, id)
		if err != nil {
			return err
		}
		after, err := tx.PatchTicket(ctx, id, p)
		if err != nil {
			return err
		}
		if _, _, err := syncEngineer(ctx, tx, before, after); err != nil {
			return err
		}
		out = after
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if !out.Status.Active() {
		s.Timers.Clear(id)
	}
	return out, nil
}

func (s *TicketService) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	return s.Store.GetTicket(ctx, id)
}

func (s *TicketService) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	return s.Store.ListTickets(ctx, f)
}

type ArrivalResult struct {
	Ticket         models.Ticket `json:"ticket"`
	Arrived        bool          `json:"arrived"`
	DistanceMeters *float64      `json:"distanceMeters,omitempty"`
}

// ConfirmArrival records that the assigned engineer reached the machine, either
// by proximity or by explicit override. It is a no-op once arrival is recorded.
func (s *TicketService) ConfirmArrival(ctx context.Context, ticketID string, pos models.Position, override bool) (ArrivalResult, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return ArrivalResult{}, err
	}
	if t.HasArrived() {
		return ArrivalResult{Ticket: t, Arrived: true}, nil
	}
	if t.EngineerID == nil || !t.Status.Active() {
		return ArrivalResult{}, models.Precondition(t.ID, "no engineer is working this ticket")
	}
	machine, err := s.Store.GetMachine(ctx, t.MachineID)
	if err != nil {
		return ArrivalResult{}, err
	}

	res := ArrivalResult{Ticket: t}
	threshold := s.ArrivalThresholdMeters
	if threshold <= 0 {
		threshold = DefaultArrivalThresholdMeters
	}
	if mp := machinePosition(machine); mp != nil {
		d := DistanceMeters(pos, *mp)
		res.DistanceMeters = &d
		res.Arrived = d <= threshold
	}
	if !res.Arrived && !override {
		s.Metrics.Arrival("too_far")
		return res, nil
	}

	now := s.now()
	overridden := !res.Arrived
	next, err := s.patch(ctx, t.ID, models.TicketPatch{
		GeoValidation: &models.GeoValidationPatch{
			EngineerLat: &pos.Lat,
			EngineerLng: &pos.Lng,
			ValidatedAt: &now,
			Overridden:  &overridden,
		},
	})
	if err != nil {
		return ArrivalResult{}, err
	}
	if overridden {
		s.Metrics.Arrival("override")
	} else {
		s.Metrics.Arrival("arrived")
	}
	s.Logger.Info().Str("ticket_id", t.ID).Bool("overridden", overridden).Msg("engineer arrived")
	s.publish(ctx, events.TicketArrived, next, "")
	return ArrivalResult{Ticket: next, Arrived: true, DistanceMeters: res.DistanceMeters}, nil
}

type VerificationOutcome struct {
	Result VerificationResult `json:"result"`
	Ticket models.Ticket      `json:"ticket"`
}

// SubmitVerificationCode checks the code the branch entered. Incomplete and
// mismatched codes change nothing. A match starts the repair.
func (s *TicketService) SubmitVerificationCode(ctx context.Context, ticketID, entered string) (VerificationOutcome, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return VerificationOutcome{}, err
	}
	result := CheckCode(t.ID, entered)
	if result != VerificationMatched {
		if result == VerificationMismatch {
			s.Metrics.Verification(string(result))
		}
		return VerificationOutcome{Result: result, Ticket: t}, nil
	}
	if t.IsVerified() {
		s.Timers.Start(t.ID, *t.Verification.VerifiedAt)
		return VerificationOutcome{Result: result, Ticket: t}, nil
	}
	if !t.HasArrived() {
		return VerificationOutcome{}, models.Precondition(t.ID, "engineer arrival has not been confirmed")
	}
	if t.Status != models.StatusAssigned {
		return VerificationOutcome{}, models.Precondition(t.ID, fmt.Sprintf("ticket must be ASSIGNED to verify, is %s", t.Status))
	}

	now := s.now()
	status := models.StatusInProgress
	next, err := s.patch(ctx, t.ID, models.TicketPatch{
		ExpectedVersion: &t.Version,
		Status:          &status,
		Verification:    &models.Verification{VerifiedAt: &now},
	})
	if err != nil {
		return VerificationOutcome{}, err
	}
	s.Timers.Start(t.ID, now)
	s.Metrics.Verification(string(result))
	s.Logger.Info().Str("ticket_id", t.ID).Msg("engineer verified, repair started")
	s.publish(ctx, events.TicketVerified, next, "")
	return VerificationOutcome{Result: result, Ticket: next}, nil
}

type ProofUpload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// AttachProof uploads the proof image to blob storage and records its URI.
func (s *TicketService) AttachProof(ctx context.Context, ticketID string, up ProofUpload) (models.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := checkProofAllowed(t); err != nil {
		return models.Ticket{}, err
	}
	if !storage.IsImage(up.ContentType) {
		return models.Ticket{}, fmt.Errorf("%w: proof must be an image, got %q", models.ErrValidation, up.ContentType)
	}
	if s.Blobs == nil {
		return models.Ticket{}, storage.ErrNotConfigured
	}
	key := storage.ProofObjectKey(t.ID, up.FileName, s.now())
	uri, err := s.Blobs.Put(ctx, key, up.Body, up.Size, up.ContentType)
	if err != nil {
		s.Logger.Error().Err(err).Str("ticket_id", t.ID).Str("key", key).Msg("proof upload failed")
		return models.Ticket{}, err
	}
	return s.AttachProofURL(ctx, t.ID, uri)
}

// AttachProofURL records a proof URI that is already stored elsewhere.
func (s *TicketService) AttachProofURL(ctx context.Context, ticketID, uri string) (models.Ticket, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return models.Ticket{}, fmt.Errorf("%w: proof url is required", models.ErrValidation)
	}
	var out models.Ticket
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := checkProofAllowed(t); err != nil {
			return err
		}
		out, err = tx.PatchTicket(ctx, t.ID, models.TicketPatch{
			Resolution: &models.ResolutionPatch{ProofPhotoURL: &uri},
		})
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.Logger.Info().Str("ticket_id", out.ID).Str("proof", uri).Msg("proof attached")
	s.publish(ctx, events.TicketProofAttached, out, "")
	return out, nil
}

func checkProofAllowed(t models.Ticket) error {
	if t.Status != models.StatusInProgress {
		return models.Precondition(t.ID, fmt.Sprintf("proof can only be attached while IN_PROGRESS, ticket is %s", t.Status))
	}
	return nil
}

// ConfirmCompletion records the branch's acknowledgement of the uploaded proof.
func (s *TicketService) ConfirmCompletion(ctx context.Context, ticketID, confirmedBy string) (models.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if t.IsBranchConfirmed() {
		return t, nil
	}
	if !t.HasProof() {
		return models.Ticket{}, models.Precondition(t.ID, "proof of work has not been uploaded")
	}
	if t.Status != models.StatusInProgress {
		return models.Ticket{}, models.Precondition(t.ID, fmt.Sprintf("completion can only be confirmed while IN_PROGRESS, ticket is %s", t.Status))
	}
	now := s.now()
	by := strings.TrimSpace(confirmedBy)
	next, err := s.patch(ctx, t.ID, models.TicketPatch{
		BranchConfirmation: &models.BranchConfirmationPatch{ConfirmedAt: &now, ConfirmedBy: &by},
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.Logger.Info().Str("ticket_id", t.ID).Str("confirmed_by", by).Msg("branch confirmed completion")
	s.publish(ctx, events.TicketBranchConfirmed, next, by)
	return next, nil
}

// Escalate moves a ticket aside for operator attention and frees its engineer.
func (s *TicketService) Escalate(ctx context.Context, ticketID, reason string) (models.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if t.Status == models.StatusEscalated {
		return t, nil
	}
	status := models.StatusEscalated
	next, err := s.patch(ctx, t.ID, models.TicketPatch{Status: &status})
	if err != nil {
		return models.Ticket{}, err
	}
	s.Logger.Warn().Str("ticket_id", t.ID).Str("reason", reason).Msg("ticket escalated")
	s.publish(ctx, events.TicketEscalated, next, strings.TrimSpace(reason))
	return next, nil
}

// Close retires a resolved or escalated ticket. CLOSED is terminal.
func (s *TicketService) Close(ctx context.Context, ticketID string) (models.Ticket, error) {
	status := models.StatusClosed
	next, err := s.patch(ctx, ticketID, models.TicketPatch{Status: &status})
	if err != nil {
		return models.Ticket{}, err
	}
	s.Logger.Info().Str("ticket_id", next.ID).Msg("ticket closed")
	s.publish(ctx, events.TicketClosed, next, "")
	return next, nil
}

// Reassign binds a ticket to engineerID, releasing whoever held it. An OPEN
// ticket becomes ASSIGNED. Reassigning to the current engineer is a no-op.
func (s *TicketService) Reassign(ctx context.Context, ticketID, engineerID string) (models.Ticket, error) {
	engineerID = strings.TrimSpace(engineerID)
	if engineerID == "" {
		return models.Ticket{}, fmt.Errorf("%w: engineer id is required", models.ErrValidation)
	}
	var (
		out      models.Ticket
		released *models.Engineer
		assigned *models.Engineer
	)
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.EngineerID != nil && *t.EngineerID == engineerID && t.Status.Active() {
			out = t
			return nil
		}
		p := models.TicketPatch{ExpectedVersion: &t.Version, EngineerID: &engineerID}
		switch {
		case t.Status == models.StatusOpen:
			status := models.StatusAssigned
			p.Status = &status
		case !t.Status.Active():
			return models.Precondition(t.ID, fmt.Sprintf("cannot reassign a %s ticket", t.Status))
		}
		next, err := tx.PatchTicket(ctx, t.ID, p)
		if err != nil {
			return err
		}
		released, assigned, err = syncEngineer(ctx, tx, t, next)
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if assigned == nil {
		return out, nil
	}
	s.Logger.Info().Str("ticket_id", out.ID).Str("engineer_id", engineerID).Msg("ticket reassigned")
	s.publish(ctx, events.TicketReassigned, out, "")
	if released != nil {
		s.publishEngineer(ctx, events.EngineerReleased, *released, out.ID)
	}
	s.publishEngineer(ctx, events.EngineerAssigned, *assigned, out.ID)
	return out, nil
}

// AssignEngineer is the operator's explicit binding and behaves like Reassign.
func (s *TicketService) AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Ticket, error) {
	return s.Reassign(ctx, ticketID, engineerID)
}

// ReleaseEngineer frees an engineer. There is no unassign: an engineer still
// holding an ASSIGNED or IN_PROGRESS ticket must have it escalated, finalized
// or reassigned first.
func (s *TicketService) ReleaseEngineer(ctx context.Context, engineerID string) (models.Engineer, error) {
	var out models.Engineer
	err := s.Store.WithinTx(ctx, func(tx db.Repository) error {
		e, err := tx.GetEngineer(ctx, engineerID)
		if err != nil {
			return err
		}
		if e.OngoingTask != nil {
			t, err := tx.GetTicket(ctx, *e.OngoingTask)
			if err != nil && !isNotFound(err) {
				return err
			}
			if err == nil && t.Status.Active() {
				return models.Precondition(t.ID, "engineer is still working this ticket; escalate, finalize or reassign it first")
			}
		}
		out, err = tx.ReleaseEngineer(ctx, engineerID)
		return err
	})
	if err != nil {
		return models.Engineer{}, err
	}
	s.publishEngineer(ctx, events.EngineerReleased, out, "")
	return out, nil
}

func (s *TicketService) ListEngineers(ctx context.Context) ([]models.Engineer, error) {
	return s.Store.ListEngineers(ctx)
}

func (s *TicketService) UpsertEngineer(ctx context.Context, e models.Engineer) (models.Engineer, error) {
	if e.FirstTimeFixRate < 0 || e.FirstTimeFixRate > 1 {
		return models.Engineer{}, fmt.Errorf("%w: firstTimeFixRate must be within 0..1", models.ErrValidation)
	}
	return s.Store.UpsertEngineer(ctx, e)
}

func (s *TicketService) UpdateEngineerPosition(ctx context.Context, engineerID string, pos models.Position) (models.Engineer, error) {
	return s.Store.UpdateEngineerPosition(ctx, engineerID, pos)
}

func (s *TicketService) SetEngineerAvailability(ctx context.Context, engineerID string, status models.EngineerStatus) (models.Engineer, error) {
	return s.Store.SetEngineerStatus(ctx, engineerID, status)
}

// RegisterMachine stores a machine, resolving missing coordinates from its
// address when a geocoder is configured. A failed lookup is logged and the
// machine is stored without coordinates.
func (s *TicketService) RegisterMachine(ctx context.Context, m models.Machine) (models.Machine, error) {
	located, err := geocode.LocateMachine(ctx, s.Geocoder, m, s.Country, false)
	if err != nil {
		s.Logger.Warn().Err(err).Str("machine_id", m.ID).Str("address", m.Address).Msg("geocode failed")
		located = m
	}
	return s.Store.UpsertMachine(ctx, located)
}

func (s *TicketService) ListMachines(ctx context.Context) ([]models.Machine, error) {
	return s.Store.ListMachines(ctx)
}
