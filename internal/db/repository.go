package db

import (
	"context"
	"fmt"
	"time"

	"github.com/atm_fieldops/backend/internal/models"
)

type TicketRepository interface {
	// CreateTicket assigns the id, version and both timestamps.
	CreateTicket(ctx context.Context, t models.Ticket) (models.Ticket, error)
	PatchTicket(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error)
	GetTicket(ctx context.Context, id string) (models.Ticket, error)
	ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error)
	CountTickets(ctx context.Context) (int, error)
}

type EngineerRegistry interface {
	ListEngineers(ctx context.Context) ([]models.Engineer, error)
	// ClaimAvailableEngineers returns available engineers locked for the rest of
	// the transaction. Rows another transaction holds are skipped.
	ClaimAvailableEngineers(ctx context.Context) ([]models.Engineer, error)
	GetEngineer(ctx context.Context, id string) (models.Engineer, error)
	UpsertEngineer(ctx context.Context, e models.Engineer) (models.Engineer, error)
	// AssignEngineer marks an available engineer busy on an ASSIGNED or IN_PROGRESS ticket.
	AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Engineer, error)
	// ReleaseEngineer clears busy status and the ongoing task together.
	ReleaseEngineer(ctx context.Context, engineerID string) (models.Engineer, error)
	SetEngineerStatus(ctx context.Context, engineerID string, status models.EngineerStatus) (models.Engineer, error)
	UpdateEngineerPosition(ctx context.Context, engineerID string, pos models.Position) (models.Engineer, error)
}

type MachineRegistry interface {
	GetMachine(ctx context.Context, id string) (models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	UpsertMachine(ctx context.Context, m models.Machine) (models.Machine, error)
}

type Repository interface {
	TicketRepository
	EngineerRegistry
	MachineRegistry
}

// TxRepository runs fn against a view whose writes commit together or not at all.
type TxRepository interface {
	Repository
	WithinTx(ctx context.Context, fn func(tx Repository) error) error
	Ping(ctx context.Context) error
}

func TicketsByMachine(ctx context.Context, r TicketRepository, machineID string) ([]models.Ticket, error) {
	return r.ListTickets(ctx, models.TicketFilter{MachineID: machineID})
}

func TicketsByStatus(ctx context.Context, r TicketRepository, status models.TicketStatus) ([]models.Ticket, error) {
	return r.ListTickets(ctx, models.TicketFilter{Status: status})
}

func normalizeLimit(f models.TicketFilter) (int, int) {
	limit, offset := f.Limit, f.Offset
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func FormatTicketID(seq int64) string {
	return fmt.Sprintf("TKT-%03d", seq)
}

// prepareNewTicket fills defaults and rejects shapes a new ticket may not have.
func prepareNewTicket(t models.Ticket, now time.Time) (models.Ticket, error) {
	out := models.CloneTicket(t)
	if out.MachineID == "" {
		return models.Ticket{}, fmt.Errorf("%w: machine id is required", models.ErrValidation)
	}
	if out.Status == "" {
		out.Status = models.StatusOpen
	}
	if out.Origin == "" {
		out.Origin = models.OriginSystem
	}
	if out.Category == "" {
		out.Category = models.CategoryOther
	}
	if out.Severity == "" {
		out.Severity = models.SeverityMedium
	}
	switch out.Status {
	case models.StatusOpen:
		out.EngineerID = nil
	case models.StatusAssigned:
		if out.EngineerID == nil || *out.EngineerID == "" {
			return models.Ticket{}, fmt.Errorf("%w: assigned ticket needs an engineer", models.ErrValidation)
		}
	default:
		return models.Ticket{}, &models.TransitionError{From: "", To: out.Status}
	}
	if !out.Origin.Valid() || !out.Category.Valid() || !out.Severity.Valid() {
		return models.Ticket{}, fmt.Errorf("%w: invalid origin, category or severity", models.ErrValidation)
	}
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	out.Resolution = nil
	out.GeoValidation = nil
	out.Verification = nil
	out.BranchConfirmation = nil
	return out, nil
}
