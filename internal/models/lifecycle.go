package models

import (
	"fmt"
	"time"
)

var transitions = map[TicketStatus][]TicketStatus{
	StatusOpen:       {StatusAssigned, StatusEscalated},
	StatusAssigned:   {StatusInProgress, StatusEscalated},
	StatusInProgress: {StatusResolved, StatusEscalated},
	StatusResolved:   {StatusClosed, StatusEscalated},
	StatusEscalated:  {StatusClosed},
	StatusClosed:     nil,
}

func (s TicketStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s TicketStatus) Terminal() bool {
	return s == StatusClosed
}

// Active reports whether a busy engineer may hold a ticket in this status.
func (s TicketStatus) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// CanTransition allows same-status moves so retried patches stay harmless.
func CanTransition(from, to TicketStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TicketPatch carries the fields a caller wants to change. Nil means untouched.
type TicketPatch struct {
	ExpectedVersion *int64 `json:"version,omitempty"`

	EngineerID  *string        `json:"engineerId,omitempty"`
	Category    *IssueCategory `json:"category,omitempty"`
	Severity    *Severity      `json:"severity,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *TicketStatus  `json:"status,omitempty"`

	Resolution         *ResolutionPatch         `json:"resolution,omitempty"`
	GeoValidation      *GeoValidationPatch      `json:"geoValidation,omitempty"`
	Verification       *Verification            `json:"verification,omitempty"`
	BranchConfirmation *BranchConfirmationPatch `json:"branchConfirmation,omitempty"`
}

type ResolutionPatch struct {
	Summary          *string    `json:"summary,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	TimeSpentMinutes *int       `json:"timeSpentMinutes,omitempty"`
	PartsUsed        []string   `json:"partsUsed,omitempty"`
	ProofPhotoURL    *string    `json:"proofPhotoUrl,omitempty"`
}

type GeoValidationPatch struct {
	EngineerLat *float64   `json:"engineerLat,omitempty"`
	EngineerLng *float64   `json:"engineerLng,omitempty"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	Overridden  *bool      `json:"overridden,omitempty"`
}

type BranchConfirmationPatch struct {
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ConfirmedBy *string    `json:"confirmedBy,omitempty"`
}

// ApplyPatch merges p into t. Top-level fields are replaced; sub-records are
// merged field by field. The caller persists the result.
func ApplyPatch(t Ticket, p TicketPatch, now time.Time) (Ticket, error) {
	if p.ExpectedVersion != nil && *p.ExpectedVersion != t.Version {
		return Ticket{}, ErrConflict
	}
	out := CloneTicket(t)

	if p.EngineerID != nil {
		if *p.EngineerID == "" {
			out.EngineerID = nil
		} else {
			id := *p.EngineerID
			out.EngineerID = &id
		}
	}
	if p.Category != nil {
		if !p.Category.Valid() {
			return Ticket{}, fmt.Errorf("%w: unknown category %q", ErrValidation, *p.Category)
		}
		out.Category = *p.Category
	}
	if p.Severity != nil {
		if !p.Severity.Valid() {
			return Ticket{}, fmt.Errorf("%w: unknown severity %q", ErrValidation, *p.Severity)
		}
		out.Severity = *p.Severity
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Resolution != nil {
		out.Resolution = mergeResolution(out.Resolution, p.Resolution)
	}
	if p.GeoValidation != nil && !out.HasArrived() {
		out.GeoValidation = mergeGeo(out.GeoValidation, p.GeoValidation)
	}
	if p.Verification != nil && p.Verification.VerifiedAt != nil && !out.IsVerified() {
		at := *p.Verification.VerifiedAt
		out.Verification = &Verification{VerifiedAt: &at}
	}
	if p.BranchConfirmation != nil {
		out.BranchConfirmation = mergeBranch(out.BranchConfirmation, p.BranchConfirmation)
	}

	if p.Status != nil {
		if !p.Status.Valid() {
			return Ticket{}, &TransitionError{From: t.Status, To: *p.Status}
		}
		if !CanTransition(t.Status, *p.Status) {
			return Ticket{}, &TransitionError{From: t.Status, To: *p.Status}
		}
		out.Status = *p.Status
	}
	if out.Status == StatusResolved && t.Status != StatusResolved {
		if !out.HasProof() {
			return Ticket{}, Precondition(t.ID, "proof of work is required before resolving")
		}
		if !out.IsBranchConfirmed() {
			return Ticket{}, Precondition(t.ID, "branch has not confirmed completion")
		}
	}

	out.Version = t.Version + 1
	out.UpdatedAt = now
	return out, nil
}

func mergeResolution(cur *Resolution, p *ResolutionPatch) *Resolution {
	r := Resolution{}
	if cur != nil {
		r = *cur
	}
	if p.Summary != nil {
		r.Summary = *p.Summary
	}
	if p.ResolvedAt != nil {
		at := *p.ResolvedAt
		r.ResolvedAt = &at
	}
	if p.TimeSpentMinutes != nil {
		r.TimeSpentMinutes = *p.TimeSpentMinutes
	}
	if p.PartsUsed != nil {
		r.PartsUsed = append([]string(nil), p.PartsUsed...)
	}
	if p.ProofPhotoURL != nil {
		r.ProofPhotoURL = *p.ProofPhotoURL
	}
	return &r
}

func mergeGeo(cur *GeoValidation, p *GeoValidationPatch) *GeoValidation {
	g := GeoValidation{}
	if cur != nil {
		g = *cur
	}
	if p.EngineerLat != nil {
		g.EngineerLat = *p.EngineerLat
	}
	if p.EngineerLng != nil {
		g.EngineerLng = *p.EngineerLng
	}
	if p.ValidatedAt != nil {
		at := *p.ValidatedAt
		g.ValidatedAt = &at
	}
	if p.Overridden != nil {
		g.Overridden = *p.Overridden
	}
	return &g
}

func mergeBranch(cur *BranchConfirmation, p *BranchConfirmationPatch) *BranchConfirmation {
	b := BranchConfirmation{}
	if cur != nil {
		b = *cur
	}
	if p.ConfirmedAt != nil && b.ConfirmedAt == nil {
		at := *p.ConfirmedAt
		b.ConfirmedAt = &at
	}
	if p.ConfirmedBy != nil {
		b.ConfirmedBy = *p.ConfirmedBy
	}
	return &b
}

// CloneTicket returns a copy that shares no pointers with t.
func CloneTicket(t Ticket) Ticket {
	out := t
	if t.EngineerID != nil {
		id := *t.EngineerID
		out.EngineerID = &id
	}
	if t.Resolution != nil {
		r := *t.Resolution
		if t.Resolution.ResolvedAt != nil {
			at := *t.Resolution.ResolvedAt
			r.ResolvedAt = &at
		}
		r.PartsUsed = append([]string(nil), t.Resolution.PartsUsed...)
		out.Resolution = &r
	}
	if t.GeoValidation != nil {
		g := *t.GeoValidation
		if t.GeoValidation.ValidatedAt != nil {
			at := *t.GeoValidation.ValidatedAt
			g.ValidatedAt = &at
		}
		out.GeoValidation = &g
	}
	if t.Verification != nil {
		v := *t.Verification
		if t.Verification.VerifiedAt != nil {
			at := *t.Verification.VerifiedAt
			v.VerifiedAt = &at
		}
		out.Verification = &v
	}
	if t.BranchConfirmation != nil {
		b := *t.BranchConfirmation
		if t.BranchConfirmation.ConfirmedAt != nil {
			at := *t.BranchConfirmation.ConfirmedAt
			b.ConfirmedAt = &at
		}
		out.BranchConfirmation = &b
	}
	return out
}

func CloneEngineer(e Engineer) Engineer {
	out := e
	if e.OngoingTask != nil {
		id := *e.OngoingTask
		out.OngoingTask = &id
	}
	return out
}
