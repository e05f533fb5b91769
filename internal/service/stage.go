package service

import "github.com/atm_fieldops/backend/internal/models"

// Stage is a display classification derived from ticket state. It is never stored.
type Stage int

const (
	StageArrival Stage = iota + 1
	StageVerification
	StageRepair
	StageProofUpload
	StageCompletion
)

func (s Stage) String() string {
	switch s {
	case StageArrival:
		return "arrival"
	case StageVerification:
		return "verification"
	case StageRepair:
		return "repair"
	case StageProofUpload:
		return "proof_upload"
	case StageCompletion:
		return "completion"
	}
	return "unknown"
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProjectStage maps a ticket to its stage. Completion is checked first so a
// resolved or closed ticket never falls back to an earlier stage, whatever
// the caller's localVerified flag says. localVerified only lets an engineer
// session that has seen the matching code move on to Repair before the
// IN_PROGRESS status has been fetched. An escalated ticket keeps the stage its
// persisted verification and proof earned.
func ProjectStage(t models.Ticket, localVerified bool) Stage {
	switch {
	case t.Status == models.StatusResolved || t.Status == models.StatusClosed:
		return StageCompletion
	case !t.HasArrived():
		return StageArrival
	case t.Status != models.StatusInProgress && !t.IsVerified() &&
		!(localVerified && t.Status == models.StatusAssigned):
		return StageVerification
	case !t.HasProof():
		return StageRepair
	default:
		return StageProofUpload
	}
}
