package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/geocode"
	"github.com/atm_fieldops/backend/internal/metrics"
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/storage"
)

// TicketService owns every ticket mutation that must keep tickets and
// engineers consistent with each other.
type TicketService struct {
	Store    db.TxRepository
	Events   events.Publisher
	Blobs    storage.BlobStore
	Geocoder geocode.Geocoder
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Logger   zerolog.Logger

	ArrivalThresholdMeters float64
	RankingBucketKm        float64
	Country                string

	Timers *RepairTimers
}

func NewTicketService(store db.TxRepository, logger zerolog.Logger) *TicketService {
	return &TicketService{
		Store:                  store,
		Events:                 events.NopPublisher{},
		Clock:                  clock.Real(),
		Logger:                 logger,
		ArrivalThresholdMeters: DefaultArrivalThresholdMeters,
		RankingBucketKm:        DefaultRankingBucketKm,
		Timers:                 NewRepairTimers(),
	}
}

func (s *TicketService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// publish never fails the caller; the mutation has already committed.
func (s *TicketService) publish(ctx context.Context, typ string, t models.Ticket, note string) {
	if s.Events == nil {
		return
	}
	e := events.Event{
		Type:     typ,
		TicketID: t.ID,
		Status:   string(t.Status),
		Version:  t.Version,
		Note:     note,
		At:       s.now(),
	}
	if t.EngineerID != nil {
		e.EngineerID = *t.EngineerID
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		s.Logger.Error().Err(err).Str("event", typ).Str("ticket_id", t.ID).Msg("publish event failed")
	}
}

func (s *TicketService) publishEngineer(ctx context.Context, typ string, e models.Engineer, ticketID string) {
	if s.Events == nil {
		return
	}
	ev := events.Event{Type: typ, TicketID: ticketID, EngineerID: e.ID, Status: string(e.Status), At: s.now()}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Logger.Error().Err(err).Str("event", typ).Str("engineer_id", e.ID).Msg("publish event failed")
	}
}

// syncEngineer keeps engineer assignment in step with a ticket change made in
// the same transaction: an engineer holding a ticket that left the active
// statuses, or that was handed to someone else, is released; the engineer now
// named on an active ticket is marked busy on it.
func syncEngineer(ctx context.Context, tx db.Repository, before, after models.Ticket) (released, assigned *models.Engineer, err error) {
	oldID, newID := "", ""
	if before.EngineerID != nil {
		oldID = *before.EngineerID
	}
	if after.EngineerID != nil {
		newID = *after.EngineerID
	}
	if oldID != "" && before.Status.Active() && (oldID != newID || !after.Status.Active()) {
		e, ok, err := releaseIfHolding(ctx, tx, oldID, after.ID)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			released = &e
		}
	}
	if newID != "" && after.Status.Active() && (oldID != newID || !before.Status.Active()) {
		e, err := tx.AssignEngineer(ctx, newID, after.ID)
		if err != nil {
			return nil, nil, err
		}
		assigned = &e
	}
	return released, assigned, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

func releaseIfHolding(ctx context.Context, tx db.Repository, engineerID, ticketID string) (models.Engineer, bool, error) {
	e, err := tx.GetEngineer(ctx, engineerID)
	if isNotFound(err) {
		return models.Engineer{}, false, nil
	}
	if err != nil {
		return models.Engineer{}, false, err
	}
	if e.OngoingTask == nil || *e.OngoingTask != ticketID {
		return e, false, nil
	}
	e, err = tx.ReleaseEngineer(ctx, engineerID)
	return e, err == nil, err
}

// RepairTimers holds the instant each repair started, as observed by this
// process. Finalize falls back to the persisted verification time when the
// process has restarted since.
type RepairTimers struct {
	mu      sync.Mutex
	started map[string]time.Time
}

func NewRepairTimers() *RepairTimers {
	return &RepairTimers{started: map[string]time.Time{}}
}

// Start keeps the first recorded instant. A nil RepairTimers records nothing.
func (r *RepairTimers) Start(ticketID string, at time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.started[ticketID]; !ok {
		r.started[ticketID] = at
	}
}

func (r *RepairTimers) StartedAt(ticketID string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.started[ticketID]
	return at, ok
}

func (r *RepairTimers) Clear(ticketID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.started, ticketID)
}
