package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/service"
)

var ErrTransientFetch = errors.New("transient fetch failure")

type Role string

const (
	RoleOperations Role = "operations"
	RoleEngineer   Role = "engineer"
	RoleBranch     Role = "branch"
)

func (r Role) Valid() bool {
	return r == RoleOperations || r == RoleEngineer || r == RoleBranch
}

// Flags are what this session has observed locally but the server may not
// have recorded yet.
type Flags struct {
	Arrived  bool
	Verified bool
}

type StageChange struct {
	Ticket models.Ticket
	From   service.Stage
	To     service.Stage
}

type Session struct {
	Role             Role
	Source           Source
	Filter           models.TicketFilter
	Clock            clock.Clock
	Interval         time.Duration
	FailureThreshold int
	Logger           zerolog.Logger
	// OnStageChange is called after a refresh for every ticket whose stage moved.
	OnStageChange func(StageChange)

	mu       sync.RWMutex
	tickets  map[string]models.Ticket
	order    []string
	flags    map[string]Flags
	stages   map[string]service.Stage
	failures int
	lastSync time.Time
}

func NewSession(role Role, src Source, logger zerolog.Logger) *Session {
	return &Session{
		Role:             role,
		Source:           src,
		Clock:            clock.Real(),
		Interval:         30 * time.Second,
		FailureThreshold: 3,
		Logger:           logger.With().Str("role", string(role)).Logger(),
		tickets:          map[string]models.Ticket{},
		flags:            map[string]Flags{},
		stages:           map[string]service.Stage{},
	}
}

// Refresh fetches the current tickets and reconciles local flags against them.
// On failure the previous snapshot is kept and ErrTransientFetch is returned.
func (s *Session) Refresh(ctx context.Context) error {
	items, err := s.Source.ListTickets(ctx, s.Filter)
	if err != nil {
		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		if s.FailureThreshold > 0 && failures >= s.FailureThreshold {
			s.Logger.Error().Err(err).Int("consecutive_failures", failures).Msg("ticket poll keeps failing, showing cached data")
		} else {
			s.Logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("ticket poll failed")
		}
		return fmt.Errorf("%w: %v", ErrTransientFetch, err)
	}

	var changes []StageChange
	s.mu.Lock()
	tickets := make(map[string]models.Ticket, len(items))
	order := make([]string, 0, len(items))
	flags := make(map[string]Flags, len(items))
	stages := make(map[string]service.Stage, len(items))
	for _, t := range items {
		f := reconcile(t, s.flags[t.ID])
		st := projectStage(t, f)
		if prev, ok := s.stages[t.ID]; !ok || prev != st {
			changes = append(changes, StageChange{Ticket: t, From: prev, To: st})
		}
		tickets[t.ID] = t
		order = append(order, t.ID)
		flags[t.ID] = f
		stages[t.ID] = st
	}
	s.tickets, s.order, s.flags, s.stages = tickets, order, flags, stages
	s.failures = 0
	s.lastSync = s.now()
	s.mu.Unlock()

	if s.OnStageChange != nil {
		for _, c := range changes {
			s.OnStageChange(c)
		}
	}
	return nil
}

// Run polls until ctx is done. Fetch failures never stop the loop.
func (s *Session) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := s.Clock
	if c == nil {
		c = clock.Real()
	}
	ticker := c.NewTicker(interval)
	defer ticker.Stop()

	_ = s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

func (s *Session) Tickets() []models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Ticket, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, models.CloneTicket(s.tickets[id]))
	}
	return out
}

func (s *Session) Ticket(id string) (models.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	return models.CloneTicket(t), ok
}

func (s *Session) Stage(id string) (service.Stage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return 0, false
	}
	return projectStage(t, s.flags[id]), true
}

func (s *Session) Flags(id string) Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[id]
}

// MarkArrived records a locally observed arrival for a cached ticket.
func (s *Session) MarkArrived(id string) {
	s.setFlag(id, func(f *Flags) { f.Arrived = true })
}

// MarkVerified records that this session saw the matching code accepted.
func (s *Session) MarkVerified(id string) {
	s.setFlag(id, func(f *Flags) {
		f.Arrived = true
		f.Verified = true
	})
}

func (s *Session) setFlag(id string, set func(*Flags)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return
	}
	f := s.flags[id]
	set(&f)
	f = reconcile(t, f)
	s.flags[id] = f
	s.stages[id] = projectStage(t, f)
}

// Degraded reports whether polls have failed often enough to tell the user.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FailureThreshold > 0 && s.failures >= s.FailureThreshold
}

func (s *Session) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *Session) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// reconcile raises local flags to whatever the server already declares.
// Local flags can only add progress; they never hide server state.
func reconcile(t models.Ticket, f Flags) Flags {
	if t.HasArrived() {
		f.Arrived = true
	}
	switch t.Status {
	case models.StatusInProgress, models.StatusResolved, models.StatusClosed:
		f.Arrived = true
		f.Verified = true
	}
	if t.IsVerified() {
		f.Arrived = true
		f.Verified = true
	}
	return f
}

func projectStage(t models.Ticket, f Flags) service.Stage {
	st := service.ProjectStage(t, f.Verified)
	if st != service.StageArrival || !f.Arrived || !t.Status.Active() {
		return st
	}
	if f.Verified && t.Status == models.StatusAssigned {
		return service.StageRepair
	}
	return service.StageVerification
}
