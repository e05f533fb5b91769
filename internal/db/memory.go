package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/models"
)

// MemoryStore keeps every record in process. Used when DATABASE_URL is empty and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	clock     clock.Clock
	seq       int64
	tickets   map[string]models.Ticket
	engineers map[string]models.Engineer
	machines  map[string]models.Machine
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{state: &memState{
		clock:     c,
		tickets:   map[string]models.Ticket{},
		engineers: map[string]models.Engineer{},
		machines:  map[string]models.Machine{},
	}}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := s.state.clone()
	if err := fn(draft); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryStore) CreateTicket(ctx context.Context, t models.Ticket) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateTicket(ctx, t)
}

func (s *MemoryStore) PatchTicket(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PatchTicket(ctx, id, p)
}

func (s *MemoryStore) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetTicket(ctx, id)
}

func (s *MemoryStore) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListTickets(ctx, f)
}

func (s *MemoryStore) CountTickets(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CountTickets(ctx)
}

func (s *MemoryStore) ListEngineers(ctx context.Context) ([]models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListEngineers(ctx)
}

func (s *MemoryStore) ClaimAvailableEngineers(ctx context.Context) ([]models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ClaimAvailableEngineers(ctx)
}

func (s *MemoryStore) GetEngineer(ctx context.Context, id string) (models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetEngineer(ctx, id)
}

func (s *MemoryStore) UpsertEngineer(ctx context.Context, e models.Engineer) (models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpsertEngineer(ctx, e)
}

func (s *MemoryStore) AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AssignEngineer(ctx, engineerID, ticketID)
}

func (s *MemoryStore) ReleaseEngineer(ctx context.Context, engineerID string) (models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ReleaseEngineer(ctx, engineerID)
}

func (s *MemoryStore) SetEngineerStatus(ctx context.Context, engineerID string, status models.EngineerStatus) (models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SetEngineerStatus(ctx, engineerID, status)
}

func (s *MemoryStore) UpdateEngineerPosition(ctx context.Context, engineerID string, pos models.Position) (models.Engineer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpdateEngineerPosition(ctx, engineerID, pos)
}

func (s *MemoryStore) GetMachine(ctx context.Context, id string) (models.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetMachine(ctx, id)
}

func (s *MemoryStore) ListMachines(ctx context.Context) ([]models.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListMachines(ctx)
}

func (s *MemoryStore) UpsertMachine(ctx context.Context, m models.Machine) (models.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpsertMachine(ctx, m)
}

func (m *memState) clone() *memState {
	out := &memState{
		clock:     m.clock,
		seq:       m.seq,
		tickets:   make(map[string]models.Ticket, len(m.tickets)),
		engineers: make(map[string]models.Engineer, len(m.engineers)),
		machines:  make(map[string]models.Machine, len(m.machines)),
	}
	for k, v := range m.tickets {
		out.tickets[k] = models.CloneTicket(v)
	}
	for k, v := range m.engineers {
		out.engineers[k] = models.CloneEngineer(v)
	}
	for k, v := range m.machines {
		out.machines[k] = v
	}
	return out
}

func (m *memState) CreateTicket(ctx context.Context, t models.Ticket) (models.Ticket, error) {
	if _, ok := m.machines[t.MachineID]; !ok && t.MachineID != "" {
		return models.Ticket{}, fmt.Errorf("machine %s: %w", t.MachineID, models.ErrNotFound)
	}
	out, err := prepareNewTicket(t, m.clock.Now())
	if err != nil {
		return models.Ticket{}, err
	}
	m.seq++
	out.ID = FormatTicketID(m.seq)
	m.tickets[out.ID] = out
	return models.CloneTicket(out), nil
}

func (m *memState) PatchTicket(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error) {
	cur, ok := m.tickets[id]
	if !ok {
		return models.Ticket{}, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}
	next, err := models.ApplyPatch(cur, p, m.clock.Now())
	if err != nil {
		return models.Ticket{}, err
	}
	m.tickets[id] = next
	return models.CloneTicket(next), nil
}

func (m *memState) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	t, ok := m.tickets[id]
	if !ok {
		return models.Ticket{}, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}
	return models.CloneTicket(t), nil
}

func (m *memState) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	limit, offset := normalizeLimit(f)
	var out []models.Ticket
	for _, t := range m.tickets {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.MachineID != "" && t.MachineID != f.MachineID {
			continue
		}
		if f.EngineerID != "" && (t.EngineerID == nil || *t.EngineerID != f.EngineerID) {
			continue
		}
		out = append(out, models.CloneTicket(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []models.Ticket{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memState) CountTickets(ctx context.Context) (int, error) {
	return len(m.tickets), nil
}

func (m *memState) ListEngineers(ctx context.Context) ([]models.Engineer, error) {
	out := make([]models.Engineer, 0, len(m.engineers))
	for _, e := range m.engineers {
		out = append(out, models.CloneEngineer(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimAvailableEngineers needs no row locks here; WithinTx holds the store
// mutex for the whole transaction.
func (m *memState) ClaimAvailableEngineers(ctx context.Context) ([]models.Engineer, error) {
	all, err := m.ListEngineers(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Status == models.EngineerAvailable {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memState) GetEngineer(ctx context.Context, id string) (models.Engineer, error) {
	e, ok := m.engineers[id]
	if !ok {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", id, models.ErrNotFound)
	}
	return models.CloneEngineer(e), nil
}

func (m *memState) UpsertEngineer(ctx context.Context, e models.Engineer) (models.Engineer, error) {
	if e.ID == "" {
		return models.Engineer{}, fmt.Errorf("%w: engineer id is required", models.ErrValidation)
	}
	if cur, ok := m.engineers[e.ID]; ok {
		// Assignment state is owned by AssignEngineer/ReleaseEngineer.
		e.Status = cur.Status
		e.OngoingTask = cur.OngoingTask
	} else {
		if e.Status == "" || e.Status == models.EngineerBusy {
			e.Status = models.EngineerAvailable
		}
		e.OngoingTask = nil
	}
	e.UpdatedAt = m.clock.Now()
	m.engineers[e.ID] = models.CloneEngineer(e)
	return models.CloneEngineer(e), nil
}

func (m *memState) AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Engineer, error) {
	e, ok := m.engineers[engineerID]
	if !ok {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", engineerID, models.ErrNotFound)
	}
	t, ok := m.tickets[ticketID]
	if !ok {
		return models.Engineer{}, fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
	}
	if e.Status == models.EngineerBusy && e.OngoingTask != nil && *e.OngoingTask == ticketID {
		return models.CloneEngineer(e), nil
	}
	if e.Status != models.EngineerAvailable {
		return models.Engineer{}, fmt.Errorf("engineer %s is %s: %w", engineerID, e.Status, models.ErrEngineerUnavailable)
	}
	if !t.Status.Active() {
		return models.Engineer{}, models.Precondition(ticketID, fmt.Sprintf("cannot bind an engineer to a %s ticket", t.Status))
	}
	task := ticketID
	e.Status = models.EngineerBusy
	e.OngoingTask = &task
	e.UpdatedAt = m.clock.Now()
	m.engineers[engineerID] = e
	return models.CloneEngineer(e), nil
}

func (m *memState) ReleaseEngineer(ctx context.Context, engineerID string) (models.Engineer, error) {
	e, ok := m.engineers[engineerID]
	if !ok {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", engineerID, models.ErrNotFound)
	}
	if e.Status == models.EngineerBusy {
		e.Status = models.EngineerAvailable
	}
	e.OngoingTask = nil
	e.UpdatedAt = m.clock.Now()
	m.engineers[engineerID] = e
	return models.CloneEngineer(e), nil
}

func (m *memState) SetEngineerStatus(ctx context.Context, engineerID string, status models.EngineerStatus) (models.Engineer, error) {
	e, ok := m.engineers[engineerID]
	if !ok {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", engineerID, models.ErrNotFound)
	}
	if err := checkAvailabilityChange(e, status); err != nil {
		return models.Engineer{}, err
	}
	e.Status = status
	e.UpdatedAt = m.clock.Now()
	m.engineers[engineerID] = e
	return models.CloneEngineer(e), nil
}

func (m *memState) UpdateEngineerPosition(ctx context.Context, engineerID string, pos models.Position) (models.Engineer, error) {
	e, ok := m.engineers[engineerID]
	if !ok {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", engineerID, models.ErrNotFound)
	}
	e.Lat, e.Lng = pos.Lat, pos.Lng
	e.UpdatedAt = m.clock.Now()
	m.engineers[engineerID] = e
	return models.CloneEngineer(e), nil
}

func (m *memState) GetMachine(ctx context.Context, id string) (models.Machine, error) {
	mc, ok := m.machines[id]
	if !ok {
		return models.Machine{}, fmt.Errorf("machine %s: %w", id, models.ErrNotFound)
	}
	return mc, nil
}

func (m *memState) ListMachines(ctx context.Context) ([]models.Machine, error) {
	out := make([]models.Machine, 0, len(m.machines))
	for _, mc := range m.machines {
		out = append(out, mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memState) UpsertMachine(ctx context.Context, mc models.Machine) (models.Machine, error) {
	if mc.ID == "" {
		return models.Machine{}, fmt.Errorf("%w: machine id is required", models.ErrValidation)
	}
	m.machines[mc.ID] = mc
	return mc, nil
}

// checkAvailabilityChange only lets callers toggle between available and on_break.
func checkAvailabilityChange(e models.Engineer, status models.EngineerStatus) error {
	if status != models.EngineerAvailable && status != models.EngineerOnBreak {
		return fmt.Errorf("%w: status %q cannot be set directly", models.ErrValidation, status)
	}
	if e.Status == models.EngineerBusy {
		return fmt.Errorf("engineer %s is busy: %w", e.ID, models.ErrEngineerUnavailable)
	}
	return nil
}
