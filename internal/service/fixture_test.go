package service

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/storage"
)

const testMachine = "ATM-LAG-01"

var machinePos = models.Position{Lat: 6.4301, Lng: 3.4201}

type fixture struct {
	svc    *TicketService
	store  *db.MemoryStore
	clock  *clock.FakeClock
	events *recordingPublisher
	blobs  *memoryBlobs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	store := db.NewMemoryStore(clk)
	pub := &recordingPublisher{}
	blobs := &memoryBlobs{objects: map[string][]byte{}}

	svc := NewTicketService(store, zerolog.Nop())
	svc.Clock = clk
	svc.Events = pub
	svc.Blobs = blobs
	svc.ArrivalThresholdMeters = 50

	lat, lng := machinePos.Lat, machinePos.Lng
	_, err := store.UpsertMachine(context.Background(), models.Machine{
		ID: testMachine, Name: "Broad Street lobby", BranchID: "BR-01", Lat: &lat, Lng: &lng,
	})
	require.NoError(t, err)
	return fixture{svc: svc, store: store, clock: clk, events: pub, blobs: blobs}
}

func (f fixture) addEngineer(t *testing.T, id string, lat, lng, fixRate float64) {
	t.Helper()
	_, err := f.store.UpsertEngineer(context.Background(), models.Engineer{
		ID: id, Name: id, Lat: lat, Lng: lng, Status: models.EngineerAvailable, FirstTimeFixRate: fixRate,
	})
	require.NoError(t, err)
}

func (f fixture) dispatch(t *testing.T) DispatchResult {
	t.Helper()
	res, err := f.svc.Dispatch(context.Background(), models.DispatchRequest{
		MachineID: testMachine, Category: models.CategoryCashJam, Severity: models.SeverityHigh,
	})
	require.NoError(t, err)
	return res
}

// inProgress dispatches a ticket and walks it through arrival and verification.
func (f fixture) inProgress(t *testing.T) models.Ticket {
	t.Helper()
	ctx := context.Background()
	res := f.dispatch(t)
	_, err := f.svc.ConfirmArrival(ctx, res.Ticket.ID, machinePos, false)
	require.NoError(t, err)
	out, err := f.svc.SubmitVerificationCode(ctx, res.Ticket.ID, Code(res.Ticket.ID))
	require.NoError(t, err)
	require.Equal(t, VerificationMatched, out.Result)
	require.Equal(t, models.StatusInProgress, out.Ticket.Status)
	return out.Ticket
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	return storage.ObjectURI("proof-of-work", key), nil
}
