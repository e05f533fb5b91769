package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed repository.
type Store struct {
	*pgRepo
	Pool *pgxpool.Pool
}

type pgRepo struct {
	q     querier
	clock clock.Clock
}

func New(ctx context.Context, databaseURL string, c clock.Clock) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Real()
	}
	return &Store{pgRepo: &pgRepo{q: pool, clock: c}, Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgRepo{q: tx, clock: s.clock})
	})
}

// Read-modify-write operations need a row lock, so they always run in a transaction.

func (s *Store) PatchTicket(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error) {
	var out models.Ticket
	err := s.WithinTx(ctx, func(tx Repository) error {
		var err error
		out, err = tx.PatchTicket(ctx, id, p)
		return err
	})
	return out, err
}

func (s *Store) AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Engineer, error) {
	var out models.Engineer
	err := s.WithinTx(ctx, func(tx Repository) error {
		var err error
		out, err = tx.AssignEngineer(ctx, engineerID, ticketID)
		return err
	})
	return out, err
}

func (s *Store) SetEngineerStatus(ctx context.Context, engineerID string, status models.EngineerStatus) (models.Engineer, error) {
	var out models.Engineer
	err := s.WithinTx(ctx, func(tx Repository) error {
		var err error
		out, err = tx.SetEngineerStatus(ctx, engineerID, status)
		return err
	})
	return out, err
}

func (s *Store) UpsertEngineer(ctx context.Context, e models.Engineer) (models.Engineer, error) {
	var out models.Engineer
	err := s.WithinTx(ctx, func(tx Repository) error {
		var err error
		out, err = tx.UpsertEngineer(ctx, e)
		return err
	})
	return out, err
}

const ticketColumns = `id, machine_id, engineer_id, origin, category, severity, description, status, version,
	created_at, updated_at, resolution, geo_validation, verification, branch_confirmation`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		t                                  models.Ticket
		resolution, geo, verify, branchRaw []byte
	)
	if err := row.Scan(&t.ID, &t.MachineID, &t.EngineerID, &t.Origin, &t.Category, &t.Severity, &t.Description,
		&t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt, &resolution, &geo, &verify, &branchRaw); err != nil {
		return models.Ticket{}, err
	}
	if err := decodeJSON(resolution, &t.Resolution); err != nil {
		return models.Ticket{}, err
	}
	if err := decodeJSON(geo, &t.GeoValidation); err != nil {
		return models.Ticket{}, err
	}
	if err := decodeJSON(verify, &t.Verification); err != nil {
		return models.Ticket{}, err
	}
	if err := decodeJSON(branchRaw, &t.BranchConfirmation); err != nil {
		return models.Ticket{}, err
	}
	return t, nil
}

func decodeJSON[T any](raw []byte, dst **T) error {
	if len(raw) == 0 {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func encodeJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *pgRepo) CreateTicket(ctx context.Context, t models.Ticket) (models.Ticket, error) {
	out, err := prepareNewTicket(t, r.clock.Now())
	if err != nil {
		return models.Ticket{}, err
	}
	if _, err := r.GetMachine(ctx, out.MachineID); err != nil {
		return models.Ticket{}, err
	}
	var seq int64
	if err := r.q.QueryRow(ctx, `SELECT nextval('ticket_seq')`).Scan(&seq); err != nil {
		return models.Ticket{}, err
	}
	out.ID = FormatTicketID(seq)
	_, err = r.q.Exec(ctx, `
		INSERT INTO tickets (id, machine_id, engineer_id, origin, category, severity, description, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, out.ID, out.MachineID, out.EngineerID, out.Origin, out.Category, out.Severity, out.Description, out.Status, out.Version, out.CreatedAt, out.UpdatedAt)
	if err != nil {
		return models.Ticket{}, err
	}
	return out, nil
}

func (r *pgRepo) PatchTicket(ctx context.Context, id string, p models.TicketPatch) (models.Ticket, error) {
	cur, err := scanTicket(r.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
		}
		return models.Ticket{}, err
	}
	next, err := models.ApplyPatch(cur, p, r.clock.Now())
	if err != nil {
		return models.Ticket{}, err
	}
	resolution, err := encodeJSON(next.Resolution)
	if err != nil {
		return models.Ticket{}, err
	}
	geo, err := encodeJSON(next.GeoValidation)
	if err != nil {
		return models.Ticket{}, err
	}
	verify, err := encodeJSON(next.Verification)
	if err != nil {
		return models.Ticket{}, err
	}
	branch, err := encodeJSON(next.BranchConfirmation)
	if err != nil {
		return models.Ticket{}, err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE tickets
		SET engineer_id = $1, category = $2, severity = $3, description = $4, status = $5, version = $6, updated_at = $7,
			resolution = $8, geo_validation = $9, verification = $10, branch_confirmation = $11
		WHERE id = $12 AND version = $13
	`, next.EngineerID, next.Category, next.Severity, next.Description, next.Status, next.Version, next.UpdatedAt,
		resolution, geo, verify, branch, id, cur.Version)
	if err != nil {
		return models.Ticket{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Ticket{}, models.ErrConflict
	}
	return next, nil
}

func (r *pgRepo) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	t, err := scanTicket(r.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
		}
		return models.Ticket{}, err
	}
	return t, nil
}

func (r *pgRepo) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	limit, offset := normalizeLimit(f)
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	var wheres []string
	if f.Status != "" {
		args = append(args, f.Status)
		wheres = append(wheres, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.MachineID != "" {
		args = append(args, f.MachineID)
		wheres = append(wheres, fmt.Sprintf("machine_id = $%d", len(args)))
	}
	if f.EngineerID != "" {
		args = append(args, f.EngineerID)
		wheres = append(wheres, fmt.Sprintf("engineer_id = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + fmt.Sprint(len(args)+1) + " OFFSET $" + fmt.Sprint(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *pgRepo) CountTickets(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`).Scan(&n)
	return n, err
}

const engineerColumns = `id, name, lat, lon, status, ongoing_task, first_time_fix_rate, updated_at`

func scanEngineer(row pgx.Row) (models.Engineer, error) {
	var e models.Engineer
	err := row.Scan(&e.ID, &e.Name, &e.Lat, &e.Lng, &e.Status, &e.OngoingTask, &e.FirstTimeFixRate, &e.UpdatedAt)
	return e, err
}

func (r *pgRepo) ListEngineers(ctx context.Context) ([]models.Engineer, error) {
	return r.queryEngineers(ctx, `SELECT `+engineerColumns+` FROM engineers ORDER BY id ASC`)
}

func (r *pgRepo) ClaimAvailableEngineers(ctx context.Context) ([]models.Engineer, error) {
	return r.queryEngineers(ctx, `
		SELECT `+engineerColumns+` FROM engineers
		WHERE status = 'available'
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED`)
}

func (r *pgRepo) queryEngineers(ctx context.Context, query string) ([]models.Engineer, error) {
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Engineer{}
	for rows.Next() {
		e, err := scanEngineer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRepo) GetEngineer(ctx context.Context, id string) (models.Engineer, error) {
	return r.getEngineer(ctx, id, false)
}

func (r *pgRepo) getEngineer(ctx context.Context, id string, lock bool) (models.Engineer, error) {
	query := `SELECT ` + engineerColumns + ` FROM engineers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	e, err := scanEngineer(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Engineer{}, fmt.Errorf("engineer %s: %w", id, models.ErrNotFound)
		}
		return models.Engineer{}, err
	}
	return e, nil
}

func (r *pgRepo) UpsertEngineer(ctx context.Context, e models.Engineer) (models.Engineer, error) {
	if e.ID == "" {
		return models.Engineer{}, fmt.Errorf("%w: engineer id is required", models.ErrValidation)
	}
	if e.Status == "" || e.Status == models.EngineerBusy {
		e.Status = models.EngineerAvailable
	}
	now := r.clock.Now()
	// Status and ongoing task of an existing row stay with assign/release.
	row := r.q.QueryRow(ctx, `
		INSERT INTO engineers (id, name, lat, lon, status, ongoing_task, first_time_fix_rate, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULL,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			first_time_fix_rate = EXCLUDED.first_time_fix_rate,
			updated_at = EXCLUDED.updated_at
		RETURNING `+engineerColumns, e.ID, e.Name, e.Lat, e.Lng, e.Status, e.FirstTimeFixRate, now)
	return scanEngineer(row)
}

func (r *pgRepo) AssignEngineer(ctx context.Context, engineerID, ticketID string) (models.Engineer, error) {
	e, err := r.getEngineer(ctx, engineerID, true)
	if err != nil {
		return models.Engineer{}, err
	}
	var status models.TicketStatus
	if err := r.q.QueryRow(ctx, `SELECT status FROM tickets WHERE id = $1 FOR UPDATE`, ticketID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Engineer{}, fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
		}
		return models.Engineer{}, err
	}
	if e.Status == models.EngineerBusy && e.OngoingTask != nil && *e.OngoingTask == ticketID {
		return e, nil
	}
	if e.Status != models.EngineerAvailable {
		return models.Engineer{}, fmt.Errorf("engineer %s is %s: %w", engineerID, e.Status, models.ErrEngineerUnavailable)
	}
	if !status.Active() {
		return models.Engineer{}, models.Precondition(ticketID, fmt.Sprintf("cannot bind an engineer to a %s ticket", status))
	}
	return scanEngineer(r.q.QueryRow(ctx, `
		UPDATE engineers SET status = 'busy', ongoing_task = $1, updated_at = $2
		WHERE id = $3 AND status = 'available'
		RETURNING `+engineerColumns, ticketID, r.clock.Now(), engineerID))
}

func (r *pgRepo) ReleaseEngineer(ctx context.Context, engineerID string) (models.Engineer, error) {
	e, err := scanEngineer(r.q.QueryRow(ctx, `
		UPDATE engineers
		SET status = CASE WHEN status = 'busy' THEN 'available' ELSE status END, ongoing_task = NULL, updated_at = $1
		WHERE id = $2
		RETURNING `+engineerColumns, r.clock.Now(), engineerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", engineerID, models.ErrNotFound)
	}
	return e, err
}

func (r *pgRepo) SetEngineerStatus(ctx context.Context, engineerID string, status models.EngineerStatus) (models.Engineer, error) {
	e, err := r.getEngineer(ctx, engineerID, true)
	if err != nil {
		return models.Engineer{}, err
	}
	if err := checkAvailabilityChange(e, status); err != nil {
		return models.Engineer{}, err
	}
	return scanEngineer(r.q.QueryRow(ctx, `
		UPDATE engineers SET status = $1, updated_at = $2 WHERE id = $3
		RETURNING `+engineerColumns, status, r.clock.Now(), engineerID))
}

func (r *pgRepo) UpdateEngineerPosition(ctx context.Context, engineerID string, pos models.Position) (models.Engineer, error) {
	e, err := scanEngineer(r.q.QueryRow(ctx, `
		UPDATE engineers SET lat = $1, lon = $2, updated_at = $3 WHERE id = $4
		RETURNING `+engineerColumns, pos.Lat, pos.Lng, r.clock.Now(), engineerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Engineer{}, fmt.Errorf("engineer %s: %w", engineerID, models.ErrNotFound)
	}
	return e, err
}

func (r *pgRepo) GetMachine(ctx context.Context, id string) (models.Machine, error) {
	var m models.Machine
	err := r.q.QueryRow(ctx, `SELECT id, name, branch_id, address, lat, lon FROM machines WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.BranchID, &m.Address, &m.Lat, &m.Lng)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Machine{}, fmt.Errorf("machine %s: %w", id, models.ErrNotFound)
		}
		return models.Machine{}, err
	}
	return m, nil
}

func (r *pgRepo) ListMachines(ctx context.Context) ([]models.Machine, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, branch_id, address, lat, lon FROM machines ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Machine{}
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.BranchID, &m.Address, &m.Lat, &m.Lng); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgRepo) UpsertMachine(ctx context.Context, m models.Machine) (models.Machine, error) {
	if m.ID == "" {
		return models.Machine{}, fmt.Errorf("%w: machine id is required", models.ErrValidation)
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO machines (id, name, branch_id, address, lat, lon)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			branch_id = EXCLUDED.branch_id,
			address = EXCLUDED.address,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon
	`, m.ID, m.Name, m.BranchID, m.Address, m.Lat, m.Lng)
	return m, err
}
