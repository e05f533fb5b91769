// Package events records ticket mutations on an append-only audit stream.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TicketCreated         = "ticket.created"
	TicketPatched         = "ticket.patched"
	TicketDispatched      = "ticket.dispatched"
	TicketArrived         = "ticket.arrived"
	TicketVerified        = "ticket.verified"
	TicketProofAttached   = "ticket.proof_attached"
	TicketBranchConfirmed = "ticket.branch_confirmed"
	TicketFinalized       = "ticket.finalized"
	TicketEscalated       = "ticket.escalated"
	TicketClosed          = "ticket.closed"
	TicketReassigned      = "ticket.reassigned"
	EngineerReleased      = "engineer.released"
	EngineerAssigned      = "engineer.assigned"
)

type Event struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	TicketID   string    `json:"ticketId,omitempty"`
	EngineerID string    `json:"engineerId,omitempty"`
	Status     string    `json:"status,omitempty"`
	Version    int64     `json:"version,omitempty"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Feed interface {
	Recent(ctx context.Context, count int64) ([]Event, error)
}

type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, e Event) error { return nil }

func (NopPublisher) Recent(ctx context.Context, count int64) ([]Event, error) { return []Event{}, nil }

type RedisPublisher struct {
	Client *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (p RedisPublisher) Publish(ctx context.Context, e Event) error {
	return p.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		MaxLen: p.MaxLen,
		Approx: p.MaxLen > 0,
		Values: encode(e),
	}).Err()
}

func (p RedisPublisher) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := p.Client.XRevRangeN(ctx, p.Stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		e := decode(m.Values)
		e.ID = m.ID
		out = append(out, e)
	}
	return out, nil
}

// encode keeps field order fixed so stream entries are byte-stable.
func encode(e Event) []interface{} {
	return []interface{}{
		"type", e.Type,
		"ticket_id", e.TicketID,
		"engineer_id", e.EngineerID,
		"status", e.Status,
		"version", strconv.FormatInt(e.Version, 10),
		"note", e.Note,
		"at", e.At.UTC().Format(time.RFC3339Nano),
	}
}

func decode(values map[string]interface{}) Event {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	e := Event{
		Type:       str("type"),
		TicketID:   str("ticket_id"),
		EngineerID: str("engineer_id"),
		Status:     str("status"),
		Note:       str("note"),
	}
	e.Version, _ = strconv.ParseInt(str("version"), 10, 64)
	e.At, _ = time.Parse(time.RFC3339Nano, str("at"))
	return e
}
