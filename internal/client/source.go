// Package client is the polling side of the field workflow: each role keeps a
// cached view of the tickets it cares about and reconciles it on every poll.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atm_fieldops/backend/internal/models"
)

type Source interface {
	ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error)
}

// HTTPSource talks to the ticket API.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

type ticketList struct {
	Items []models.Ticket `json:"items"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h HTTPSource) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.MachineID != "" {
		q.Set("machineId", f.MachineID)
	}
	if f.EngineerID != "" {
		q.Set("engineerId", f.EngineerID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out ticketList
	if err := h.do(ctx, http.MethodGet, "/api/tickets?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ConfirmArrival reports whether the server accepted the position as arrived.
func (h HTTPSource) ConfirmArrival(ctx context.Context, ticketID string, pos models.Position, override bool) (bool, error) {
	var out struct {
		Arrived bool `json:"arrived"`
	}
	body := map[string]any{"lat": pos.Lat, "lng": pos.Lng, "override": override}
	err := h.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(ticketID)+"/arrival", body, &out)
	return out.Arrived, err
}

// SubmitCode returns the verification result reported by the server.
func (h HTTPSource) SubmitCode(ctx context.Context, ticketID, code string) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	err := h.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(ticketID)+"/verification", map[string]string{"code": code}, &out)
	return out.Result, err
}

func (h HTTPSource) ConfirmCompletion(ctx context.Context, ticketID, confirmedBy string) error {
	body := map[string]string{"confirmedBy": confirmedBy}
	return h.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(ticketID)+"/branch-confirmation", body, nil)
}

func (h HTTPSource) do(ctx context.Context, method, path string, in any, out any) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(h.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Code != "" {
			return fmt.Errorf("api %s: %s: %s", resp.Status, apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
