package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/atm_fieldops/backend/internal/client"
	"github.com/atm_fieldops/backend/internal/config"
	"github.com/atm_fieldops/backend/internal/models"
	"github.com/atm_fieldops/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	var (
		apiURL    = pflag.String("api", "http://localhost:8080", "ticket API base URL")
		role      = pflag.String("role", "operations", "client role: operations, engineer or branch")
		engineer  = pflag.String("engineer", "", "engineer id to follow (engineer role)")
		machine   = pflag.String("machine", "", "machine id to follow (branch role)")
		interval  = pflag.Duration("interval", cfg.PollInterval, "poll interval (POLL_INTERVAL)")
		threshold = pflag.Int("failure-threshold", cfg.PollFailureThreshold, "consecutive poll failures before the session reports degraded (POLL_FAILURE_THRESHOLD)")
		lat       = pflag.Float64("lat", 0, "engineer latitude; with --lng, arrival is confirmed automatically")
		lng       = pflag.Float64("lng", 0, "engineer longitude")
		logLevel  = pflag.String("log-level", cfg.LogLevel, "log level")
	)
	pflag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "atm-fieldclient").Logger()

	r := client.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	src := client.HTTPSource{BaseURL: *apiURL, Client: &http.Client{Timeout: 15 * time.Second}}
	s := client.NewSession(r, src, logger)
	s.Interval = *interval
	s.FailureThreshold = *threshold
	switch r {
	case client.RoleEngineer:
		if *engineer == "" {
			fmt.Fprintln(os.Stderr, "--engineer is required for the engineer role")
			os.Exit(2)
		}
		s.Filter.EngineerID = *engineer
	case client.RoleBranch:
		if *machine == "" {
			fmt.Fprintln(os.Stderr, "--machine is required for the branch role")
			os.Exit(2)
		}
		s.Filter.MachineID = *machine
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	autoArrive := r == client.RoleEngineer && pflag.CommandLine.Changed("lat") && pflag.CommandLine.Changed("lng")
	s.OnStageChange = func(ch client.StageChange) {
		ev := logger.Info().
			Str("ticket_id", ch.Ticket.ID).
			Str("machine_id", ch.Ticket.MachineID).
			Str("status", string(ch.Ticket.Status)).
			Stringer("stage", ch.To)
		if ch.From != 0 {
			ev = ev.Stringer("from", ch.From)
		}
		if r == client.RoleEngineer && ch.To == service.StageVerification {
			ev = ev.Str("code", service.Code(ch.Ticket.ID))
		}
		ev.Msg("stage changed")

		if autoArrive && ch.To == service.StageArrival && ch.Ticket.Status.Active() {
			go confirmArrival(ctx, src, s, ch.Ticket.ID, models.Position{Lat: *lat, Lng: *lng}, logger)
		}
	}

	logger.Info().Str("api", *apiURL).Str("role", *role).Dur("interval", *interval).Msg("field client started")
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("session stopped")
		os.Exit(1)
	}
	logger.Info().Msg("field client stopped")
}

func confirmArrival(ctx context.Context, src client.HTTPSource, s *client.Session, ticketID string, pos models.Position, logger zerolog.Logger) {
	arrived, err := src.ConfirmArrival(ctx, ticketID, pos, false)
	if err != nil {
		logger.Warn().Err(err).Str("ticket_id", ticketID).Msg("arrival not confirmed")
		return
	}
	if !arrived {
		logger.Info().Str("ticket_id", ticketID).Msg("still too far from the machine")
		return
	}
	s.MarkArrived(ticketID)
	logger.Info().Str("ticket_id", ticketID).Msg("arrival confirmed")
}
