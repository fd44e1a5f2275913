package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/helicontrade/tracking/internal/config"
	"github.com/helicontrade/tracking/internal/event"
	"github.com/helicontrade/tracking/internal/logging"
	"github.com/helicontrade/tracking/internal/tracking"
)

var (
	errTrackingDisabled = errors.New("tracking is disabled in the configuration")
	errNoProviders      = errors.New("no tracking provider is configured")
)

type sendOptions struct {
	name       string
	userID     string
	sessionID  string
	properties string
}

func newSendCmd() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one event to every configured provider and exit",
		Example: `  tracking-gateway send --name page_view --properties '{"path":"/markets"}'
  tracking-gateway send --name order_filled --user u-42 --properties '{"symbol":"AAPL","qty":10}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return send(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Event name")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User id")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Session id")
	cmd.Flags().StringVarP(&opts.properties, "properties", "p", "{}", "Event properties as a JSON object")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func send(ctx context.Context, cfg *config.Config, opts sendOptions) error {
	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	ev, err := buildEvent(opts)
	if err != nil {
		return err
	}

	if !cfg.Tracking.Enabled {
		return errTrackingDisabled
	}

	svc := tracking.New(cfg.Tracking)
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize tracking: %w", err)
	}
	if len(svc.Stats().Providers) == 0 {
		_ = svc.Close(ctx)
		return errNoProviders
	}

	svc.Track(ev)
	if err := svc.Close(ctx); err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}

	stats := svc.Stats()
	if stats.Dropped > 0 {
		return fmt.Errorf("event %s dropped after retries", ev.ID)
	}
	log.Info().Str("event_id", ev.ID).Str("event_name", string(ev.Name())).Msg("Event delivered")
	return nil
}

// buildEvent decodes the flags through the wire format so known event names
// get their typed properties.
func buildEvent(opts sendOptions) (event.TrackingEvent, error) {
	raw, err := json.Marshal(map[string]any{
		"eventName":  opts.name,
		"userId":     opts.userID,
		"sessionId":  opts.sessionID,
		"properties": json.RawMessage(opts.properties),
	})
	if err != nil {
		return event.TrackingEvent{}, fmt.Errorf("invalid properties: %w", err)
	}

	var ev event.TrackingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return event.TrackingEvent{}, err
	}
	ev = event.Complete(ev, event.SourceAPI)
	if err := ev.Validate(); err != nil {
		return event.TrackingEvent{}, err
	}
	return ev, nil
}
