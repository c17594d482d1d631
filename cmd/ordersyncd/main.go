package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ordersync"
	"ordersync/internal/config"
	"ordersync/internal/events"
	"ordersync/internal/logging"
	"ordersync/internal/models"
	"ordersync/internal/realtime"
	"ordersync/internal/state"

	"github.com/rs/zerolog"
)

// ordersyncd runs the sync layer as a standalone sidecar: it keeps the local
// mutation queue draining and the snapshot cache warm while the UI process
// talks to it in-process or restarts around it.
func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	base, closer, err := logging.New(cfg.Logging, cfg.App, "ordersyncd")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := *base

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ordersync.New(cfg, &logger)
	if err != nil {
		return err
	}
	defer client.Close()

	client.SetAuth(realtime.AuthContext{
		Role:    envOr("ORDERSYNC_ROLE", "manager"),
		Subject: os.Getenv("ORDERSYNC_SUBJECT"),
		Token:   cfg.API.Token,
	})

	registerProjections(client)
	subscribeLifecycleEvents(client.Bus(), &logger)

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info().Msg("sync layer started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func registerProjections(client *ordersync.Client) {
	orders := state.NewProjector[models.Order](nil)
	orders.SetKeyFunc(func(o models.Order) string { return o.ID })
	client.RegisterResource(models.ResourceOrders, orders)

	menu := state.NewProjector[models.MenuItem](nil)
	menu.SetKeyFunc(func(m models.MenuItem) string { return m.ID })
	client.RegisterResource(models.ResourceMenu, menu)

	couriers := state.NewProjector[models.Courier](nil)
	couriers.SetKeyFunc(func(c models.Courier) string { return c.ID })
	client.RegisterResource(models.ResourceCouriers, couriers)
}

func subscribeLifecycleEvents(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventChannelDegraded, func(ev *events.Event) error {
		var payload events.ChannelEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil
		}
		logger.Warn().Int("attempts", payload.Attempts).Str("reason", payload.Reason).
			Msg("realtime channel degraded, relying on periodic drain")
		return nil
	})

	bus.Subscribe(events.EventMutationFailed, func(ev *events.Event) error {
		var payload events.MutationEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil
		}
		logger.Error().Str("queue_id", payload.QueueID).Str("resource", payload.ResourceType).
			Str("operation", payload.Operation).Str("error", payload.Error).
			Msg("mutation failed terminally, user action required")
		return nil
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
