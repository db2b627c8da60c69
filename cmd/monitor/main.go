package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/config"
	"github.com/ukydev/control-room/internal/feedclient"
	"github.com/ukydev/control-room/internal/fleet"
	"github.com/ukydev/control-room/internal/models"
)

// view renders what the dashboard would show for a snapshot.
type view struct {
	filter fleet.Filter
}

func (v view) fields(snapshot models.Snapshot) log.Fields {
	visible := fleet.Apply(snapshot, v.filter)
	stats := fleet.Stats(visible)
	return log.Fields{
		"badge":         fleet.VehicleCountLabel(len(visible)),
		"total":         stats.Total,
		"active":        stats.Active,
		"idle":          stats.Idle,
		"maintenance":   stats.Maintenance,
		"average_speed": stats.AverageSpeed,
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Log.Apply(); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	policy, err := cfg.Retry.Policy()
	if err != nil {
		log.WithError(err).Fatal("Invalid retry policy")
	}

	tenantID := os.Getenv("TENANT_ID")
	if tenantID == "" {
		log.Fatal("TENANT_ID is required")
	}
	relayURL := os.Getenv("RELAY_URL")
	if relayURL == "" {
		relayURL = "http://localhost:3001"
	}
	wsURL, err := feedclient.WebsocketURL(relayURL)
	if err != nil {
		log.WithError(err).Fatal("Invalid RELAY_URL")
	}
	filter, err := fleet.ParseFilter(os.Getenv("FILTER_STATUS"), os.Getenv("FILTER_ZONE"), os.Getenv("FILTER_DRIVER"))
	if err != nil {
		log.WithError(err).Fatal("Invalid filter")
	}

	v := view{filter: filter}
	manager := fleet.NewManager(
		feedclient.NewHTTPFetcher(relayURL, nil),
		feedclient.NewSubscriber(wsURL),
		fleet.WithRetryPolicy(policy),
	)

	logger := log.WithFields(log.Fields{"tenant_id": tenantID, "relay": relayURL})
	logger.Info("Starting fleet monitor")

	cancel := manager.Start(tenantID,
		func(snapshot models.Snapshot) {
			logger.WithFields(v.fields(snapshot)).Info("Fleet updated")
		},
		func(state fleet.ConnectionState) {
			entry := logger.WithFields(log.Fields{
				"status":  state.Status.Label(),
				"retries": state.RetryCount,
			})
			if state.LastError != nil {
				entry = entry.WithError(state.LastError)
			}
			entry.Info("Connection status changed")
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	cancel()
	logger.Info("Fleet monitor stopped")
}
