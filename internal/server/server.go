// Package server wires the relay: HTTP routes, the websocket hub and the
// background workers that feed it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/config"
	"github.com/ukydev/control-room/internal/db"
	"github.com/ukydev/control-room/internal/handlers"
	"github.com/ukydev/control-room/internal/ingest"
	"github.com/ukydev/control-room/internal/middleware"
	"github.com/ukydev/control-room/internal/mqttingest"
	"github.com/ukydev/control-room/internal/relay"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterMaxIdle         = 30 * time.Minute
)

// Deps are the external resources of a Server.
type Deps struct {
	Positions db.PositionCollection
	// Changes is optional. It is only watched when the change stream is
	// enabled in the configuration.
	Changes db.ChangeFeed
	// InstanceID tags the writes of this process.
	InstanceID string
}

// Server is one relay instance.
type Server struct {
	cfg         *config.Config
	deps        Deps
	rooms       *relay.RoomRegistry
	hub         *relay.Hub
	broadcaster *relay.Broadcaster
	service     *ingest.Service
	limiter     *middleware.RateLimitMiddleware

	positions *handlers.PositionHandler
	health    *handlers.HealthHandler

	httpServer *http.Server
	mqtt       *mqttingest.Subscriber
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a server. Nothing is started until Init and ListenAndServe.
func New(cfg *config.Config, deps Deps) *Server {
	rooms := relay.NewRoomRegistry()
	hub := relay.NewHub(rooms, relay.HubOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Relay.SendBuffer,
	})
	broadcaster := relay.NewBroadcaster(rooms)
	service := ingest.NewService(deps.Positions, broadcaster, deps.InstanceID)

	s := &Server{
		cfg:         cfg,
		deps:        deps,
		rooms:       rooms,
		hub:         hub,
		broadcaster: broadcaster,
		service:     service,
		positions:   handlers.NewPositionHandler(service, deps.Positions),
		health:      handlers.NewHealthHandler(deps.Positions, hub, rooms),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimitMiddleware(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Rooms exposes the room registry.
func (s *Server) Rooms() *relay.RoomRegistry { return s.rooms }

// Routes returns the HTTP handler of the relay.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestLogger)

	writes := func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.RateLimit)
		}
		r.Post("/", s.positions.Create)
		r.Post("/batch", s.positions.CreateBatch)
	}
	reads := func(r chi.Router) {
		r.Get("/{tenantID}", s.positions.List)
		r.Get("/{tenantID}/latest", s.positions.Latest)
	}
	for _, prefix := range []string{"/api/positions", "/positions"} {
		r.Route(prefix, func(r chi.Router) {
			r.Group(writes)
			r.Group(reads)
		})
	}

	r.Get("/health", s.health.Health)
	r.Get("/metrics", s.health.Metrics)
	r.Handle("/metrics/prometheus", promhttp.Handler())
	r.Get("/ws", s.hub.ServeWS)
	r.NotFound(handlers.NotFound)
	return r
}

// Init starts the background workers: change relay, MQTT ingest and rate
// limiter cleanup.
func (s *Server) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cfg.Mongo.ChangeStream && s.deps.Changes != nil {
		policy, err := s.cfg.Retry.Policy()
		if err != nil {
			cancel()
			return fmt.Errorf("change relay: %w", err)
		}
		changeRelay := relay.NewChangeRelay(s.deps.Changes, s.broadcaster, s.deps.InstanceID, policy)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := changeRelay.Run(ctx); err != nil {
				log.WithError(err).Error("change relay stopped")
			}
		}()
	}

	if s.cfg.MQTT.Enabled {
		sub := mqttingest.NewSubscriber(s.cfg.MQTT, s.service)
		if err := sub.Start(); err != nil {
			cancel()
			return err
		}
		s.mqtt = sub
	}

	if s.limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.RunCleanup(ctx, limiterCleanupInterval, limiterMaxIdle)
		}()
	}
	return nil
}

// ListenAndServe serves HTTP until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.httpServer.Addr).Info("relay listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every websocket and stops the
// background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.CloseAll()
	if s.mqtt != nil {
		s.mqtt.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
