package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/core/services"
	httphandlers "partymesh/internal/handlers/http"
	"partymesh/internal/infrastructure/events"
	"partymesh/internal/infrastructure/media"
	"partymesh/internal/infrastructure/monitoring"
	"partymesh/internal/infrastructure/rendezvous"
	webrtcinfra "partymesh/internal/infrastructure/webrtc"
	"partymesh/pkg/circuitbreaker"
	"partymesh/pkg/config"
	"partymesh/pkg/logger"
	"partymesh/pkg/retry"
	"partymesh/pkg/tracing"
	"partymesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var errOwnerTokenRequired = errors.New("joining as owner requires an owner join token when auth.join_secret is set")

// identity is who this process joins as.
type identity struct {
	room    domain.RoomID
	role    domain.Role
	profile domain.Profile
	token   string
}

func runJoin(args []string) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yaml", "path to the config file")
	room := fs.String("room", "", "room code")
	name := fs.String("name", "", "display name")
	owner := fs.Bool("owner", false, "join as the room owner")
	token := fs.String("token", "", "join token issued by the room backend")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *room != "" {
		cfg.Room.Code = *room
	}
	if *name != "" {
		cfg.Identity.DisplayName = *name
	}
	if *owner {
		cfg.Room.Owner = true
	}
	if *token != "" {
		cfg.Auth.JoinToken = *token
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.JaegerURL = cfg.Tracing.JaegerEndpoint
	tcfg.Room = cfg.Room.Code
	tcfg.SampleRate = cfg.Tracing.SamplingRate
	tp, err := tracing.Init(tcfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	var auth services.AuthService
	if cfg.Auth.JoinSecret != "" {
		auth = services.NewAuthService(cfg.Auth.JoinSecret, cfg.Auth.JoinTokenTTL)
	}
	id, err := resolveIdentity(cfg, auth)
	if err != nil {
		return err
	}

	self := domain.NewPeerID(id.room)
	log = logger.ForSession(log, id.room.String(), self.String())

	factory, err := rendezvous.NewFactory(cfg, id.token, log)
	if err != nil {
		return err
	}
	defer factory.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMeshCollector(registry)

	hub := events.NewHub(log.Named("events"))
	defer hub.Close()

	transport, err := webrtcinfra.NewTransport(
		webrtcinfra.ConfigFrom(cfg, id.room, id.profile),
		factory.CreateSignaler(),
		log.Named("webrtc"),
	)
	if err != nil {
		return err
	}

	session := services.NewMeshSession(sessionConfig(cfg, self, id), services.SessionDeps{
		Directory: factory.CreateDirectory(),
		Transport: transport,
		Sink:      hub,
		Bans:      factory.CreateBanStore(),
		Metrics:   metrics,
		Logger:    log,
	})

	stream, cancelStream := hub.Subscribe(128)
	defer cancelStream()

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), 2*time.Minute)
	err = session.Join(joinCtx)
	cancelJoin()
	if err != nil {
		_ = transport.Close()
		return err
	}
	fmt.Printf("joined %s as %s (%s)\n", id.room, self, id.role)

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.API.Enabled {
		srv = startAPI(cfg, session, hub, auth, factory, registry, log)
		go func() {
			log.Infow("local API listening", "address", cfg.API.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	removed := watchEvents(stream, log)
	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		log.Errorw("local API failed", "error", err)
	case <-removed:
		log.Warn("removed from room")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during API shutdown", "error", err)
			_ = srv.Close()
		}
	}
	if err := session.Leave(shutdownCtx); err != nil {
		log.Errorw("error leaving room", "error", err)
	}
	return nil
}

// resolveIdentity merges the join token, if any, with the configured room
// and profile. Token values win; config fills the gaps. With a join secret
// configured the owner role only comes from a token.
func resolveIdentity(cfg *config.Config, auth services.AuthService) (identity, error) {
	id := identity{
		role: domain.RoleStandard,
		profile: domain.Profile{
			DisplayName: cfg.Identity.DisplayName,
			Email:       cfg.Identity.Email,
		},
		token: cfg.Auth.JoinToken,
	}
	if cfg.Room.Owner {
		id.role = domain.RoleOwner
	}

	if cfg.Room.Code != "" {
		room, err := domain.ParseRoomID(cfg.Room.Code)
		if err != nil {
			return id, err
		}
		id.room = room
	}

	if auth != nil && id.token == "" && id.role == domain.RoleOwner {
		return id, errOwnerTokenRequired
	}
	if id.token != "" && auth != nil {
		grant, err := auth.ValidateJoinToken(id.token, id.room)
		if err != nil {
			return id, fmt.Errorf("invalid join token: %w", err)
		}
		id.room = grant.Room
		id.role = grant.Role
		if grant.Profile.DisplayName != "" {
			id.profile.DisplayName = grant.Profile.DisplayName
		}
		if grant.Profile.Email != "" {
			id.profile.Email = grant.Profile.Email
		}
	}

	if id.room == "" {
		return id, errors.New("a room code is required (-room or room.code)")
	}
	if err := validation.ValidateDisplayName(id.profile.DisplayName); err != nil {
		return id, err
	}
	if err := validation.ValidateEmail(id.profile.Email); err != nil {
		return id, err
	}
	return id, nil
}

func sessionConfig(cfg *config.Config, self domain.PeerID, id identity) services.SessionConfig {
	sc := services.DefaultSessionConfig(id.room, self, id.profile, id.role)
	sc.HeartbeatInterval = cfg.Rendezvous.HeartbeatInterval
	sc.PollInterval = cfg.Rendezvous.PollInterval
	sc.PollJitter = cfg.Rendezvous.PollJitter
	sc.RequestTimeout = cfg.Rendezvous.RequestTimeout
	sc.MinParticipants = cfg.Mesh.MinParticipants
	sc.MaxParticipants = cfg.Mesh.MaxParticipants
	sc.MessageRate = cfg.Mesh.MessageRate
	sc.MessageBurst = cfg.Mesh.MessageBurst

	sc.Registration = retry.DefaultConfig()
	sc.Registration.MaxAttempts = cfg.Rendezvous.RegisterAttempts
	sc.Breaker = circuitbreaker.DefaultConfig()
	sc.Breaker.Name = "rendezvous"
	sc.Breaker.FailureThreshold = cfg.Rendezvous.FailureThreshold
	return sc
}

func startAPI(
	cfg *config.Config,
	session *services.MeshSession,
	hub *events.Hub,
	auth services.AuthService,
	factory *rendezvous.Factory,
	registry *prometheus.Registry,
	log *zap.SugaredLogger,
) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	health := monitoring.NewHealthChecker()
	health.AddRendezvousCheck(factory.HealthCheck, cfg.Rendezvous.RequestTimeout)
	health.AddSessionCheck(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		snap, err := session.Snapshot(ctx)
		return err == nil && snap.Status == domain.StatusJoined
	})

	router := httphandlers.NewRouter(cfg, httphandlers.RouterDeps{
		Session:  session,
		Events:   hub,
		Media:    mediaOpener(cfg),
		Auth:     auth,
		Health:   health,
		Gatherer: registry,
	}, log.Named("api"))

	return &http.Server{
		Addr:              cfg.API.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func mediaOpener(cfg *config.Config) httphandlers.MediaOpener {
	return func(kind domain.MediaKind) (ports.LocalStream, error) {
		source := cfg.Media.Camera
		if kind == domain.MediaScreen {
			source = cfg.Media.Screen
		}
		return media.FromConfig(kind, source), nil
	}
}

// watchEvents logs session events and reports removal from the room.
func watchEvents(stream <-chan domain.Event, log *zap.SugaredLogger) <-chan struct{} {
	removed := make(chan struct{})
	go func() {
		for ev := range stream {
			fields := []interface{}{"type", ev.Type}
			if ev.Peer != "" {
				fields = append(fields, "peer_id", ev.Peer)
			}
			if ev.Error != "" {
				fields = append(fields, "error", ev.Error)
			}
			if ev.Chat != nil {
				fields = append(fields, "from", ev.Chat.DisplayName, "text", ev.Chat.Text)
			}
			if ev.Change != nil {
				fields = append(fields, "change", ev.Change.Kind)
			}
			log.Infow("session event", fields...)

			if ev.Type == domain.EventRemoved {
				close(removed)
				return
			}
		}
	}()
	return removed
}
