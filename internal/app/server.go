package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/respgate/internal/events"
	"github.com/jordanhubbard/respgate/internal/gateway"
	"github.com/jordanhubbard/respgate/internal/httpapi"
	"github.com/jordanhubbard/respgate/internal/idempotency"
	"github.com/jordanhubbard/respgate/internal/logging"
	"github.com/jordanhubbard/respgate/internal/metrics"
	"github.com/jordanhubbard/respgate/internal/quota"
	"github.com/jordanhubbard/respgate/internal/router"
	"github.com/jordanhubbard/respgate/internal/secrets"
	"github.com/jordanhubbard/respgate/internal/session"
	"github.com/jordanhubbard/respgate/internal/store"
	"github.com/jordanhubbard/respgate/internal/tracing"
	"github.com/jordanhubbard/respgate/internal/upstream"
)

// liveConfig is the gateway.ConfigSource this server hands to the forwarding
// pipeline: a config file snapshot plus the one piece of state the file
// doesn't own, the operator's manual routing override (spec §3).
type liveConfig struct {
	mu             sync.RWMutex
	cfg            Config
	manualOverride string
}

func (c *liveConfig) Snapshot() gateway.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gateway.Config{
		Config:               c.cfg.RouterConfig(nil),
		GatewayToken:         c.cfg.GatewayToken,
		SimpleInputListHosts: c.cfg.SimpleInputListHosts,
		RequestTimeout:       c.cfg.RequestTimeout(),
		CodexHome:            c.cfg.CodexHome,
		ManualOverride:       c.manualOverride,
	}
}

func (c *liveConfig) replace(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *liveConfig) getManualOverride() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manualOverride
}

func (c *liveConfig) setManualOverride(provider string) {
	c.mu.Lock()
	c.manualOverride = provider
	c.mu.Unlock()
}

// Server wires every respgate subsystem into the one HTTP handler
// cmd/respgate serves: routing, quota, vault, sessions, and the admin
// surface.
type Server struct {
	r *chi.Mux

	logger       *slog.Logger
	store        *store.SQLiteStore
	vault        *secrets.Vault
	liveCfg      *liveConfig
	health       *router.Health
	quotaEngine  *quota.Engine
	sessions     *session.Registry
	eventBus     *events.Bus
	adminToken   *httpapi.AdminTokenHolder
	idempotency  *idempotency.Cache
	otelShutdown func(context.Context) error

	stopWatch     func() error // credentials file watcher, nil if none started
	quotaCancel   context.CancelFunc
	stopHeartbeat chan struct{}
	stopPrune     chan struct{}

	storeWriteQueue chan func()
	storeWriteDone  chan struct{}

	httpServer *http.Server
}

// NewServer builds a Server from cfg: opens the store, unlocks or
// initializes the vault, starts the quota scheduler and the health/session
// background loops, and mounts the HTTP surface.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("database initialized", slog.String("path", cfg.DBPath))

	bus := events.NewBus()

	v := secrets.New(secrets.WithPersist(func(salt []byte, data map[string]string) error {
		return db.PutVaultBlob(context.Background(), salt, data)
	}))
	if blob, ok, err := db.GetVaultBlob(context.Background()); err != nil {
		logger.Warn("failed to load vault blob", slog.String("error", err.Error()))
	} else if ok && cfg.VaultPassword != "" {
		if err := v.Unlock(cfg.VaultPassword, blob.Salt, blob.Sealed); err != nil {
			logger.Error("failed to auto-unlock vault from RESPGATE_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from RESPGATE_VAULT_PASSWORD")
		}
	} else if !ok && cfg.VaultPassword != "" {
		if err := v.Init(cfg.VaultPassword); err != nil {
			logger.Error("failed to initialize vault from RESPGATE_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault initialized from RESPGATE_VAULT_PASSWORD")
		}
	}
	if cfg.VaultPassword != "" {
		logger.Warn("RESPGATE_VAULT_PASSWORD is set: the vault password is visible in the process environment — prefer respgatectl's interactive unlock or a secrets manager in production")
	}

	loadCredentialsFile(cfg.CredentialsFile, v, logger)
	var stopWatch func() error
	if stop, err := secrets.WatchCredentialsFile(cfg.CredentialsFile, func(cf secrets.CredentialsFile) {
		applyCredentials(cf, v, logger)
	}); err != nil {
		logger.Warn("credentials file watch not started", slog.String("path", cfg.CredentialsFile), slog.String("error", err.Error()))
	} else {
		stopWatch = stop
	}

	liveCfg := &liveConfig{cfg: cfg}
	providerNames := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providerNames = append(providerNames, p.Name)
	}
	health := router.NewHealth(providerNames, time.Now().UnixMilli())

	up := upstream.New(tracing.HTTPTransport(nil))

	quotaEngine := quota.New(db, v, up, cfg.SharedCredentialHosts)
	if err := quotaEngine.LoadSnapshots(context.Background()); err != nil {
		logger.Warn("failed to load quota snapshots", slog.String("error", err.Error()))
	}

	sessions := session.NewRegistry()

	gw := gateway.New(liveCfg, health, quotaEngine, db, up, v, sessions)

	m := metrics.New()

	adminToken, err := httpapi.NewAdminTokenHolder(getEnv("RESPGATE_ADMIN_TOKEN", ""), cfg.DBPath, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("admin token: %w", err)
	}

	// Dedupe retried POST /v1/responses calls carrying an Idempotency-Key:
	// a 10-minute window comfortably covers a client's own retry backoff
	// without holding stale cache entries indefinitely.
	idemCache := idempotency.New(10*time.Minute, 4096)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
		logger.Warn("RESPGATE_CORS_ORIGINS not set — CORS allows all origins")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	storeWriteQueue := make(chan func(), 4096)
	storeWriteDone := make(chan struct{})
	go func() {
		defer close(storeWriteDone)
		for fn := range storeWriteQueue {
			fn()
		}
	}()

	deps := httpapi.Dependencies{
		Logger:     logger,
		Gateway:    gw,
		Store:      db,
		Metrics:    m,
		Vault:      v,
		Sessions:    sessions,
		EventsBus:   bus,
		Idempotency: idemCache,
		AdminToken:  adminToken,
		ListenAddr:  cfg.ListenAddr,
		GetManualOverride: liveCfg.getManualOverride,
		SetManualOverride: liveCfg.setManualOverride,
	}
	httpapi.MountRoutes(r, deps)

	quotaCtx, quotaCancel := context.WithCancel(context.Background())
	scheduler := quota.NewScheduler(quotaEngine, func() []quota.Provider {
		snap := liveCfg.Snapshot()
		out := make([]quota.Provider, 0, len(snap.Providers))
		for _, name := range snap.ProviderOrder {
			if p, ok := snap.Providers[name]; ok {
				out = append(out, p)
			}
		}
		return out
	})
	go scheduler.Run(quotaCtx)

	s := &Server{
		r:               r,
		logger:          logger,
		store:           db,
		vault:           v,
		liveCfg:         liveCfg,
		health:          health,
		quotaEngine:     quotaEngine,
		sessions:        sessions,
		eventBus:        bus,
		adminToken:      adminToken,
		idempotency:     idemCache,
		otelShutdown:    otelShutdown,
		stopWatch:       stopWatch,
		quotaCancel:     quotaCancel,
		stopHeartbeat:   make(chan struct{}),
		stopPrune:       make(chan struct{}),
		storeWriteQueue: storeWriteQueue,
		storeWriteDone:  storeWriteDone,
	}

	go s.heartbeatLoop(m)
	go s.sessionPruneLoop()

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain
// in-flight requests via http.Server.Shutdown before releasing other
// resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload swaps cfg into the live config and applies its log level
// (SIGHUP-driven hot reload). It neither reads nor validates the routing
// file itself: the caller passes a Config that LoadConfig has already
// loaded and validated.
func (s *Server) Reload(cfg Config) {
	s.liveCfg.replace(cfg)
	logging.SetLevel(cfg.LogLevel)
	s.logger.Info("configuration reloaded",
		slog.Int("providers", len(cfg.Providers)),
		slog.String("preferred_provider", cfg.PreferredProvider),
		slog.String("log_level", cfg.LogLevel),
	)
}

func (s *Server) Close() error {
	if s.httpServer != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	if s.stopWatch != nil {
		if err := s.stopWatch(); err != nil {
			s.logger.Warn("credentials watcher close error", slog.String("error", err.Error()))
		}
	}
	if s.idempotency != nil {
		s.idempotency.Stop()
	}
	s.quotaCancel()
	close(s.stopHeartbeat)
	close(s.stopPrune)

	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}

	if s.storeWriteQueue != nil {
		close(s.storeWriteQueue)
		<-s.storeWriteDone
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// heartbeatLoop publishes a periodic event and increments the heartbeat
// counter; external monitors alert if the counter stops incrementing,
// which indicates a hung process. It also refreshes the Prometheus health
// and quota gauges from their live snapshots, since gateway.Gateway's
// constructor takes no metrics dependency.
func (s *Server) heartbeatLoop(m *metrics.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.HeartbeatTotal.Inc()
			for provider, snap := range s.health.Snapshot() {
				v := 0.0
				if snap.IsHealthy {
					v = 1
				}
				m.ProviderHealthState.WithLabelValues(provider).Set(v)
			}
			snaps, err := s.store.ListQuotaSnapshots(context.Background())
			if err != nil {
				s.logger.Warn("heartbeat: list quota snapshots failed", slog.String("error", err.Error()))
				continue
			}
			for _, snap := range snaps {
				if snap.Remaining != nil {
					m.QuotaRemaining.WithLabelValues(snap.Provider).Set(*snap.Remaining)
				}
			}
			s.eventBus.Publish(events.Event{Type: events.EventQuotaRefresh, Reason: fmt.Sprintf("providers=%d", len(snaps))})
		case <-s.stopHeartbeat:
			return
		}
	}
}

// sessionPruneLoop periodically removes sessions whose owning process or
// terminal has gone away.
func (s *Server) sessionPruneLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := s.sessions.Prune(); len(removed) > 0 {
				s.logger.Info("pruned stale sessions", slog.Int("count", len(removed)))
			}
		case <-s.stopPrune:
			return
		}
	}
}

// loadCredentialsFile reads the on-disk credentials file (if any) and
// stores its contents in the vault, so a first-run operator can bootstrap
// provider API keys without ever calling the admin API.
func loadCredentialsFile(path string, v *secrets.Vault, logger *slog.Logger) {
	if path == "" {
		return
	}
	cf, err := secrets.LoadCredentialsFile(path)
	if err != nil {
		logger.Warn("credentials file not loaded", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	applyCredentials(cf, v, logger)
}

func applyCredentials(cf secrets.CredentialsFile, v *secrets.Vault, logger *slog.Logger) {
	if v.IsLocked() {
		logger.Warn("credentials file present but vault is locked; unlock it via respgatectl to import")
		return
	}
	for name, key := range cf.ProviderKeys {
		if err := v.Set(secrets.ProviderKeyName(name), key); err != nil {
			logger.Warn("failed to store provider key", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}
	for name, token := range cf.UsageTokens {
		if err := v.Set(secrets.UsageTokenName(name), token); err != nil {
			logger.Warn("failed to store usage token", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}
	logger.Info("loaded credentials file", slog.Int("provider_keys", len(cf.ProviderKeys)), slog.Int("usage_tokens", len(cf.UsageTokens)))
}
