package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/mchcare/internal/aggregate"
	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/database"
	"github.com/dukerupert/mchcare/internal/email"
	"github.com/dukerupert/mchcare/internal/handler"
	"github.com/dukerupert/mchcare/internal/middleware"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/push"
	"github.com/dukerupert/mchcare/internal/store"
	ws "github.com/dukerupert/mchcare/internal/websocket"
)

const defaultRateLimit = 120

// Options are the optional parts of the server.
type Options struct {
	BaseURL string
	// AllowedOrigins are extra hosts accepted on websocket upgrades.
	AllowedOrigins     []string
	RateLimitPerMinute int
	CacheTTL           time.Duration
	Push               *push.Service
	Email              *email.Client
	// AlertEmail receives backup and restore failure alerts.
	AlertEmail string
}

type Server struct {
	db      *sql.DB
	hub     *ws.Hub
	manager *backup.Manager
	cache   *aggregate.Cache
	opts    Options

	userStore *store.UserStore

	backupH  *handler.BackupHandler
	patientH *handler.PatientHandler
	statsH   *handler.StatsHandler
	pushH    *handler.PushHandler

	rateLimiter *middleware.RateLimiter
	alerter     *alerter
	alerts      sync.WaitGroup
	logger      *slog.Logger
}

// New wires the HTTP API. events must be the bus the manager publishes
// restore notifications on so caches and websocket clients follow restores.
func New(db *sql.DB, mgr *backup.Manager, runner *backup.Runner, events *store.Events, opts Options, logger *slog.Logger) *Server {
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = defaultRateLimit
	}
	if opts.Push == nil {
		opts.Push = push.NewService("", "", "")
	}

	hub := ws.NewHub(logger.With("component", "websocket"))

	patientStore := store.NewPatientStore(db, events)
	backupStore := store.NewBackupStore(db)
	restoreStore := store.NewRestoreStore(db)
	pushStore := store.NewPushStore(db)

	cache := aggregate.New(opts.CacheTTL, logger.With("component", "aggregate"))
	aggregate.RegisterClinical(cache, aggregate.Stores{
		Patients:      patientStore,
		Prenatal:      store.NewPrenatalStore(db, events),
		Children:      store.NewChildStore(db, events),
		Immunizations: store.NewImmunizationStore(db, events),
		Vaccines:      store.NewVaccineStore(db, events),
	}, nil)
	cache.Attach(events)

	events.Subscribe(func(c store.Change) {
		hub.Broadcast(ws.ChangeMessage(c))
	})

	s := &Server{
		db:          db,
		hub:         hub,
		manager:     mgr,
		cache:       cache,
		opts:        opts,
		userStore:   store.NewUserStore(db),
		backupH:     handler.NewBackupHandler(mgr, runner, backupStore, restoreStore, logger.With("component", "backup_handler")),
		patientH:    handler.NewPatientHandler(patientStore, logger.With("component", "patient_handler")),
		statsH:      handler.NewStatsHandler(cache, logger.With("component", "stats_handler")),
		pushH:       handler.NewPushHandler(pushStore, opts.Push, logger.With("component", "push_handler")),
		rateLimiter: middleware.NewRateLimiter(),
		alerter: &alerter{
			notifier: push.NewNotifier(opts.Push, pushStore, logger.With("component", "push")),
			email:    opts.Email,
			to:       opts.AlertEmail,
			baseURL:  opts.BaseURL,
			logger:   logger.With("component", "alerts"),
		},
		logger: logger,
	}
	mgr.SetCallback(s.onBackupEvent)
	return s
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Wait blocks until in-flight failure alerts are delivered.
func (s *Server) Wait() {
	s.alerts.Wait()
}

// onBackupEvent fans manager events out to websocket clients and, for
// failures, to the administrators.
func (s *Server) onBackupEvent(e backup.Event) {
	s.hub.BroadcastAdmin(ws.NewMessage(string(e.Kind), string(e.Status), e.ID, e))
	if e.Status != model.BackupStatusFailed {
		return
	}
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		s.alerter.send(e)
	}()
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	requireAuth := middleware.RequireAuth(s.userStore)
	mux.Handle("GET /ws", requireAuth(ws.HandleWebSocket(s.hub, s.opts.AllowedOrigins, s.logger.With("component", "websocket"))))

	api := http.NewServeMux()
	s.registerAPIRoutes(api)

	limit := middleware.RateLimit(s.rateLimiter, middleware.RealIP, s.opts.RateLimitPerMinute, time.Minute)
	mux.Handle("/api/", limit(requireAuth(api)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "ok",
		"restoring": s.manager.RestoreInProgress(),
	}
	if v, err := database.Version(s.db); err != nil {
		s.logger.Error("health check", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	} else {
		body["schema_version"] = v
	}
	writeJSON(w, status, body)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Writes are refused while a restore holds the database. Cancel routes
	// stay open so the restore itself can be stopped.
	write := middleware.ReadOnly(s.manager.RestoreInProgress)
	admin := func(h http.HandlerFunc) http.Handler { return middleware.RequireAdmin(h) }
	adminWrite := func(h http.HandlerFunc) http.Handler { return middleware.RequireAdmin(write(h)) }

	// Backups
	mux.Handle("GET /api/backups/status", admin(s.backupH.Status))
	mux.Handle("GET /api/backups", admin(s.backupH.List))
	mux.Handle("POST /api/backups", adminWrite(s.backupH.Create))
	mux.Handle("GET /api/backups/{id}", admin(s.backupH.Get))
	mux.Handle("GET /api/backups/{id}/download", admin(s.backupH.Download))
	mux.Handle("DELETE /api/backups/{id}", adminWrite(s.backupH.Delete))
	mux.Handle("POST /api/backups/{id}/cancel", admin(s.backupH.Cancel))
	mux.Handle("POST /api/backups/{id}/restore", adminWrite(s.backupH.Restore))

	// Restores
	mux.Handle("GET /api/restores", admin(s.backupH.ListRestores))
	mux.Handle("GET /api/restores/{id}", admin(s.backupH.GetRestore))
	mux.Handle("POST /api/restores/{id}/cancel", admin(s.backupH.CancelRestore))

	// Patients
	mux.HandleFunc("GET /api/patients", s.patientH.List)
	mux.HandleFunc("GET /api/patients/search", s.patientH.Search)
	mux.Handle("POST /api/patients", write(http.HandlerFunc(s.patientH.Create)))
	mux.HandleFunc("GET /api/patients/{id}", s.patientH.Get)
	mux.Handle("PUT /api/patients/{id}", write(http.HandlerFunc(s.patientH.Update)))
	mux.Handle("DELETE /api/patients/{id}", write(http.HandlerFunc(s.patientH.Delete)))

	mux.HandleFunc("GET /api/stats", s.statsH.Get)

	// Push notifications
	mux.Handle("POST /api/push/subscribe", write(http.HandlerFunc(s.pushH.Subscribe)))
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.Handle("DELETE /api/push/subscriptions/{id}", write(http.HandlerFunc(s.pushH.Unsubscribe)))
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("POST /api/push/test", s.pushH.TestNotification)
}
