package core

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/assets"
	"github.com/policypulse/policypulse-go/internal/backend"
	"github.com/policypulse/policypulse-go/internal/config"
	"github.com/policypulse/policypulse-go/internal/control"
	"github.com/policypulse/policypulse-go/internal/db"
	"github.com/policypulse/policypulse-go/internal/inbox"
	"github.com/policypulse/policypulse-go/internal/jobs"
	"github.com/policypulse/policypulse-go/internal/notify"
	"github.com/policypulse/policypulse-go/internal/progress"
	"github.com/policypulse/policypulse-go/internal/store"
	"github.com/policypulse/policypulse-go/internal/stream"
	"github.com/policypulse/policypulse-go/internal/websocket"
)

// App holds the core components of the application that are shared
// between the gateway and the CLI.
type App struct {
	Version string

	cfg      *config.Config
	db       *sql.DB
	prefs    *store.Store
	uploads  *store.UploadStore
	backend  *backend.Client
	progress *progress.Store
	stats    *backend.StatsCache
	streams  *stream.Manager
	control  *control.Controller
	hub      *websocket.Hub
	jobs     *jobs.JobManager
	inbox    *inbox.Watcher

	scheduler   *gocron.Scheduler
	unsubscribe func()
}

// New loads the configuration and builds the App from it.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig opens the database, runs migrations and wires every
// component. Extra notification sinks receive what the hub receives.
func NewWithConfig(cfg *config.Config, sinks ...notify.Sink) (*App, error) {
	SetupLogging(cfg)

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.RunMigrations(database, assets.MigrationsFS); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	a := &App{
		cfg:      cfg,
		db:       database,
		prefs:    store.New(database),
		uploads:  store.NewUploadStore(database),
		backend:  backend.New(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.BackendTimeout()),
		progress: progress.New(),
		hub:      websocket.NewHub(),
	}

	notifier := notify.Multi{notify.Log{}, a.hub}
	notifier = append(notifier, sinks...)

	a.stats = backend.NewStatsCache(a.backend, a.progress)
	a.streams = stream.New(a.progress, a.backend,
		stream.WithStats(a.stats),
		stream.WithModeStore(a.prefs),
		stream.WithNotifier(notifier),
	)
	a.stats.AttachStreams(a.streams)
	a.control = control.New(a.progress, a.streams, a.backend)

	a.jobs = jobs.NewManager(a)
	jobs.RegisterAll(a.jobs)

	if cfg.Inbox.Path != "" {
		a.inbox = inbox.New(cfg.Inbox.Path, a.backend, a.prefs, a.uploads, notifier)
	}

	log.Debug().Str("backend", cfg.Backend.BaseURL).Str("database", cfg.Database.Path).Msg("core application set up")
	return a, nil
}

// SetupLogging configures the global zerolog logger from cfg.
func SetupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// Start runs the background machinery: the websocket hub, the stream sweep,
// the scheduled syncs and the inbox watcher.
func (a *App) Start() error {
	go a.hub.Run()
	a.unsubscribe = a.progress.Subscribe(a.hub.PublishProgress)
	a.streams.Start()
	a.scheduler = jobs.StartJobs(a)

	if a.inbox != nil {
		if err := a.inbox.Start(); err != nil {
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
	}
	return nil
}

// Close releases every resource. Open streams are closed before the
// database so no mode write races the shutdown.
func (a *App) Close() {
	if a.inbox != nil {
		if err := a.inbox.Stop(); err != nil {
			log.Warn().Err(err).Msg("error stopping inbox watcher")
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.jobs.Shutdown()
	a.streams.CloseAll()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.hub.Close()
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) Config() *config.Config       { return a.cfg }
func (a *App) DB() *sql.DB                  { return a.db }
func (a *App) Prefs() *store.Store          { return a.prefs }
func (a *App) Uploads() *store.UploadStore  { return a.uploads }
func (a *App) Backend() *backend.Client     { return a.backend }
func (a *App) Progress() *progress.Store    { return a.progress }
func (a *App) Stats() *backend.StatsCache   { return a.stats }
func (a *App) Streams() *stream.Manager     { return a.streams }
func (a *App) Control() *control.Controller { return a.control }
func (a *App) WsHub() *websocket.Hub        { return a.hub }
func (a *App) JobManager() *jobs.JobManager { return a.jobs }
func (a *App) Inbox() *inbox.Watcher        { return a.inbox }
