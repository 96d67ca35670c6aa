// Package app assembles the pipeline from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"briefline/internal/agent"
	"briefline/internal/config"
	"briefline/internal/db"
	"briefline/internal/dispatch"
	"briefline/internal/engine"
	"briefline/internal/engine/auth"
	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
	"briefline/internal/migrate"
	"briefline/internal/notify"
	"briefline/internal/queue"
	"briefline/internal/saga"
)

// callbackTTL bounds how long an agent may report on one task.
const callbackTTL = 24 * time.Hour

type Options struct {
	Workspace string
	// Config overrides the workspace config file.
	Config    *config.Config
	JWTSecret string
	Logger    *slog.Logger
	// Agents overrides the HTTP agents built from config.
	Agents agent.Registry
}

// App is the running pipeline. Worker is nil when events are delivered in
// process.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	Bus     *lifecycle.Bus
	Sink    queue.Sink
	Broker  notify.Broker
	Metrics *metrics.Registry
	Signer  auth.Signer
	Worker  *queue.Worker
	Logger  *slog.Logger

	nc *nats.Conn
}

// Open migrates the workspace database and wires every component.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{
		Config:  cfg,
		DB:      conn,
		Metrics: metrics.New(),
		Signer:  auth.Signer{Secret: opts.JWTSecret},
		Logger:  logger,
	}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config
	a.Bus = lifecycle.NewBus(a.Logger.With("component", "bus"))
	a.Bus.OnDeliver = func(evt lifecycle.Event) { a.Metrics.Event(string(evt.Stage), string(evt.Kind)) }
	a.Bus.OnHandlerError = func(handler string, _ lifecycle.Event, _ error) { a.Metrics.HandlerError(handler) }

	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("briefline"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.nc = nc
		if js, err = jetstream.New(nc); err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if _, err := queue.EnsureStream(ctx, js, queue.StreamConfig{Name: cfg.NATS.Stream}); err != nil {
			return err
		}
	}

	onDrop := func(string) { a.Metrics.Notification("dropped") }
	switch cfg.Notifications.Broker {
	case "nats":
		a.Broker = &notify.NATS{Conn: a.nc, BufferSize: cfg.Notifications.BufferSize, OnDrop: onDrop}
	default:
		hub := notify.NewHub(cfg.Notifications.BufferSize)
		hub.OnDrop = onDrop
		a.Broker = hub
	}
	publisher := &notify.Publisher{
		Broker:  a.Broker,
		Timeout: cfg.Notifications.PublishTimeout,
		Metrics: a.Metrics,
		Logger:  a.Logger.With("component", "notify"),
	}

	agents := opts.Agents
	if agents == nil {
		agents = agent.Registry{}
		for stage, ac := range cfg.Agents {
			agents[stage] = agent.Binding{ID: ac.ID, Agent: &agent.HTTPAgent{Endpoint: ac.Endpoint, Timeout: cfg.Dispatch.Timeout}}
		}
	}
	dispatcher := &dispatch.Dispatcher{
		DB:          a.DB,
		Agents:      agents,
		CallbackURL: a.callbackURL,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffStep: cfg.Dispatch.BackoffStep,
		Metrics:     a.Metrics,
		Logger:      a.Logger.With("component", "dispatch"),
	}
	if a.Signer.Secret != "" {
		dispatcher.CallbackToken = a.callbackToken
	}
	a.Engine = engine.New(a.DB, dispatcher)
	dispatcher.Repo = a.Engine.Repo
	dispatcher.Events = a.Engine.Events

	env := saga.Env{
		DB:      a.DB,
		Repo:    a.Engine.Repo,
		Events:  a.Engine.Events,
		Metrics: a.Metrics,
		Logger:  a.Logger.With("component", "saga"),
	}
	saga.Wire(a.Bus, saga.New(env, dispatcher, publisher, saga.Options{DeferRecoverable: cfg.Recovery.DeferRecoverable}))

	if js == nil {
		a.Sink = queue.Direct{Bus: a.Bus}
		return nil
	}
	a.Sink = queue.JetStream{JS: js}
	a.Worker = &queue.Worker{
		JS:                js,
		Stream:            cfg.NATS.Stream,
		Consumer:          cfg.NATS.Consumer,
		Bus:               a.Bus,
		MaxDeliver:        cfg.NATS.MaxDeliver,
		AckWait:           cfg.NATS.AckWait,
		NakDelay:          cfg.NATS.NakDelay,
		DeadLetterSubject: cfg.NATS.DeadLetterSubject,
		Metrics:           a.Metrics,
		Logger:            a.Logger.With("component", "worker"),
	}
	return nil
}

func (a *App) callbackURL(taskID string) string {
	base := strings.TrimRight(a.Config.Server.PublicURL, "/")
	if base == "" {
		base = "http://" + a.Config.Server.Addr
	}
	return base + "/" + strings.Trim(a.Config.Server.BasePath, "/") + "/tasks/" + taskID + "/events"
}

func (a *App) callbackToken(taskID string) (string, error) {
	token, _, err := a.Signer.SignAgent(taskID, callbackTTL)
	return token, err
}

// Run blocks until ctx is done, consuming the lifecycle stream when one is
// configured.
func (a *App) Run(ctx context.Context) error {
	if a.Worker == nil {
		<-ctx.Done()
		return nil
	}
	return a.Worker.Run(ctx)
}

func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
