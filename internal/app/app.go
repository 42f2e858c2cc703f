package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/zap"

	"rentwatch/internal/auth"
	"rentwatch/internal/config"
	"rentwatch/internal/db"
	httpserver "rentwatch/internal/http"
	"rentwatch/internal/metrics"
)

const (
	disconnectTimeout = 10 * time.Second
	indexTimeout      = 30 * time.Second
)

type fault struct {
	reason string
	err    error
}

// Database is the lifecycle and storage surface the application drives.
// *db.Database implements it.
type Database interface {
	httpserver.Store
	Init(ctx context.Context) error
	Disconnect(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
}

// Application wires together config, the database lifecycle and the HTTP server.
type Application struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	db      Database
	srv     *httpserver.Server
	signals []os.Signal

	faults chan fault

	shutdownOnce sync.Once
	shutdownErr  error
}

type settings struct {
	addr            string
	shutdownTimeout time.Duration
	dbOptions       db.Options
	database        Database
	signals         []os.Signal
}

type Option func(*settings)

// WithAddr overrides the ":PORT" listen address.
func WithAddr(addr string) Option {
	return func(s *settings) { s.addr = addr }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *settings) { s.shutdownTimeout = d }
}

func WithDatabaseOptions(opts db.Options) Option {
	return func(s *settings) { s.dbOptions = opts }
}

// WithDatabase replaces the MongoDB lifecycle built from the config.
func WithDatabase(d Database) Option {
	return func(s *settings) { s.database = d }
}

// WithSignals replaces the signals that trigger shutdown.
func WithSignals(sigs ...os.Signal) Option {
	return func(s *settings) { s.signals = sigs }
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := settings{
		addr:    fmt.Sprintf(":%d", cfg.Port),
		signals: shutdownSignals,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.dbOptions.Database == "" {
		s.dbOptions.Database = cfg.MongoDatabase
	}

	a := &Application{
		cfg:     cfg,
		logger:  logger.Named("app"),
		metrics: metrics.New(),
		signals: s.signals,
		faults:  make(chan fault, 1),
	}

	a.db = s.database
	if a.db == nil {
		onState := s.dbOptions.OnStateChange
		s.dbOptions.OnStateChange = func(state db.State) {
			a.metrics.DatabaseState.Set(float64(state))
			if onState != nil {
				onState(state)
			}
		}
		a.db = db.New(cfg.MongoURI, s.dbOptions, logger)
	}

	login, err := auth.NewLineLogin(cfg)
	if err != nil {
		return nil, fmt.Errorf("line login: %w", err)
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Config:   cfg,
		Store:    a.db,
		Login:    login,
		Sessions: auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL),
		Metrics:  a.metrics,
		Logger:   logger,
	})

	a.srv = httpserver.NewServer(router, httpserver.ServerOptions{
		Addr:            s.addr,
		ShutdownTimeout: s.shutdownTimeout,
		OnFault:         func(err error) { a.Fail("http server", err) },
		Metrics:         a.metrics,
	}, logger)

	return a, nil
}

// Addr is the bound HTTP address while the server is running.
func (a *Application) Addr() string {
	return a.srv.Addr()
}

// Run starts the HTTP listener, then the database, and blocks until a
// termination signal, a fault or ctx cancellation. It returns the result of
// Shutdown, or the startup error.
func (a *Application) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	if len(a.signals) > 0 {
		signal.Notify(sigCh, a.signals...)
		defer signal.Stop(sigCh)
	}

	if err := a.srv.Start(ctx); err != nil {
		a.logger.Error("failed to start http server", zap.Error(err))
		return fmt.Errorf("start http server: %w", err)
	}

	// A signal during server selection cancels the connect attempt.
	initCtx, cancelInit := context.WithCancel(ctx)
	defer cancelInit()
	initDone := make(chan error, 1)
	go func() { initDone <- a.db.Init(initCtx) }()

	select {
	case err := <-initDone:
		if err != nil {
			a.logger.Error("failed to start database", zap.Error(err))
			if cerr := a.srv.Shutdown(); cerr != nil {
				a.logger.Error("failed to close http server after startup error", zap.Error(cerr))
			}
			return fmt.Errorf("start database: %w", err)
		}
	case sig := <-sigCh:
		cancelInit()
		<-initDone
		return a.Shutdown(sig.String())
	}

	a.Go("ensure indexes", func() {
		ictx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if err := a.db.EnsureIndexes(ictx); err != nil {
			a.logger.Warn("could not ensure indexes", zap.Error(err))
		}
	})

	a.logger.Info("application started", zap.String("addr", a.srv.Addr()))

	var reason string
	select {
	case sig := <-sigCh:
		reason = sig.String()
	case f := <-a.faults:
		reason = f.reason
	case <-ctx.Done():
		reason = ctx.Err().Error()
	}

	return a.Shutdown(reason)
}

// Fail routes an unexpected runtime fault into the shutdown path.
func (a *Application) Fail(reason string, err error) {
	a.logger.Error("fatal fault", zap.String("reason", reason), zap.Error(err))
	select {
	case a.faults <- fault{reason: reason, err: err}:
	default:
	}
}

// Go runs fn in the background; a panic is reported through Fail.
func (a *Application) Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.Fail(name, fmt.Errorf("panic: %v", r))
			}
		}()
		fn()
	}()
}

// Shutdown closes the HTTP server and then the database. Only the first call
// runs the sequence; every caller gets its result.
func (a *Application) Shutdown(reason string) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(reason)
	})
	return a.shutdownErr
}

func (a *Application) shutdown(reason string) error {
	a.logger.Info("shutting down application", zap.String("reason", reason))

	var errs []error
	if err := a.srv.Shutdown(); err != nil {
		a.logger.Error("error closing http server", zap.Error(err))
		errs = append(errs, fmt.Errorf("close http server: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := a.db.Disconnect(ctx); err != nil {
		a.logger.Error("error disconnecting database", zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Info("shutdown complete")
	return nil
}
