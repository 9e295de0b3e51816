package app

import (
	"context"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/registry"
	"github.com/relaychat/relaychat-server/internal/store"
	"github.com/relaychat/relaychat-server/internal/store/sqlite"
	"github.com/relaychat/relaychat-server/internal/transport/tcpline"
	"github.com/relaychat/relaychat-server/internal/transport/ws"
)

// App wires together the registry, stores and both transport servers.
type App struct {
	httpServer      *stdhttp.Server
	tcpServer       *tcpline.Server
	reg             *registry.Registry
	store           store.Store
	trace           *traceListener
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	authService := auth.NewService(st)
	reg := registry.New(st, st, logger)

	if err := reg.Restore(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("failed to restore rooms from store")
	}

	trace := &traceListener{log: logger.With().Str("component", "trace").Logger()}
	reg.Subscribe(trace)

	tcpServer := tcpline.NewServer(cfg.TCPAddr, reg, authService, st, cfg.HistoryLimit, logger)
	httpServer := ws.NewServer(reg, authService, st, *cfg, logger)

	return &App{
		httpServer:      httpServer,
		tcpServer:       tcpServer,
		reg:             reg,
		store:           st,
		trace:           trace,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// Registry exposes the presence registry, mainly for tests.
func (a *App) Registry() *registry.Registry {
	return a.reg
}

// TCPAddr returns the bound line-protocol address once Run has started.
func (a *App) TCPAddr() net.Addr {
	return a.tcpServer.Addr()
}

// Run starts both transport servers and blocks until context cancellation or
// a fatal listener error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 2)

	go func() {
		serverErr <- a.tcpServer.Run(ctx)
	}()

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return nil
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	a.reg.Unsubscribe(a.trace)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

// traceListener observes every room message system-wide through the
// registry's broadcast subscription.
type traceListener struct {
	log zerolog.Logger
}

func (t *traceListener) RoomMessage(msg registry.Message) {
	t.log.Debug().Str("room", msg.Room).Str("from", msg.From).Msg("room message")
}
