package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nkiryanov/safepay/internal/db"
	"github.com/nkiryanov/safepay/internal/handlers"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/repository"
	"github.com/nkiryanov/safepay/internal/repository/memory"
	"github.com/nkiryanov/safepay/internal/repository/postgres"
	"github.com/nkiryanov/safepay/internal/service/bank"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	pool   *pgxpool.Pool
	logger logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	seed := c.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	policy, err := bank.ParsePolicy(c.Policy, seed)
	if err != nil {
		return nil, err
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: logger}

	// Ledger: postgres when configured, memory otherwise
	var ledger repository.LedgerRepo
	if c.DatabaseDSN != "" {
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		app.pool = pool
		ledger = postgres.NewStorage(pool)
	} else {
		logger.Warn("No database configured, ledger is kept in memory")
		ledger = memory.NewLedger()
	}

	service, err := bank.NewService(bank.Config{OTP: c.OTP}, ledger, policy, logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("error while creating bank service. Err: %w", err)
	}

	app.Handler = handlers.NewRouter(service, logger)

	logger.Info("Mock bank configured", "policy", c.Policy, "seed", seed, "persistent", app.pool != nil)
	return app, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

func (s *ServerApp) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
