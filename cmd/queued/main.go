package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/shwetabhartimsft/durabletask/internal/api"
	"github.com/shwetabhartimsft/durabletask/internal/config"
	"github.com/shwetabhartimsft/durabletask/internal/store"
	"github.com/shwetabhartimsft/durabletask/internal/store/memory"
	pgstore "github.com/shwetabhartimsft/durabletask/internal/store/postgres"
	"github.com/shwetabhartimsft/durabletask/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	initLogging(cfg.LogLevel)

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("build store: %v", err)
	}
	defer cleanup()

	swp := sweeper.New(st, cfg.SweepInterval())
	go swp.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, st)

	log.WithFields(log.Fields{"event": "listen", "addr": addr, "store": cfg.Store}).Info("queue service listening")
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.WithField("event", "shutdown").Info("shutting down")
	_ = httpSrv.Shutdown(context.Background())
}

func initLogging(level string) {
	formatter := &log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	}
	log.SetFormatter(formatter)
	log.SetOutput(os.Stdout)
	switch level {
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store == "memory" {
		return memory.New(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectTimeout())
	defer cancel()

	pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}

	st := pgstore.New(pool)
	if err := st.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, pool.Close, nil
}
