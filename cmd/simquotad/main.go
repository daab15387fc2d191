package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/medlearn/simquota/internal/hub"
	"github.com/medlearn/simquota/internal/server"
	"github.com/medlearn/simquota/internal/session"
	"github.com/medlearn/simquota/internal/store"
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func main() {
	flags := pflag.NewFlagSet("simquotad", pflag.ExitOnError)
	addr := flags.String("addr", envOr("SIMQUOTA_ADDR", ":8443"), "Listen address ($SIMQUOTA_ADDR)")
	domain := flags.String("domain", envOr("SIMQUOTA_TLS_DOMAIN", ""), "TLS domain, empty serves plain HTTP ($SIMQUOTA_TLS_DOMAIN)")
	certDir := flags.String("cert-cache", envOr("SIMQUOTA_CERT_CACHE", ".autocert-cache"), "ACME certificate cache directory ($SIMQUOTA_CERT_CACHE)")
	dbPath := flags.String("db", envOr("SIMQUOTA_DB", "simquota.db"), "SQLite database path ($SIMQUOTA_DB)")
	adminKey := flags.String("admin-key", envOr("SIMQUOTA_ADMIN_KEY", ""), "Admin API key ($SIMQUOTA_ADMIN_KEY)")
	apiKey := flags.String("api-key", envOr("SIMQUOTA_API_KEY", ""), "Shared key required from clients ($SIMQUOTA_API_KEY)")
	configPath := flags.String("config", envOr("SIMQUOTA_CONFIG", ""), "YAML file with engine settings ($SIMQUOTA_CONFIG)")
	verbose := flags.BoolP("verbose", "v", os.Getenv("SIMQUOTA_VERBOSE") != "", "Log at debug level ($SIMQUOTA_VERBOSE)")
	_ = flags.Parse(os.Args[1:])

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = run(ctx, logger, cfg, server.Config{
		Addr:         *addr,
		TLSDomain:    *domain,
		CertCacheDir: *certDir,
		AdminKey:     *adminKey,
		APIKey:       *apiKey,
	}, *dbPath)
	if err != nil {
		logger.Fatal(ctx, "simquotad stopped", slog.Error(err))
	}
}

func run(ctx context.Context, logger slog.Logger, cfg Config, srvCfg server.Config, dbPath string) error {
	plans, err := cfg.Plans()
	if err != nil {
		return err
	}
	clock := quartz.NewReal()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := store.Open(dbPath, store.Options{
		Logger:         logger,
		Clock:          clock,
		CountThreshold: time.Duration(cfg.CountThreshold),
		Plans:          plans,
	})
	if err != nil {
		return xerrors.Errorf("open store: %w", err)
	}
	defer db.Close()

	sessions := session.NewManager(db, session.Options{
		Logger:         logger,
		Clock:          clock,
		Registerer:     reg,
		CountThreshold: db.CountThreshold(),
		StaleAfter:     time.Duration(cfg.StaleAfter),
		SweepInterval:  time.Duration(cfg.SweepInterval),
	})
	defer sessions.Close()

	h := hub.New(db, hub.Options{Logger: logger, Clock: clock, Registerer: reg})
	defer h.Close()

	srv := server.New(db, h, srvCfg, server.Options{
		Logger:     logger,
		Clock:      clock,
		Registerer: reg,
		Gatherer:   reg,
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// Expire anything left running by a previous process before serving.
		sessions.Sweep(ctx)
		sessions.Run(ctx)
		<-ctx.Done()
		return nil
	})
	eg.Go(func() error {
		if err := srv.Start(ctx); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
