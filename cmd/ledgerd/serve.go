package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/server"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store/memory"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	Long: `Run the ledger API. Without LEDGER_DATABASE_URL the ledger is kept in
memory and lost on exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Development(), cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	keyset, err := buildKeyset(cfg)
	if err != nil {
		return err
	}
	revoked := platformauth.NewRevocationList()
	signer := platformauth.NewJWTSignerWithKeyset(keyset)
	verifier := platformauth.NewJWTVerifierWithKeyset(keyset).WithRevocations(revoked)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	ledgerSvc := server.NewLedgerService(clk, store, log, metrics)
	identitySvc := server.NewIdentityService(clk, store, signer, revoked, cfg.AccessTokenTTL, log, metrics)
	identitySvc.SetLockoutPolicy(cfg.LoginMaxFailures, cfg.LoginLockout)
	identitySvc.SetPasswordHashCost(cfg.BcryptCost)

	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}
	guard, err := server.NewRemoteAccessGuard(log, cfg.CIDRs())
	if err != nil {
		return err
	}
	limiter := server.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx, time.Minute)

	handler, err := server.NewHTTPHandler(server.HTTPOptions{
		Ledger:    ledgerSvc,
		Identity:  identitySvc,
		Verifier:  verifier,
		Guard:     guard,
		Limiter:   limiter,
		Store:     store,
		Gatherer:  reg,
		Metrics:   metrics,
		Log:       log,
		Version:   cfg.Version,
		StartedAt: startedAt,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			server.UnaryMetricsInterceptor(metrics),
			platformauth.UnaryJWTInterceptor(verifier, []string{"/grpc.health.v1.Health/Check"}),
		),
	}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(grpcServer, hs)
	server.RegisterLedgerServer(grpcServer, server.LedgerGRPC{Ledger: ledgerSvc})

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- err
		}
	}()
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.Error("server stopped", zap.Error(serveErr))
	}

	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	return serveErr
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("LEDGER_DATABASE_URL is not set, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	if cfg.AutoMigrate {
		version, err := postgres.Migrate(cfg.DatabaseURL, postgres.Up)
		if err != nil {
			return nil, nil, err
		}
		log.Info("database migrated", zap.Uint("version", version))
	}
	db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(db), func() { _ = db.Close() }, nil
}
