package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coffer/audit"
	"coffer/config"
	"coffer/core"
	"coffer/crypto"
	"coffer/observability/logging"
	"coffer/observability/otel"
	"coffer/rpc"
	"coffer/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	registryFlag := flag.String("registry", "", "Path to the vault registry YAML (overrides config RegistryFile)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("COFFER_ENV"))
	logger := logging.Setup("cofferd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg.Environment != "" {
		env = cfg.Environment
	}

	registryPath := strings.TrimSpace(*registryFlag)
	if registryPath == "" {
		registryPath = cfg.RegistryFile
	}
	registry, err := config.LoadRegistry(registryPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Vault registry file not found; starting empty", slog.String("path", registryPath))
		registry = &config.Registry{}
	} else if err != nil {
		logger.Error("Failed to load vault registry", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db)
	if err != nil {
		logger.Error("Failed to initialise node", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetPauses(cfg.Pauses)

	if strings.TrimSpace(cfg.TreasuryAddress) != "" {
		treasury, err := crypto.DecodeAddress(cfg.TreasuryAddress)
		if err != nil {
			logger.Error("Failed to decode treasury address", slog.Any("error", err))
			os.Exit(1)
		}
		node.SetTreasury(treasury.Array())
	}

	var auditStore *audit.Store
	if strings.TrimSpace(cfg.Audit.Path) != "" {
		auditStore, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			logger.Error("Failed to open audit store", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := auditStore.Close(); err != nil {
				logger.Error("Failed to close audit store", slog.Any("error", err))
			}
		}()
		node.SetEventSink(auditStore)
	}

	if err := bootstrapRegistry(node, registry, logger); err != nil {
		logger.Error("Failed to bootstrap vault registry", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Metrics || cfg.Otel.Traces {
		shutdownOtel, err := otel.Init(ctx, otel.Config{
			ServiceName: "cofferd",
			Environment: env,
			Endpoint:    cfg.Otel.Endpoint,
			Insecure:    cfg.Otel.Insecure,
			Metrics:     cfg.Otel.Metrics,
			Traces:      cfg.Otel.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOtel(flushCtx); err != nil {
				logger.Error("Failed to flush telemetry", slog.Any("error", err))
			}
		}()
	}

	if auditStore != nil && strings.TrimSpace(cfg.Audit.ReportDir) != "" {
		exporter, err := audit.NewExporter(auditStore, cfg.Audit.ReportDir, logger)
		if err != nil {
			logger.Error("Failed to initialise audit exporter", slog.Any("error", err))
			os.Exit(1)
		}
		scheduler := audit.NewScheduler(audit.SchedulerConfig{
			Exporter:  exporter,
			RunHour:   0,
			RunMinute: 10,
			Logger:    logger,
		})
		go scheduler.Start(ctx)
	}

	secret := cfg.RPCSecret()
	if secret == "" {
		logger.Error("RPC signing secret not set", slog.String("env", cfg.RPC.SecretEnv))
		os.Exit(1)
	}
	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			Secret:    secret,
			Issuer:    cfg.RPC.Issuer,
			Audience:  cfg.RPC.Audience,
			ClockSkew: cfg.ClockSkew(),
		},
		RatePerSecond: cfg.RPC.RatePerSecond,
		RateBurst:     cfg.RPC.RateBurst,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}()

	opsServer := &http.Server{
		Addr:              cfg.OpsAddress,
		Handler:           opsRouter(node),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server terminated", slog.Any("error", err))
		}
	}()

	vaults, err := node.VaultList()
	if err != nil {
		logger.Error("Failed to list vaults", slog.Any("error", err))
		os.Exit(1)
	}
	frozen, err := node.VaultFrozenOperators()
	if err != nil {
		logger.Error("Failed to read freeze registry", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Coffer daemon initialised and running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("ops", cfg.OpsAddress),
		slog.Int("vaults", len(vaults)),
		slog.Int("feeds", len(node.OracleSymbols())),
		slog.Int("frozenOperators", len(frozen)),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown failed", slog.Any("error", err))
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC server shutdown failed", slog.Any("error", err))
	}
	logger.Info("Coffer daemon stopped")
}

// openDatabase picks the key-value backend from config. LevelDB creates its
// own directory; bbolt wants an existing parent, so that one is made first.
func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "coffer.db"))
	case "memory":
		return storage.NewMemDB(), nil
	default:
		return storage.NewLevelDB(cfg.DataDir)
	}
}

// bootstrapRegistry folds the declarative registry into state. Ensure calls
// are idempotent, so restarting with the same registry file is a no-op while
// newly added vaults, assets and feeds get created.
func bootstrapRegistry(node *core.Node, registry *config.Registry, logger *slog.Logger) error {
	for i := range registry.Vaults {
		spec := &registry.Vaults[i]
		if _, err := node.VaultEnsure(spec.Definition()); err != nil {
			return fmt.Errorf("vault %s: %w", spec.ID, err)
		}
		for j := range spec.Assets {
			asset := &spec.Assets[j]
			kind, handle, err := asset.Handle()
			if err != nil {
				return fmt.Errorf("vault %s asset %s: %w", spec.ID, asset.Type, err)
			}
			if _, err := node.VaultEnsureAsset(spec.ID, asset.Type, kind, handle); err != nil {
				return fmt.Errorf("vault %s asset %s: %w", spec.ID, asset.Type, err)
			}
		}
	}
	for i := range registry.Feeds {
		spec := &registry.Feeds[i]
		feed, err := spec.Feed(nil)
		if err != nil {
			return fmt.Errorf("feed %s: %w", spec.Symbol, err)
		}
		if err := node.OracleRegisterFeed(feed, spec.MaxObservationAge(), spec.FreshnessSeconds); err != nil {
			return fmt.Errorf("feed %s: %w", spec.Symbol, err)
		}
		// Feed URLs can embed API keys in their query strings, so they are
		// only ever logged masked.
		attrs := []any{
			slog.String("symbol", spec.Symbol),
			slog.String("source", spec.Source),
		}
		if spec.URL != "" {
			attrs = append(attrs, logging.MaskField("url", spec.URL))
		}
		logger.Info("Registered price feed", attrs...)
	}
	return nil
}

// opsRouter serves the operational surface on its own listener so probes and
// scrapes never contend with (or authenticate against) the JSON-RPC port.
func opsRouter(node *core.Node) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := node.VaultList(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
