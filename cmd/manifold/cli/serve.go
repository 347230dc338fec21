package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifoldmcp/manifold/internal/backend"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/events"
	"github.com/manifoldmcp/manifold/internal/gateway"
	"github.com/manifoldmcp/manifold/internal/metrics"
	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/pool"
	"github.com/manifoldmcp/manifold/internal/ratelimit"
	"github.com/manifoldmcp/manifold/internal/server"
	"github.com/manifoldmcp/manifold/internal/service"
	"github.com/manifoldmcp/manifold/internal/session"
	"github.com/manifoldmcp/manifold/internal/store"
)

const banner = `
 __  __          _      ___     _    _
|  \/  | __ _ _ (_)__ _/ _/___ | | _| |
| |\/| |/ _' | '_ \  _| |_/ _ \| |/ _' |
|_|  |_|\__,_|_| |_|_| \__/\___/|_|\__,_|
`

func newServeCmd() *cobra.Command {
	var (
		port         int
		host         string
		dev          bool
		daemon       bool
		backendsFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Manifold gateway server",
		Long:  "Start the HTTP server that multiplexes calls across all configured MCP backends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runDaemonize()
			}
			return runServe(host, port, dev, backendsFile)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run in the background, logging to the data directory")
	cmd.Flags().StringVar(&backendsFile, "backends", "", "YAML file of backend definitions to import on startup")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool, backendsFile string) error {
	fmt.Print(banner)
	fmt.Println()

	// Set up logger
	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	ctx := context.Background()

	// 1. Open the SQLite state store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	logger.Info("store initialized", "path", resolveDataDir())

	// 2. Initialize the backend registry and register protocols
	backends := backend.NewRegistry()
	backends.RegisterProtocol(backend.ProtocolStreamableHTTP, backend.NewStreamableTransport)
	backends.RegisterProtocol(backend.ProtocolLoopback, backend.NewLoopbackTransport)

	// 3. Import backends from file, then load the persisted set
	if backendsFile != "" {
		defs, err := config.LoadBackendsFile(backendsFile)
		if err != nil {
			return fmt.Errorf("load backends file: %w", err)
		}
		for _, def := range defs {
			if err := upsertBackend(ctx, st, def); err != nil {
				logger.Error("failed to import backend", "backend", def.Name, "error", err)
			}
		}
	}

	stored, err := st.ListBackends(ctx)
	if err != nil {
		return fmt.Errorf("list backends: %w", err)
	}
	registered := 0
	for _, cfg := range stored {
		if err := backends.Register(cfg); err != nil {
			logger.Error("failed to register backend", "backend", cfg.Name, "error", err)
			continue
		}
		registered++
		logger.Info("registered backend", "backend", cfg.Name, "protocol", cfg.Protocol)
	}

	// 4. Auth service with a persisted signing secret
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret, err = loadOrCreateSecret(ctx, st)
		if err != nil {
			return fmt.Errorf("load signing secret: %w", err)
		}
	}
	authSvc := service.NewAuthService(st, jwtSecret)

	// 5. Admission-control core
	limits := config.FromViper(viper.GetViper())
	bus := events.NewBus()
	collector := metrics.NewCollector()
	bus.Subscribe(collector)

	manager := pool.NewManager(limits, backends.Dial, logger, bus)
	for _, name := range backends.Names() {
		manager.RegisterBackend(name)
	}
	limiter := ratelimit.New(limits, bus)
	sessions := session.NewRegistry(manager, limits.SessionTimeout, logger)
	gw := gateway.New(backends, limiter, manager, sessions, authSvc, limits, logger, bus)
	gw.Start()

	// 6. Build and start the HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = host
	srvCfg.Port = port

	srv := server.New(srvCfg, gw, backends, authSvc, collector, logger)

	fmt.Printf("→ Manifold %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Health:   http://%s:%d/healthz\n", host, port)
	fmt.Printf("→ Metrics:  http://%s:%d/metrics\n", host, port)
	fmt.Printf("→ Backends: %d registered\n", registered)
	fmt.Println()

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	return srv.ListenAndServe()
}

// upsertBackend creates or updates one imported backend definition.
func upsertBackend(ctx context.Context, st *store.Store, def model.BackendConfig) error {
	existing, err := st.GetBackendByName(ctx, def.Name)
	if err == store.ErrNotFound {
		return st.CreateBackend(ctx, &def)
	}
	if err != nil {
		return err
	}
	def.ID = existing.ID
	return st.UpdateBackend(ctx, &def)
}

// loadOrCreateSecret reads the persisted JWT signing secret, generating and
// storing a fresh one on first run.
func loadOrCreateSecret(ctx context.Context, st *store.Store) (string, error) {
	secret, err := st.GetSetting(ctx, "jwt_secret")
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && err != store.ErrNotFound {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret = hex.EncodeToString(raw)
	if err := st.SetSetting(ctx, "jwt_secret", secret); err != nil {
		return "", err
	}
	return secret, nil
}

// runDaemonize re-executes serve in the background, detached from the
// terminal, with output redirected to the log file.
func runDaemonize() error {
	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "-d" {
			continue
		}
		args = append(args, a)
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	fmt.Printf("Manifold server started in the background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Printf("  Stop: manifold stop\n")
	return nil
}
