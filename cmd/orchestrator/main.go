package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tabrelay/internal/config"
	"tabrelay/internal/messaging"
	"tabrelay/internal/messaging/inproc"
	"tabrelay/internal/messaging/redisbus"
	"tabrelay/internal/messaging/wshub"
	"tabrelay/internal/orchestrator"
	"tabrelay/internal/persona"
	sqlitestore "tabrelay/internal/store/sqlite"
	"tabrelay/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		addr        string
		dbPath      string
		withPersona bool
	)
	cmd := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Run the tab orchestration hub, scenario engine and control API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Hub.Addr = addr
			}
			if dbPath != "" {
				cfg.Store.Path = dbPath
			}
			if cmd.Flags().Changed("persona") {
				cfg.Persona.Enabled = withPersona
			}
			logger, err := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.tabrelay/config.toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address override")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path override")
	cmd.Flags().BoolVar(&withPersona, "persona", false, "run the four-role persona coordinator")
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	dbPath := filepath.Clean(cfg.Store.Path)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	kv, err := sqlitestore.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = kv.Close()
	}()
	if err := kv.Migrate(ctx); err != nil {
		return err
	}

	bus, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = bus.Close()
	}()

	metrics := telemetry.Default()
	engine, err := orchestrator.NewEngine(ctx, orchestrator.EngineOptions{
		Bus:   bus,
		Store: kv,
		Registry: orchestrator.RegistryConfig{
			StaleAfter:    config.Millis(cfg.Orchestrator.StaleAfterMS),
			SweepInterval: config.Millis(cfg.Orchestrator.SweepIntervalMS),
		},
		Router:  orchestrator.RouterConfig{Timeout: config.Millis(cfg.Orchestrator.CallTimeoutMS)},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()
	unsubscribe := engine.Subscribe(logRunChanges(logger))
	defer unsubscribe()

	var coordinator *persona.Coordinator
	if cfg.Persona.Enabled {
		coordinator = persona.NewCoordinator(bus, persona.Config{
			MaxRounds:        cfg.Persona.MaxRounds,
			MaxJudgeAttempts: cfg.Persona.MaxJudgeAttempts,
		}, metrics, logger)
		if err := coordinator.Start(ctx); err != nil {
			return err
		}
		defer coordinator.Close()
	}

	hub := wshub.New(bus, wshub.Config{Token: cfg.Hub.Token, AllowedOrigins: cfg.Hub.AllowedOrigins}, logger)
	a := &api{engine: engine, persona: coordinator, hub: hub, logger: logger.WithField("component", "api")}
	server := &http.Server{
		Addr:              cfg.Hub.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = hub.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"addr":    cfg.Hub.Addr,
		"db":      dbPath,
		"bus":     cfg.Bus.Kind,
		"persona": cfg.Persona.Enabled,
		"config":  cfg.Path,
	}).Info("tabrelay orchestrator started")
	return g.Wait()
}

type closableBus interface {
	messaging.Bus
	io.Closer
}

func openBus(ctx context.Context, cfg config.BusConfig, logger logrus.FieldLogger) (closableBus, error) {
	if cfg.Kind == config.BusRedis {
		return redisbus.Connect(ctx, redisbus.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	}
	return inproc.New(cfg.Buffer), nil
}

// logRunChanges reports the active run whenever its status or round moves.
func logRunChanges(logger logrus.FieldLogger) func(orchestrator.State) {
	var (
		mu      sync.Mutex
		lastKey string
	)
	return func(s orchestrator.State) {
		if s.CurrentRun == nil {
			return
		}
		key := fmt.Sprintf("%s/%s/%d", s.CurrentRun.ID, s.CurrentRun.Status, s.CurrentRun.CurrentRound)
		mu.Lock()
		changed := key != lastKey
		lastKey = key
		mu.Unlock()
		if !changed {
			return
		}
		logger.WithFields(logrus.Fields{
			"run_id":   s.CurrentRun.ID,
			"template": s.CurrentRun.TemplateID,
			"status":   s.CurrentRun.Status,
			"round":    s.CurrentRun.CurrentRound,
		}).Info("run progress")
	}
}
