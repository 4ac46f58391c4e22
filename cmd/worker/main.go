package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tabrelay/internal/config"
	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/messaging/redisbus"
	"tabrelay/internal/messaging/wshub"
	"tabrelay/internal/persona"
	"tabrelay/internal/store"
	sqlitestore "tabrelay/internal/store/sqlite"
	"tabrelay/internal/telemetry"
	"tabrelay/internal/uibridge"
	"tabrelay/internal/worker"
)

var errCoordinatorLabel = errors.New(`label "coordinator" is reserved for the orchestrator process`)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	profile    string
	label      string
	ui         string
	role       string
	hubURL     string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run one chat-tab worker connected to the orchestrator hub",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if err := f.apply(&cfg); err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, cmd.Flags().Changed("persona-role"), logger)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to config.toml (default: ~/.tabrelay/config.toml)")
	cmd.Flags().StringVar(&f.profile, "profile", "", "profile name; namespaces the stored worker id, label and config")
	cmd.Flags().StringVar(&f.label, "label", "", "persona label announced in HELLO")
	cmd.Flags().StringVar(&f.ui, "ui", "", "chat UI driver: echo or bridge")
	cmd.Flags().StringVar(&f.role, "persona-role", "", "persona role: None, Maximizer, Minimizer, Synthesizer or Judge")
	cmd.Flags().StringVar(&f.hubURL, "hub", "", "hub websocket url override")
	return cmd
}

// apply lays command-line flags over cfg.
func (f flags) apply(cfg *config.Config) error {
	if f.profile != "" {
		cfg.Worker.Profile = f.profile
	}
	if f.label != "" {
		cfg.Worker.Label = f.label
	}
	if f.ui != "" {
		cfg.Worker.UI = f.ui
	}
	if f.role != "" {
		cfg.Worker.PersonaRole = f.role
	}
	if f.hubURL != "" {
		cfg.Hub.URL = f.hubURL
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Worker.Label), "coordinator") {
		return errCoordinatorLabel
	}
	if role := domain.ParsePersonaRole(cfg.Worker.PersonaRole); role == domain.PersonaRoleCoordinator {
		return errCoordinatorLabel
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, roleFromFlag bool, logger *logrus.Logger) error {
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
	if err := seedLabel(ctx, kv, cfg.Worker); err != nil {
		return err
	}

	bus, lost, closeBus, err := connectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	page, closeUI, err := newChatUI(cfg, logger)
	if err != nil {
		return err
	}
	defer closeUI()
	// the queue and the persona worker take turns on the same page
	ui := worker.Serialize(page)

	metrics := telemetry.Default()
	session := worker.NewSession()
	supervisor := worker.NewSupervisor(func(ctx context.Context, session *worker.Session) (*worker.Agent, error) {
		return worker.NewAgent(ctx, worker.Options{
			Profile:           cfg.Worker.Profile,
			Bus:               bus,
			Store:             kv,
			UI:                ui,
			Session:           session,
			Metrics:           metrics,
			Logger:            logger,
			HeartbeatInterval: config.Millis(cfg.Worker.HeartbeatIntervalMS),
			ReplyTimeout:      config.Millis(cfg.Worker.ReplyTimeoutMS),
			ReloadDelay:       config.Millis(cfg.Worker.ReloadDelayMS),
		})
	}, session, logger)

	role, err := resolveRole(ctx, kv, cfg.Worker, roleFromFlag)
	if err != nil {
		return err
	}
	pw, err := persona.NewWorker(persona.WorkerOptions{
		Bus:          bus,
		UI:           ui,
		TabID:        cfg.Worker.Profile,
		Role:         role,
		ReplyTimeout: config.Millis(cfg.Worker.ReplyTimeoutMS),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := pw.Start(ctx); err != nil {
		return err
	}
	defer pw.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-lost:
			return errors.New("lost connection to the orchestrator hub")
		}
	})

	logger.WithFields(logrus.Fields{
		"profile": cfg.Worker.Profile,
		"ui":      cfg.Worker.UI,
		"bus":     cfg.Bus.Kind,
		"role":    role,
	}).Info("tabrelay worker started")
	return g.Wait()
}

// seedLabel stores the configured label so the agent announces it.
func seedLabel(ctx context.Context, kv store.KV, cfg config.WorkerConfig) error {
	label := strings.TrimSpace(cfg.Label)
	if label == "" {
		return nil
	}
	return store.PutJSON(ctx, kv, "worker/"+cfg.Profile+"/label", label)
}

// resolveRole prefers an explicit flag, persisting it, and otherwise uses
// the stored role, then the configured one.
func resolveRole(ctx context.Context, kv store.KV, cfg config.WorkerConfig, fromFlag bool) (domain.PersonaRole, error) {
	configured := domain.ParsePersonaRole(cfg.PersonaRole)
	if fromFlag {
		return configured, persona.SaveRole(ctx, kv, cfg.Profile, configured)
	}
	if stored := persona.LoadRole(ctx, kv, cfg.Profile); stored != domain.PersonaRoleNone {
		return stored, nil
	}
	return configured, nil
}

// connectBus returns the bus, a channel closed when it is lost, and a
// closer.
func connectBus(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (messaging.Bus, <-chan struct{}, func(), error) {
	if cfg.Bus.Kind == config.BusRedis {
		bus, err := redisbus.Connect(ctx, redisbus.Config{
			Addr:     cfg.Bus.RedisAddr,
			Password: cfg.Bus.RedisPassword,
			DB:       cfg.Bus.RedisDB,
			Prefix:   cfg.Bus.RedisPrefix,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return bus, nil, func() { _ = bus.Close() }, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := wshub.DialToken(dialCtx, cfg.Hub.URL, cfg.Hub.Token, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, client.Done(), func() { _ = client.Close() }, nil
}

func newChatUI(cfg config.Config, logger logrus.FieldLogger) (worker.ChatUI, func(), error) {
	if cfg.Worker.UI != config.UIBridge {
		return worker.NewEchoUI(), func() {}, nil
	}
	bridge := uibridge.New(uibridge.Config{
		ListenAddr: cfg.Bridge.Addr,
		Token:      cfg.Bridge.Token,
		Timeout:    config.Millis(cfg.Bridge.TimeoutMS),
	}, logger)
	if err := bridge.Start(); err != nil {
		return nil, nil, err
	}
	return bridge, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bridge.Close(ctx)
	}, nil
}
