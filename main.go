package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keanlouis30/Easely/pkg/canvas"
	"github.com/keanlouis30/Easely/pkg/config"
	"github.com/keanlouis30/Easely/pkg/crypt"
	"github.com/keanlouis30/Easely/pkg/messenger"
	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/reminder"
	"github.com/keanlouis30/Easely/pkg/store"
	"github.com/keanlouis30/Easely/pkg/subscription"
	"github.com/keanlouis30/Easely/pkg/syncer"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

// app holds everything a command needs, wired once per invocation.
type app struct {
	cfg       *config.Config
	store     *store.Store
	cipher    *crypt.Cipher
	canvas    *canvas.Client
	notifier  *messenger.Client
	gate      *subscription.Gate
	scheduler *syncer.Scheduler
	engine    *reminder.Engine
	tasks     *syncer.TaskService
}

func buildApp() (*app, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("no encryption key configured; run 'easely genkey' and set encryption_key")
	}

	cipher, err := crypt.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	canvasClient := canvas.NewClient(cfg.Canvas.BaseURL, cfg.Canvas.Timeout.Std())
	notifier := messenger.NewClient(cfg.Messenger.APIURL, cfg.Messenger.AccessToken, cfg.Messenger.Timeout.Std())
	gate := subscription.NewGate(st, notifier, cfg.FreeTierTaskLimit, logger)
	rec := syncer.NewReconciler(st, logger)

	opts := syncer.Options{
		Interval:       cfg.Sync.Interval.Std(),
		BatchSize:      cfg.Sync.BatchSize,
		CallDelay:      cfg.Sync.CallDelay.Std(),
		RunBudget:      cfg.Sync.RunBudget.Std(),
		RateLimitPause: cfg.Sync.RateLimited.Std(),
	}

	return &app{
		cfg:       cfg,
		store:     st,
		cipher:    cipher,
		canvas:    canvasClient,
		notifier:  notifier,
		gate:      gate,
		scheduler: syncer.NewScheduler(st, canvasClient, rec, cipher, notifier, opts, logger),
		engine:    reminder.NewEngine(st, notifier, logger),
		tasks:     syncer.NewTaskService(st, canvasClient, gate, cipher, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "easely",
	Short: "Easely keeps students ahead of their Canvas deadlines",
	Long: `Easely mirrors Canvas assignments into a local store and sends proactive
deadline reminders over Messenger. Manual tasks flow the other way: created
locally, pushed up to Canvas as calendar events.

Each subcommand is one background job; 'daemon' runs them all on timers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass over users due for a Canvas sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		summary, err := a.scheduler.Run(signalContext())
		if err != nil {
			return err
		}
		fmt.Printf("sync %s: processed=%d failed=%d deferred=%d created=%d updated=%d removed=%d (%.1fs)\n",
			summary.RunID, summary.UsersProcessed, summary.UsersFailed, summary.UsersDeferred,
			summary.Created, summary.Updated, summary.Removed, summary.Elapsed.Seconds())
		return nil
	},
}

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Run one reminder dispatch pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		summary, err := a.engine.DispatchDue(signalContext(), time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("remind %s: checked=%d sent=%d skipped=%d errors=%d (%.1fs)\n",
			summary.RunID, summary.TasksChecked, summary.Sent, summary.Skipped,
			len(summary.Errors), summary.Elapsed.Seconds())
		return nil
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Revert lapsed premium subscriptions to the free tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.gate.ExpireLapsed(signalContext(), time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("expire: reverted=%d\n", n)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run all background jobs on their configured intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := signalContext()
		logger.Info("daemon started",
			zap.Duration("sync_interval", a.cfg.Sync.Interval.Std()),
			zap.Duration("reminder_interval", a.cfg.Reminder.Interval.Std()))

		syncTicker := time.NewTicker(a.cfg.Sync.Interval.Std())
		remindTicker := time.NewTicker(a.cfg.Reminder.Interval.Std())
		expireTicker := time.NewTicker(24 * time.Hour)
		defer syncTicker.Stop()
		defer remindTicker.Stop()
		defer expireTicker.Stop()

		// First pass immediately; the tickers take it from there. The
		// jobs guard themselves against overlap, so a slow sync and a
		// reminder pass may run side by side but never two of a kind.
		runSync(ctx, a)
		runRemind(ctx, a)

		for {
			select {
			case <-ctx.Done():
				logger.Info("daemon stopping")
				return nil
			case <-syncTicker.C:
				runSync(ctx, a)
			case <-remindTicker.C:
				runRemind(ctx, a)
			case <-expireTicker.C:
				if _, err := a.gate.ExpireLapsed(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	},
}

func runSync(ctx context.Context, a *app) {
	if _, err := a.scheduler.Run(ctx); err != nil &&
		!errors.Is(err, syncer.ErrRunInProgress) && !errors.Is(err, context.Canceled) {
		logger.Error("sync run failed", zap.Error(err))
	}
}

func runRemind(ctx context.Context, a *app) {
	if _, err := a.engine.DispatchDue(ctx, time.Now().UTC()); err != nil &&
		!errors.Is(err, reminder.ErrRunInProgress) && !errors.Is(err, context.Canceled) {
		logger.Error("reminder pass failed", zap.Error(err))
	}
}

var registerCmd = &cobra.Command{
	Use:   "register [messenger-id] [canvas-token]",
	Short: "Register a user with their Canvas access token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := signalContext()

		baseURL, _ := cmd.Flags().GetString("base-url")
		encrypted, err := a.cipher.Encrypt(args[1])
		if err != nil {
			return err
		}

		if existing, err := a.store.GetUserByMessengerID(ctx, args[0]); err == nil {
			if err := a.store.SetCredential(ctx, existing.ID, encrypted, baseURL); err != nil {
				return err
			}
			fmt.Printf("updated credential for user %d\n", existing.ID)
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		user := &model.User{
			MessengerID:      args[0],
			CanvasToken:      encrypted,
			CanvasBaseURL:    baseURL,
			TokenValid:       true,
			RemindersEnabled: true,
			Active:           true,
		}
		if err := a.store.CreateUser(ctx, user); err != nil {
			return err
		}
		fmt.Printf("registered user %d\n", user.ID)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add [messenger-id] [title]",
	Short: "Create a manual task for a user and push it to Canvas",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := signalContext()

		dueFlag, _ := cmd.Flags().GetString("due")
		due, err := time.Parse(time.RFC3339, dueFlag)
		if err != nil {
			return fmt.Errorf("invalid --due %q, want RFC3339: %w", dueFlag, err)
		}
		courseID, _ := cmd.Flags().GetString("course")
		description, _ := cmd.Flags().GetString("description")

		user, err := a.store.GetUserByMessengerID(ctx, args[0])
		if err != nil {
			return err
		}
		task, err := a.tasks.CreateManualTask(ctx, user, args[1], description, due, courseID)
		if err != nil {
			return err
		}
		fmt.Printf("created task %d (remote id %q)\n", task.ID, task.RemoteID)
		return nil
	},
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new token encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypt.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

// signalContext returns a context cancelled by SIGINT/SIGTERM. Jobs observe
// it between users, never mid-user.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	registerCmd.Flags().String("base-url", "", "Canvas instance URL, e.g. https://canvas.school.edu")
	addCmd.Flags().String("due", "", "due date, RFC3339")
	addCmd.Flags().String("course", "", "remote course id")
	addCmd.Flags().String("description", "", "task description")
	_ = addCmd.MarkFlagRequired("due")

	rootCmd.AddCommand(syncCmd, remindCmd, expireCmd, daemonCmd, registerCmd, addCmd, genkeyCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
