package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eunjae-lee/tinyclaw/internal/config"
	"github.com/eunjae-lee/tinyclaw/internal/dispatcher"
	"github.com/eunjae-lee/tinyclaw/internal/events"
	"github.com/eunjae-lee/tinyclaw/internal/invoke"
	"github.com/eunjae-lee/tinyclaw/internal/observability"
	"github.com/eunjae-lee/tinyclaw/internal/queue"
	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

var (
	enableEvents bool
	enableOtel   bool
)

func dispatcherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the queue-bus dispatcher loop",
		Run: func(cmd *cobra.Command, args []string) {
			runDispatcher()
		},
	}
	cmd.Flags().BoolVar(&enableEvents, "events", false, "append a SQLite row per dispatched message under CONFIG_HOME/events.db")
	cmd.Flags().BoolVar(&enableOtel, "otel", false, "wrap agent invocations in OTel spans/counters")
	return cmd
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runDispatcher() {
	setupLogging()

	configHome := resolveConfigHome()
	queueRoot := filepath.Join(configHome, "queue")
	workspaceRoot := filepath.Join(configHome, "workspace")

	q, err := queue.New(queueRoot)
	if err != nil {
		slog.Error("dispatcher: failed to open queue", "error", err)
		os.Exit(1)
	}

	cfgStore := config.NewStore(configHome)
	sessStore := sessions.NewStore(filepath.Join(configHome, sessions.DefaultFilename))
	invokers := invoke.NewRegistry(sessStore)

	d := dispatcher.New(q, cfgStore, invokers, workspaceRoot, configHome)

	if enableEvents {
		sink, err := events.Open(filepath.Join(configHome, "events.db"))
		if err != nil {
			slog.Error("dispatcher: failed to open events sink", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		d.Events = sink
	}
	if enableOtel {
		inst, shutdown, err := observability.Init()
		if err != nil {
			slog.Error("dispatcher: failed to init observability", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		d.Observability = inst
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("dispatcher: starting", "config_home", configHome, "queue", queueRoot)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("dispatcher: exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("dispatcher: stopped")
}
