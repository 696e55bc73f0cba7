package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eunjae-lee/tinyclaw/internal/approval"
	"github.com/eunjae-lee/tinyclaw/internal/channels"
	"github.com/eunjae-lee/tinyclaw/internal/channels/discord"
	"github.com/eunjae-lee/tinyclaw/internal/channels/telegram"
	"github.com/eunjae-lee/tinyclaw/internal/config"
	"github.com/eunjae-lee/tinyclaw/internal/queue"
	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

func adapterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Run a channel adapter",
	}
	cmd.AddCommand(adapterDiscordCmd())
	cmd.AddCommand(adapterTelegramCmd())
	return cmd
}

func adapterDiscordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discord",
		Short: "Run the Discord channel adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdapter("discord", func(configHome string, q *queue.Queue, sessStore *sessions.Store, approvalStore *approval.Store, creds *config.Credentials, settings *config.Settings) (channels.Channel, error) {
				if creds.DiscordToken == "" {
					return nil, fmt.Errorf("adapter discord: no discordToken in credentials.json")
				}
				filesDir := filepath.Join(configHome, "files", "discord")
				return discord.New(settings.Channels.Discord, creds.DiscordToken, q, sessStore, approvalStore, configHome, filesDir)
			})
		},
	}
}

func adapterTelegramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "telegram",
		Short: "Run the Telegram channel adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdapter("telegram", func(configHome string, q *queue.Queue, sessStore *sessions.Store, approvalStore *approval.Store, creds *config.Credentials, settings *config.Settings) (channels.Channel, error) {
				if creds.TelegramToken == "" {
					return nil, fmt.Errorf("adapter telegram: no telegramToken in credentials.json")
				}
				return telegram.New(settings.Channels.Telegram, creds.TelegramToken, q, sessStore, approvalStore, configHome)
			})
		},
	}
}

// runAdapter holds the wiring shared by every channel adapter subcommand:
// open the queue/session/approval stores, load credentials and settings,
// build the concrete channel via build, and run it until interrupted.
func runAdapter(name string, build func(configHome string, q *queue.Queue, sessStore *sessions.Store, approvalStore *approval.Store, creds *config.Credentials, settings *config.Settings) (channels.Channel, error)) error {
	setupLogging()

	configHome := resolveConfigHome()
	queueRoot := filepath.Join(configHome, "queue")

	q, err := queue.New(queueRoot)
	if err != nil {
		return fmt.Errorf("adapter %s: open queue: %w", name, err)
	}

	cfgStore := config.NewStore(configHome)
	settings, err := cfgStore.LoadSettings()
	if err != nil {
		return fmt.Errorf("adapter %s: load settings: %w", name, err)
	}
	creds, err := cfgStore.LoadCredentials()
	if err != nil {
		return fmt.Errorf("adapter %s: load credentials: %w", name, err)
	}

	sessStore := sessions.NewStore(filepath.Join(configHome, sessions.DefaultFilename))
	approvalStore, err := approval.NewStore(filepath.Join(configHome, "approvals"))
	if err != nil {
		return fmt.Errorf("adapter %s: open approval store: %w", name, err)
	}

	channel, err := build(configHome, q, sessStore, approvalStore, creds, settings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("adapter: starting", "channel", name, "config_home", configHome)
	if err := channel.Start(ctx); err != nil {
		return fmt.Errorf("adapter %s: start: %w", name, err)
	}

	<-ctx.Done()
	slog.Info("adapter: stopping", "channel", name)
	return channel.Stop(context.Background())
}
