package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/tallyline-io/courier"
	"github.com/tallyline-io/courier/internal/config"
)

const longHelp = `
Courier keeps a persistent session with a chat-messaging channel and
delivers scheduled reports through it reliably, surviving disconnects,
session corruption and per-recipient throughput caps.

Highlights:
  - Restores corrupted sessions from timestamped backup bundles.
  - Reconnects with capped exponential backoff after channel drops.
  - Paces scheduled batches and rate-limits each recipient.
  - Configure via file, environment (COURIER_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  courier --data-dir /var/lib/courier --gateway-url wss://gw.example.com/ws
  courier --config $HOME/.courier/config.toml --phone 628120001111
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := courier.DefaultConfig()
	var cfgPath string

	logger := courier.NewLogger()

	root := &cobra.Command{
		Use:     "courier",
		Short:   "Reliable scheduled delivery over an unreliable chat channel",
		Long:    strings.TrimSpace(longHelp),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Config file first (default $HOME/.courier/config.toml), then
			// env, then flag overrides via the changed map.
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = config.DefaultPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && config.FileExists(cfgFile) {
				fc, err := config.LoadFile(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := config.ApplyFile(&cfg, fc, changed); err != nil {
					return err
				}
			} else {
				cfgFile = ""
			}

			if err := config.ApplyEnv(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			c, err := courier.New(cfg, courier.Options{
				Logger:     logger,
				ConfigPath: cfgFile,
			})
			if err != nil {
				return fmt.Errorf("create courier: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("start courier: %w", err)
			}

			<-sigCh
			logger.Info("received signal, stopping")

			if err := c.Stop(); err != nil {
				return fmt.Errorf("stop courier: %w", err)
			}
			return nil
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.courier/config.toml)")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory for durable state")
	root.Flags().StringVar(&cfg.SessionDir, "session-dir", cfg.SessionDir, "session credential directory (defaults under data-dir)")
	root.Flags().StringVar(&cfg.DatabasePath, "database", cfg.DatabasePath, "delivery database path (defaults under data-dir)")

	root.Flags().StringVar(&cfg.GatewayURL, "gateway-url", cfg.GatewayURL, "websocket endpoint of the channel gateway")
	root.Flags().StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "gateway API token")
	root.Flags().StringVar(&cfg.PhoneNumber, "phone", cfg.PhoneNumber, "phone number for pairing-code handshake (empty: scannable code)")
	root.Flags().DurationVar(&cfg.PairingCodeInterval, "pairing-interval", cfg.PairingCodeInterval, "pairing code regeneration interval")

	root.Flags().IntVar(&cfg.InitAttempts, "init-attempts", cfg.InitAttempts, "startup initialization attempts")
	root.Flags().IntVar(&cfg.ReconnectMaxAttempts, "reconnect-max-attempts", cfg.ReconnectMaxAttempts, "reconnection attempts before abandoning a cycle")

	root.Flags().DurationVar(&cfg.BackupInterval, "backup-interval", cfg.BackupInterval, "session backup interval")
	root.Flags().IntVar(&cfg.BackupRetention, "backup-retention", cfg.BackupRetention, "session backups kept")

	root.Flags().IntVar(&cfg.RecipientPerMinute, "recipient-per-minute", cfg.RecipientPerMinute, "per-recipient messages per minute")
	root.Flags().IntVar(&cfg.SendMaxRetries, "send-max-retries", cfg.SendMaxRetries, "send retries per message")
	root.Flags().IntVar(&cfg.BatchPerMinute, "batch-per-minute", cfg.BatchPerMinute, "batch throughput target per minute")

	root.Flags().StringVar(&cfg.DeliveryTime, "delivery-time", cfg.DeliveryTime, "daily delivery time, HH:MM")
	root.Flags().StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "IANA timezone for the daily schedule")
	root.Flags().IntVar(&cfg.DeliveryMaxRetries, "delivery-max-retries", cfg.DeliveryMaxRetries, "automatic requeues of a failed delivery")
	root.Flags().DurationVar(&cfg.DeliveryRetryDelay, "delivery-retry-delay", cfg.DeliveryRetryDelay, "delay before a failed delivery is requeued")
	root.Flags().StringSliceVar(&cfg.ReportGroups, "report-groups", cfg.ReportGroups, "recipient groups receiving the daily report")

	root.Flags().StringVar(&cfg.AdminListenAddr, "admin-listen", cfg.AdminListenAddr, "listen address for the operator API (empty: disabled)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "courier:", err)
		os.Exit(1)
	}
}
