package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/divinesense-router/ai/observability/logging"
	"github.com/hrygo/divinesense-router/internal/profile"
	"github.com/hrygo/divinesense-router/internal/version"
	"github.com/hrygo/divinesense-router/plugin/channels/telegram"
	"github.com/hrygo/divinesense-router/server"
)

var (
	rootCmd = &cobra.Command{
		Use:   "divinesense-router",
		Short: "Routes natural-language requests to pluggable capability modules.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd services get their environment from the unit file.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instanceProfile, logger, err := loadProfile()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, instanceProfile, logger)
			if err != nil {
				printStartupError(err, instanceProfile)
				return err
			}
			defer a.Close()

			s, err := server.NewServer(ctx, instanceProfile, server.Deps{
				Router:       a.router,
				Capabilities: a.registry,
				Feedback:     a.store,
				Metrics:      a.exporter.Handler(),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			c := make(chan os.Signal, 1)
			signal.Notify(c, terminationSignals...)

			if err := s.Start(ctx); err != nil {
				return err
			}
			printGreetings(instanceProfile, s.Addr())

			var chatDone chan struct{}
			if instanceProfile.TelegramBotToken != "" {
				ch, err := telegram.New(telegram.Config{BotToken: instanceProfile.TelegramBotToken, Logger: logger}, a.router)
				if err != nil {
					logger.Error("telegram channel disabled", "error", err)
				} else {
					chatDone = make(chan struct{})
					go func() {
						defer close(chatDone)
						if err := ch.Run(ctx); err != nil {
							logger.Error("telegram channel stopped", "error", err)
						}
					}()
					fmt.Printf("Telegram bot: @%s\n", ch.Username())
				}
			}

			<-c
			cancel()
			if chatDone != nil {
				<-chatDone
			}
			if err := s.Shutdown(context.Background()); err != nil {
				logger.Warn("http server shutdown failed", "error", err)
			}
			return nil
		},
	}

	routeCmd = &cobra.Command{
		Use:   "route <utterance>",
		Short: "Route one utterance and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceProfile, logger, err := loadProfile()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, instanceProfile, logger)
			if err != nil {
				printStartupError(err, instanceProfile)
				return err
			}
			defer a.Close()

			sessionID, _ := cmd.Flags().GetString("session")
			res, err := a.router.Route(ctx, strings.Join(args, " "), sessionID)
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s tier=%d path=%s intent=%s/%s latency=%dms]\n",
				res.Status, res.TierUsed, res.Path, res.Domain, res.IntentName, res.LatencyMs)
			return nil
		},
	}

	capabilitiesCmd = &cobra.Command{
		Use:   "capabilities",
		Short: "List the registered domains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instanceProfile, logger, err := loadProfile()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), instanceProfile, logger)
			if err != nil {
				printStartupError(err, instanceProfile)
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tINTENTS\tEXPERT TAGS")
			for _, c := range a.registry.Capabilities() {
				tags := "-"
				if c.Expert {
					tags = strings.Join(c.Tags, ", ")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Domain, strings.Join(c.Intents, ", "), tags)
			}
			return w.Flush()
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28090)

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 28090, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver (sqlite, postgres)")
	flags.String("dsn", "", "database source name(aka. DSN)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("manifest-dir", "", "directory of capability manifests")
	flags.Bool("watch-manifests", false, "reload manifests when files in --manifest-dir change")
	flags.Float64("tier1-threshold", 0.75, "minimum confidence for a Tier 1 match")
	flags.Float64("rate-limit", 0, "HTTP requests per second per client, 0 disables")

	for _, name := range []string{
		"mode", "addr", "port", "data", "driver", "dsn", "log-format", "log-level",
		"manifest-dir", "watch-manifests", "tier1-threshold", "rate-limit",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("divinesense_router")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	routeCmd.Flags().String("session", "cli", "session id; reuse it across calls to keep context")
	routeCmd.Flags().Bool("json", false, "print the full routing result as JSON")

	rootCmd.AddCommand(serveCmd, routeCmd, capabilitiesCmd)
}

// loadProfile builds the profile from flags and environment and installs the
// process logger.
func loadProfile() (*profile.Profile, *slog.Logger, error) {
	instanceProfile := &profile.Profile{
		Mode:           viper.GetString("mode"),
		Addr:           viper.GetString("addr"),
		Port:           viper.GetInt("port"),
		Data:           viper.GetString("data"),
		Driver:         viper.GetString("driver"),
		DSN:            viper.GetString("dsn"),
		LogFormat:      viper.GetString("log-format"),
		LogLevel:       viper.GetString("log-level"),
		ManifestDir:    viper.GetString("manifest-dir"),
		WatchManifest:  viper.GetBool("watch-manifests"),
		Tier1Threshold: viper.GetFloat64("tier1-threshold"),
		RateLimit:      viper.GetFloat64("rate-limit"),
		Version:        version.String(),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		return nil, nil, err
	}
	logger := logging.Setup(logging.Config{
		Format: instanceProfile.LogFormat,
		Level:  instanceProfile.LogLevel,
	})
	return instanceProfile, logger, nil
}

func printGreetings(profile *profile.Profile, addr string) {
	fmt.Printf("DivineSense Router %s started successfully!\n", profile.Version)
	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}
	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	if profile.ManifestDir != "" {
		fmt.Printf("Manifests: %s (watch: %t)\n", profile.ManifestDir, profile.WatchManifest)
	}
	fmt.Printf("Server running on %s\n", addr)
	fmt.Printf("Route with: curl -X POST http://%s/api/v1/route -d '{\"utterance\": \"what is on my calendar\"}' -H 'Content-Type: application/json'\n", addr)
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printStartupError explains the common failure causes.
func printStartupError(err error, profile *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nStartup failed")
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		if strings.Contains(errMsg, "nats") {
			fmt.Fprintln(os.Stderr, "  The NATS server is not reachable. Unset DIVINESENSE_ROUTER_NATS_URL to run without it.")
		} else if profile.Driver == "postgres" {
			fmt.Fprintln(os.Stderr, "  PostgreSQL is not running. Start it or use --driver=sqlite.")
		}
	case strings.Contains(errMsg, "sslmode") || strings.Contains(errMsg, "SSL is not enabled"):
		fmt.Fprintln(os.Stderr, "  Add ?sslmode=disable to your DSN.")
	case strings.Contains(errMsg, "manifest"):
		fmt.Fprintln(os.Stderr, "  A capability manifest is invalid. Fix or remove it and start again.")
	}
	fmt.Fprintln(os.Stderr, "  Error:", errMsg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
