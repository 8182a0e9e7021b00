package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duetchat/duet/ai/llm"
	"github.com/duetchat/duet/ai/metrics"
	"github.com/duetchat/duet/chat"
	"github.com/duetchat/duet/internal/profile"
	"github.com/duetchat/duet/internal/version"
	"github.com/duetchat/duet/server"
	"github.com/duetchat/duet/store"
	"github.com/duetchat/duet/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "duet",
	Short: `A streaming chat server for local and hosted LLMs, with side-by-side model comparison.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Try to load .env from the current directory; absence is fine.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			Data:        viper.GetString("data"),
			Driver:      viper.GetString("driver"),
			DSN:         viper.GetString("dsn"),
			InstanceURL: viper.GetString("instance-url"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err, "driver", instanceProfile.Driver)
			os.Exit(1)
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			os.Exit(1)
		}
		defer func() { _ = storeInstance.Close() }()

		exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())
		resolver := llm.NewResolver(instanceProfile)
		bus := chat.NewEventBus()

		orchestrator := chat.NewOrchestrator(storeInstance, resolver, bus, exporter)
		orchestrator.RegisterAutoTitle(bus)
		defer orchestrator.Close()

		s := server.NewServer(instanceProfile, orchestrator, resolver, exporter)

		// SIGTERM is what most process managers send; treat it like Ctrl-C.
		go func() {
			c := make(chan os.Signal, 1)
			signal.Notify(c, terminationSignals...)
			<-c
			slog.Info("shutting down")
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := s.Start(ctx); err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("instance-url", "", "the url of your duet instance")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn", "instance-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("duet")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Duet %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	if profile.IsBackendConfigured() {
		fmt.Printf("Model backend: %s\n", profile.LLMProvider)
	} else {
		fmt.Println("No model backend configured; set DUET_LLM_PROVIDER to enable generation")
	}

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
