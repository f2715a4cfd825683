package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/relaycore/relayer/config"
	"github.com/relaycore/relayer/internal/relayer"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/events"
)

// Exit codes: 0 success, 1 usage error, 2 configuration error, 3 remote or
// server error.
const (
	exitUsage  = 1
	exitConfig = 2
	exitRemote = 3
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:           "relayer",
		Short:         "Multi-tenant EVM transaction relay service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the CLI and maps error classes onto exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var usageErr *usageError
		var configErr *configError
		switch {
		case errors.As(err, &usageErr):
			log.Error().Msg(err.Error())
			os.Exit(exitUsage)
		case errors.As(err, &configErr):
			log.Error().Msg(err.Error())
			os.Exit(exitConfig)
		default:
			log.Error().Msg(err.Error())
			os.Exit(exitRemote)
		}
	}
}

type usageError struct{ message string }

func (e *usageError) Error() string { return e.message }

type configError struct{ message string }

func (e *configError) Error() string { return e.message }

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay service",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.InitLogger()
		config.LoadEnv()

		cfg, err := config.Load(configPath)
		if err != nil {
			return &configError{message: "failed to load config: " + err.Error()}
		}

		dbAdapter, err := db.NewDatabaseAdapter(cfg.DatabaseURL)
		if err != nil {
			return &configError{message: "failed to connect to database: " + err.Error()}
		}

		eventBus := events.NewEventBus(256)
		ctx := context.Background()

		service, err := relayer.NewService(ctx, cfg, dbAdapter, eventBus)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create relayer service")
		}
		if err := service.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start relayer service")
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info().Msg("Shutting down relayer...")
		service.Stop()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		config.DefaultConfigFile,
		"Path to the relayer configuration file",
	)
	rootCmd.AddCommand(startCmd)
}
