package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/phenolog/phenolog/cmd/importer"
	"github.com/phenolog/phenolog/cmd/ingest"
	"github.com/phenolog/phenolog/cmd/matrix"
	"github.com/phenolog/phenolog/cmd/remove"
	"github.com/phenolog/phenolog/cmd/serve"
	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/logger"
)

// RootCommand creates and returns the root command. settings is filled from
// the configuration file before any sub-command runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var (
		configPath    string
		centralLogger *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:           "phenolog",
		Short:         "Plant phenology observation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configPath); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(settings),
		ingest.Command(settings),
		remove.Command(settings),
		matrix.Command(settings),
		importer.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cl, err := initialize(settings, configPath)
		if err != nil {
			return err
		}
		centralLogger = cl
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if centralLogger != nil {
			_ = centralLogger.Close()
		}
	}

	return rootCmd
}

// initialize loads the configuration and installs the central logger
func initialize(settings *conf.Settings, configPath string) (*logger.CentralLogger, error) {
	var (
		loaded *conf.Settings
		err    error
	)
	if configPath != "" {
		loaded, err = conf.LoadFrom(configPath)
	} else {
		loaded, err = conf.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	*settings = *loaded

	if settings.Main.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)
	return cl, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configPath *string) error {
	rootCmd.PersistentFlags().StringVarP(configPath, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("main.debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
