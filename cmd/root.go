// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "swarmwatch",
	Short:         "Swarmwatch detects coordinated inauthentic behavior in social media event streams.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		// 1. Initialize configuration loading (Viper)
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		// 2. Unmarshal and validate the configuration
		if err := config.Load(viper.GetViper()); err != nil {
			observability.InitializeLogger(config.Default().Logger)
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg := config.Get()

		// 3. Initialize the logger
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("Configuration loaded", zap.String("version", Version), zap.String("command", cmd.Name()))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// It accepts a context passed from main.go for graceful shutdown.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Avoid logging context.Canceled errors as failures, as they are expected
		// during graceful shutdown.
		if ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	v := viper.GetViper()
	// Set default values so the app can run with a minimal config.
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// SWARMWATCH_ENGINE_TICK_INTERVAL overrides engine.tick_interval, and so on.
	v.SetEnvPrefix("SWARMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("postgres.url", "SWARMWATCH_POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("kafka.brokers", "SWARMWATCH_KAFKA_BROKERS")

	if err := v.ReadInConfig(); err != nil {
		// It's okay if the config file is not found, but report other errors
		// like parsing issues.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
