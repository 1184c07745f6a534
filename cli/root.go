package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const serverConfigKey ctxKey = "serverConfig"

// Commands annotated with skipConfig run without loading the server config.
const skipConfig = "skip-config"

func NewRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:          "tftpd",
		Short:        "tftpd is a read-only TFTP server",
		Long:         `tftpd serves files over TFTP to many clients on one UDP socket. Routes map requested filenames to directories, with optional in-memory caching and Prometheus metrics.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := cmd.Annotations[skipConfig]; ok {
				return configureLogLevel(logLevel, "info")
			}

			cfg, err := internal.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load server config: %w", err)
			}
			if err := configureLogLevel(logLevel, cfg.LogLevel); err != nil {
				return err
			}
			internal.Debug("server config loaded", internal.Fields{
				internal.ConfigPath: configPath,
			})

			cmd.SetContext(context.WithValue(cmd.Context(), serverConfigKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to server config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")

	rootCmd.AddCommand(ServeCommand())
	rootCmd.AddCommand(FetchCommand())
	rootCmd.AddCommand(RoutesCommand())
	rootCmd.AddCommand(SessionsCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

func configureLogLevel(flagLevel, cfgLevel string) error {
	level := cfgLevel
	if strings.TrimSpace(flagLevel) != "" {
		level = flagLevel
	}
	if err := internal.ConfigureLogger(level); err != nil {
		if strings.TrimSpace(flagLevel) != "" {
			return err
		}
		internal.Warn("invalid log level in server config, defaulting to info", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}
	return nil
}

// GetServerConfig returns the config loaded by the root command.
func GetServerConfig(cmd *cobra.Command) *internal.ServerConfig {
	if v := cmd.Context().Value(serverConfigKey); v != nil {
		if cfg, ok := v.(*internal.ServerConfig); ok {
			return cfg
		}
	}
	return nil
}
