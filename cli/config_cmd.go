package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update tftpd configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configShowCommand(), configSetCommand())
	return cmd
}

func configShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetServerConfig(cmd)
			if cfg == nil {
				return errors.New("server config unavailable")
			}
			output.ServerConfig(cfg)
			return nil
		},
	}
}

func configSetCommand() *cobra.Command {
	var (
		network  string
		address  string
		port     int
		rootDir  string
		routes   string
		logLevel string
		metrics  string
		cacheTTL int
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the server configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetServerConfig(cmd)
			if cfg == nil {
				return errors.New("server config unavailable")
			}
			flags := cmd.Flags()
			if !anyChanged(flags, "network", "address", "port", "root", "routes", "level", "metrics-address", "cache-ttl-seconds") {
				return fmt.Errorf("nothing to update; see --help for settable fields")
			}

			if flags.Changed("network") {
				cfg.Network = strings.ToLower(strings.TrimSpace(network))
			}
			if flags.Changed("address") {
				cfg.ListenAddress = address
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("root") {
				cfg.RootDir = rootDir
			}
			if flags.Changed("routes") {
				cfg.RoutesFile = routes
			}
			if flags.Changed("level") {
				if err := internal.ConfigureLogger(logLevel); err != nil {
					return err
				}
				cfg.LogLevel = logLevel
			}
			if flags.Changed("metrics-address") {
				cfg.MetricsAddress = metrics
			}
			if flags.Changed("cache-ttl-seconds") {
				cfg.CacheTTLSeconds = cacheTTL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			path, err := cfg.Save(configPathFlag(cmd))
			if err != nil {
				return fmt.Errorf("saving server config: %w", err)
			}
			internal.Info("server configuration updated", internal.Fields{
				internal.ConfigPath: path,
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&network, "network", "", "udp, udp4 or udp6")
	cmd.Flags().StringVar(&address, "address", "", "Listen address")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port")
	cmd.Flags().StringVar(&rootDir, "root", "", "Directory served for every filename")
	cmd.Flags().StringVar(&routes, "routes", "", "Routes file path")
	cmd.Flags().StringVar(&logLevel, "level", "", "Log level stored in the config")
	cmd.Flags().StringVar(&metrics, "metrics-address", "", "Prometheus endpoint address")
	cmd.Flags().IntVar(&cacheTTL, "cache-ttl-seconds", 0, "File cache TTL, 0 disables caching")
	return cmd
}

func anyChanged(flags *pflag.FlagSet, names ...string) bool {
	for _, name := range names {
		if flags.Changed(name) {
			return true
		}
	}
	return false
}

func configPathFlag(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("config"); f != nil {
		return f.Value.String()
	}
	return ""
}
