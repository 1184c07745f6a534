package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	configDirName        = ".tftpd"
	serverConfigName     = "server_config"
	serverConfigFileName = serverConfigName + ".toml"
	serverEnvPrefix      = "TFTPD"
)

type ServerConfig struct {
	Network            string `mapstructure:"network"`
	ListenAddress      string `mapstructure:"listen_address"`
	Port               int    `mapstructure:"port"`
	RootDir            string `mapstructure:"root_dir"`
	RoutesFile         string `mapstructure:"routes_file"`
	LogLevel           string `mapstructure:"log_level"`
	MetricsAddress     string `mapstructure:"metrics_address"`
	UDPReadBufferSize  int    `mapstructure:"udp_read_buffer_size"`
	UDPWriteBufferSize int    `mapstructure:"udp_write_buffer_size"`
	CacheTTLSeconds    int    `mapstructure:"cache_ttl_seconds"`
	ServerId           string `mapstructure:"server_id"`

	// ConfigFile is the file the config was read from or first written to.
	// Save writes back to it when no path is given.
	ConfigFile string `mapstructure:"-"`
}

func (cfg *ServerConfig) CacheTTL() time.Duration {
	if cfg.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.CacheTTLSeconds) * time.Second
}

func (cfg *ServerConfig) Validate() error {
	switch cfg.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("network must be udp, udp4 or udp6, got %q", cfg.Network)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	return nil
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New("failed to load users home directory: " + err.Error())
	}
	v, err := initViper(configPath, filepath.Join(home, configDirName), serverConfigName, "toml", serverEnvPrefix)
	if err != nil {
		return nil, errors.New("failed to load server config: " + err.Error())
	}

	v.SetDefault("network", "udp")
	v.SetDefault("listen_address", "")
	v.SetDefault("port", 69)
	v.SetDefault("root_dir", filepath.Join(home, configDirName, "root"))
	v.SetDefault("routes_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_address", "")
	v.SetDefault("udp_read_buffer_size", 64*1024)
	v.SetDefault("udp_write_buffer_size", 64*1024)
	v.SetDefault("cache_ttl_seconds", 0)
	v.SetDefault("server_id", uuid.New().String())

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.RootDir = expandPath(cfg.RootDir)
	cfg.RoutesFile = expandPath(cfg.RoutesFile)
	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create-on-first-run ONLY (no config file was read)
	if v.ConfigFileUsed() == "" {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, configDirName, serverConfigFileName)
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default server config: %w", err)
			}
			cfg.ConfigFile = writePath
			Info("server config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if notFound || (configPath != "" && errors.Is(err, os.ErrNotExist)) {
			return v, nil
		}
		Error("failed to read config file", Fields{
			ConfigPath: configPath,
			FieldError: err.Error(),
		})
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func (cfg *ServerConfig) Save(path string) (string, error) {
	if path == "" {
		path = cfg.ConfigFile
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, configDirName, serverConfigFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("network", cfg.Network)
	v.Set("listen_address", cfg.ListenAddress)
	v.Set("port", cfg.Port)
	v.Set("root_dir", cfg.RootDir)
	v.Set("routes_file", cfg.RoutesFile)
	v.Set("log_level", cfg.LogLevel)
	v.Set("metrics_address", cfg.MetricsAddress)
	v.Set("udp_read_buffer_size", cfg.UDPReadBufferSize)
	v.Set("udp_write_buffer_size", cfg.UDPWriteBufferSize)
	v.Set("cache_ttl_seconds", cfg.CacheTTLSeconds)
	v.Set("server_id", cfg.ServerId)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write server config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
