package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/static"
	"github.com/jgoldverg/tftpd/pkg/tftpserver"
	"github.com/jgoldverg/tftpd/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type ServeOpts struct {
	network        string
	address        string
	port           int
	rootDir        string
	routesFile     string
	metricsAddress string
	cacheTTL       time.Duration
	dashboard      bool
}

func ServeCommand() *cobra.Command {
	var opts ServeOpts

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s", "start"},
		Short:   "Serve files over TFTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := GetServerConfig(cmd)
			if cfg == nil {
				return errors.New("server config unavailable")
			}
			applyServeFlags(cmd, cfg, &opts)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(ctx, cfg, opts.dashboard)
		},
	}

	cmd.Flags().StringVar(&opts.network, "network", "", "udp, udp4 or udp6 (overrides config)")
	cmd.Flags().StringVar(&opts.address, "address", "", "Listen address (overrides config)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&opts.rootDir, "root", "", "Directory served for every filename (overrides config)")
	cmd.Flags().StringVar(&opts.routesFile, "routes", "", "YAML or TOML routes file (overrides config)")
	cmd.Flags().StringVar(&opts.metricsAddress, "metrics-address", "", "Address for the Prometheus /metrics endpoint, e.g. :9169")
	cmd.Flags().DurationVar(&opts.cacheTTL, "cache-ttl", 0, "Keep served files in memory for this long")
	cmd.Flags().BoolVar(&opts.dashboard, "dashboard", false, "Render a live metrics board in the terminal")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *internal.ServerConfig, opts *ServeOpts) {
	flags := cmd.Flags()
	if flags.Changed("network") {
		cfg.Network = opts.network
	}
	if flags.Changed("address") {
		cfg.ListenAddress = opts.address
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("root") {
		cfg.RootDir = opts.rootDir
	}
	if flags.Changed("routes") {
		cfg.RoutesFile = opts.routesFile
	}
	if flags.Changed("metrics-address") {
		cfg.MetricsAddress = opts.metricsAddress
	}
	if flags.Changed("cache-ttl") {
		cfg.CacheTTLSeconds = int(opts.cacheTTL / time.Second)
	}
}

func runServer(ctx context.Context, cfg *internal.ServerConfig, dashboard bool) error {
	collector := metrics.NewSessionCollector("")
	srv := tftpserver.NewServer(transport.NewUDP(), tftpserver.WithMetrics(collector))

	if err := registerRoutes(srv, cfg); err != nil {
		_ = srv.Close()
		return err
	}

	bindOpts := transport.DefaultBindOptions()
	bindOpts.Network = cfg.Network
	bindOpts.Address = cfg.ListenAddress
	bindOpts.Port = cfg.Port
	bindOpts.ReadBufferSize = cfg.UDPReadBufferSize
	bindOpts.WriteBufferSize = cfg.UDPWriteBufferSize
	if err := srv.Bind(ctx, bindOpts); err != nil {
		_ = srv.Close()
		return fmt.Errorf("bind %s port %d: %w", cfg.Network, cfg.Port, err)
	}

	var httpSrv *http.Server
	if cfg.MetricsAddress != "" {
		httpSrv = startMetricsServer(cfg.MetricsAddress, srv, collector)
	}

	output.Listening(srv.Addr().String(), srv.Routes().Len(), cfg.ServerId)

	var board *output.MetricsDisplay
	if dashboard {
		board = output.NewMetricsDisplay("tftpd sessions", collector).WithSessions(srv.ActiveSessions)
		if err := board.Start(ctx); err != nil {
			internal.Warn("failed to start metrics dashboard", internal.Fields{
				internal.FieldError: err.Error(),
			})
			board = nil
		}
	}

	<-ctx.Done()
	internal.Info("shutting down", nil)

	if board != nil {
		board.Stop()
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := srv.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	internal.Info("tftp server shutdown complete", nil)
	return nil
}

// registerRoutes installs the routes file entries first, then root_dir as a
// catch-all.
func registerRoutes(srv *tftpserver.Server, cfg *internal.ServerConfig) error {
	if cfg.RoutesFile != "" {
		rf, err := static.LoadRouteFile(cfg.RoutesFile)
		if err != nil {
			return fmt.Errorf("load routes file: %w", err)
		}
		if _, err := rf.Register(srv, cfg.CacheTTL()); err != nil {
			return err
		}
		internal.Info("routes file loaded", internal.Fields{
			internal.RoutesPath:    cfg.RoutesFile,
			internal.FieldKey("n"): len(rf.Routes),
		})
	}

	if cfg.RootDir == "" {
		return nil
	}
	if info, err := os.Stat(cfg.RootDir); err != nil || !info.IsDir() {
		internal.Warn("root directory not available, not serving it", internal.Fields{
			internal.FieldFile: cfg.RootDir,
		})
		return nil
	}
	h := srv.Register(nil, static.ServeStatic(cfg.RootDir, static.WithCacheTTL(cfg.CacheTTL())))
	internal.Info("static route registered", internal.Fields{
		internal.FieldRoute: int(h),
		internal.FieldFile:  cfg.RootDir,
	})
	return nil
}

func startMetricsServer(addr string, srv *tftpserver.Server, collector *metrics.SessionCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.ActiveSessions())
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics server stopped", internal.Fields{
				internal.FieldAddr:  addr,
				internal.FieldError: err.Error(),
			})
		}
	}()
	internal.Info("metrics endpoint listening", internal.Fields{
		internal.FieldAddr: addr,
	})
	return httpSrv
}
