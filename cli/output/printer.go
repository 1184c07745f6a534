package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/pterm/pterm"
)

// field is one line under a report headline. Fields print in the order given.
type field struct {
	key   string
	value any
}

func report(prefix pterm.PrefixPrinter, headline string, fields ...field) {
	prefix.Println(headline)
	width := 0
	for _, f := range fields {
		if len(f.key) > width {
			width = len(f.key)
		}
	}
	for _, f := range fields {
		pterm.Fprint(prefix.Writer, fmt.Sprintf("  %s%s  %v\n", f.key, strings.Repeat(" ", width-len(f.key)), f.value))
	}
}

func Listening(addr string, routes int, serverID string) {
	report(pterm.Success, "tftp server listening",
		field{"addr", addr},
		field{"routes", routes},
		field{"server id", serverID},
	)
}

func Downloaded(server, file, saved string, bytes int64) {
	// Stdout may be carrying the file itself.
	prefix := pterm.Success
	if saved == "-" {
		prefix = *prefix.WithWriter(os.Stderr)
		saved = "stdout"
	}
	report(prefix, fmt.Sprintf("fetched %s from %s", file, server),
		field{"saved", saved},
		field{"size", humanizeSize(uint64(bytes))},
	)
}

func RoutesInvalid(file string, err error) {
	report(*pterm.Error.WithWriter(os.Stderr), "routes file invalid",
		field{"file", file},
		field{"error", err},
	)
}

func RoutesOK(file string, n int) {
	report(pterm.Success, fmt.Sprintf("%s: %d routes", file, n))
}

func NoSessions(server string) {
	report(pterm.Info, "no active sessions", field{"server", server})
}

func ServerConfig(cfg *internal.ServerConfig) {
	routes := cfg.RoutesFile
	if routes == "" {
		routes = "(none)"
	}
	metrics := cfg.MetricsAddress
	if metrics == "" {
		metrics = "(disabled)"
	}
	report(pterm.Info, "server config "+cfg.ConfigFile,
		field{"network", cfg.Network},
		field{"listen_address", cfg.ListenAddress},
		field{"port", cfg.Port},
		field{"root_dir", cfg.RootDir},
		field{"routes_file", routes},
		field{"cache_ttl", cfg.CacheTTL()},
		field{"metrics_address", metrics},
		field{"udp_read_buffer_size", humanizeSize(uint64(cfg.UDPReadBufferSize))},
		field{"udp_write_buffer_size", humanizeSize(uint64(cfg.UDPWriteBufferSize))},
		field{"log_level", cfg.LogLevel},
		field{"server_id", cfg.ServerId},
	)
}
