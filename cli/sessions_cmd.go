package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/pkg/tftpserver"
	"github.com/spf13/cobra"
)

// SessionsCommand lists the transfers a running server is serving, via the
// /sessions endpoint next to /metrics.
func SessionsCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show active sessions of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				if cfg := GetServerConfig(cmd); cfg != nil {
					address = cfg.MetricsAddress
				}
			}
			if address == "" {
				return errors.New("no metrics address configured; pass --metrics-address")
			}
			sessions, err := fetchSessions(cmd.Context(), sessionsURL(address))
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				output.NoSessions(address)
				return nil
			}
			return output.PrintSessionTable(sessions)
		},
	}
	cmd.Flags().StringVar(&address, "metrics-address", "", "Metrics endpoint of the server (default: metrics_address from config)")
	return cmd
}

func sessionsURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/") + "/sessions"
	}
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	return "http://" + address + "/sessions"
}

func fetchSessions(ctx context.Context, url string) ([]tftpserver.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: %s", url, resp.Status)
	}

	var sessions []tftpserver.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}
