package cli

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/metrics"
	tftp "github.com/pin/tftp/v3"
	"github.com/spf13/cobra"
)

type FetchOpts struct {
	output  string
	mode    string
	timeout time.Duration
	retries int
	stats   bool
}

// FetchCommand downloads a file from any TFTP server.
func FetchCommand() *cobra.Command {
	opts := FetchOpts{
		mode:    "octet",
		timeout: 5 * time.Second,
		retries: 5,
	}

	cmd := &cobra.Command{
		Use:         "fetch <host[:port]> <filename>",
		Aliases:     []string{"get"},
		Short:       "Download a file over TFTP",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfig: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			server := withDefaultPort(args[0], 69)
			filename := args[1]
			dest := opts.output
			if dest == "" {
				dest = path.Base(filename)
			}

			c, err := tftp.NewClient(server)
			if err != nil {
				return fmt.Errorf("create tftp client: %w", err)
			}
			c.SetTimeout(opts.timeout)
			c.SetRetries(opts.retries)

			collector := metrics.NewSessionCollector("tftpd_fetch")
			n, err := fetch(c, filename, opts.mode, dest, collector)
			if err != nil {
				return err
			}

			output.Downloaded(server, filename, dest, n)
			if opts.stats {
				output.NewMetricsDisplay("fetch", collector).Stop()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Local path to write, - for stdout (default: base name of the remote file)")
	cmd.Flags().StringVar(&opts.mode, "mode", opts.mode, "Transfer mode: octet or netascii")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", opts.timeout, "Per-packet timeout")
	cmd.Flags().IntVar(&opts.retries, "retries", opts.retries, "Retransmissions before giving up")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Print transfer statistics when done")
	return cmd
}

func fetch(c *tftp.Client, filename, mode, dest string, collector *metrics.SessionCollector) (int64, error) {
	wt, err := c.Receive(filename, mode)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", filename, err)
	}

	var w io.Writer
	if dest == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(dest)
		if err != nil {
			return 0, fmt.Errorf("create %s: %w", dest, err)
		}
		defer f.Close()
		w = f
	}

	n, err := wt.WriteTo(&countingWriter{w: w, collector: collector})
	if err != nil {
		if dest != "-" {
			_ = os.Remove(dest)
		}
		return n, fmt.Errorf("receive %s: %w", filename, err)
	}
	internal.Debug("fetch finished", internal.Fields{
		internal.FieldFile:  filename,
		internal.FieldBytes: n,
	})
	return n, nil
}

type countingWriter struct {
	w         io.Writer
	collector *metrics.SessionCollector
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.collector.ObserveBytesReceived(n)
	return n, err
}

func withDefaultPort(hostport string, port int) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, strconv.Itoa(port))
}
