package output

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/tftpserver"
	"github.com/pterm/pterm"
)

// boardSessions caps the session rows on the live board.
const boardSessions = 10

// MetricsDisplay is a live terminal board over a SessionCollector. Stop
// replaces it with a final summary.
type MetricsDisplay struct {
	title     string
	collector *metrics.SessionCollector
	sessions  func() []tftpserver.SessionInfo
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMetricsDisplay(title string, collector *metrics.SessionCollector) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "TFTP Sessions"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  500 * time.Millisecond,
	}
}

// WithSessions adds a table of in-flight sessions to the live board.
// tftpserver.Server.ActiveSessions fits.
func (d *MetricsDisplay) WithSessions(list func() []tftpserver.SessionInfo) *MetricsDisplay {
	d.sessions = list
	return d
}

func (d *MetricsDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	area, err := pterm.DefaultArea.WithRemoveWhenDone(true).Start()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	d.area, d.cancel, d.done = area, cancel, make(chan struct{})
	go d.refresh(ctx, area, d.done)
	return nil
}

func (d *MetricsDisplay) refresh(ctx context.Context, area *pterm.AreaPrinter, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		area.Update(d.board())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop tears down the live board, if one is running, and prints the final
// summary. It is safe on a display that was never started.
func (d *MetricsDisplay) Stop() {
	if d == nil || d.collector == nil {
		return
	}
	d.mu.Lock()
	cancel, done, area := d.cancel, d.done, d.area
	d.cancel, d.done, d.area = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if area != nil {
		_ = area.Stop()
	}
	d.printSummary()
}

func (d *MetricsDisplay) board() string {
	snap := d.collector.Snapshot()
	var b strings.Builder
	b.WriteString(pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title))
	b.WriteString("\n")
	b.WriteString(renderTable(summaryRows(snap)))
	if rows := outcomeRows(snap.Outcomes); len(rows) > 1 {
		b.WriteString("\n")
		b.WriteString(renderTable(rows))
	}
	if d.sessions != nil {
		if rows := sessionRows(d.sessions(), boardSessions); len(rows) > 1 {
			b.WriteString("\n")
			b.WriteString(renderTable(rows))
		}
	}
	return b.String()
}

func (d *MetricsDisplay) printSummary() {
	snap := d.collector.Snapshot()
	if snap.SessionsStarted == 0 && snap.BytesReceived == 0 {
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println(d.title)
	fmt.Println(renderTable(summaryRows(snap)))
	if rows := outcomeRows(snap.Outcomes); len(rows) > 1 {
		fmt.Println(renderTable(rows))
	}
}

func renderTable(rows pterm.TableData) string {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return ""
	}
	return out
}

// summaryRows covers both ends: a server collector reports sessions and sent
// blocks, a fetch collector only received bytes.
func summaryRows(snap metrics.Snapshot) pterm.TableData {
	rows := pterm.TableData{{"Metric", "Value"}}
	if snap.SessionsStarted > 0 {
		rows = append(rows,
			[]string{"Sessions", fmt.Sprintf("%d started, %d active", snap.SessionsStarted, snap.ActiveSessions)},
			[]string{"Sent", fmt.Sprintf("%s in %d packets", formatBytes(snap.BytesSent), snap.PacketsSent)},
			[]string{"Retransmitted", fmt.Sprintf("%d blocks, %s (%s)",
				snap.Retransmissions, formatBytes(snap.BytesRetransmit), formatPercent(snap.RetransmitRate))},
			[]string{"Error packets", fmt.Sprintf("%d", snap.ErrorPackets)},
		)
	}
	if snap.BytesReceived > 0 {
		rows = append(rows, []string{"Received", formatBytes(snap.BytesReceived)})
	}
	rows = append(rows,
		[]string{"Throughput", formatMbps(snap.ThroughputMbps)},
		[]string{"Goodput", formatMbps(snap.GoodputMbps)},
		[]string{"Elapsed", formatDuration(snap.Elapsed)},
	)
	return rows
}

func outcomeRows(outcomes map[string]uint64) pterm.TableData {
	rows := pterm.TableData{{"Outcome", "Sessions"}}
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprintf("%d", outcomes[k])})
	}
	return rows
}

func formatMbps(mbps float64) string {
	if mbps <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.2f Mb/s", mbps)
}

func formatBytes(b uint64) string {
	if b == 0 {
		return "0 B"
	}
	return humanizeSize(b)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	return d.Truncate(100 * time.Millisecond).String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}
