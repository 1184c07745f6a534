package output

import (
	"testing"
	"time"

	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/tftpserver"
)

func rowLabels(rows [][]string) []string {
	labels := make([]string, 0, len(rows))
	for _, r := range rows[1:] {
		labels = append(labels, r[0])
	}
	return labels
}

func hasLabel(rows [][]string, label string) bool {
	for _, l := range rowLabels(rows) {
		if l == label {
			return true
		}
	}
	return false
}

func TestSummaryRowsServerSide(t *testing.T) {
	c := metrics.NewSessionCollector("board_server")
	c.ObserveSessionStart()
	c.ObserveSend(512, false)
	c.ObserveSend(512, true)

	rows := summaryRows(c.Snapshot())
	for _, label := range []string{"Sessions", "Sent", "Retransmitted", "Error packets", "Throughput"} {
		if !hasLabel(rows, label) {
			t.Fatalf("missing %q row in %v", label, rowLabels(rows))
		}
	}
	if hasLabel(rows, "Received") {
		t.Fatalf("server board should not show received bytes: %v", rowLabels(rows))
	}
}

func TestSummaryRowsFetchSide(t *testing.T) {
	c := metrics.NewSessionCollector("board_fetch")
	c.ObserveBytesReceived(1000)

	rows := summaryRows(c.Snapshot())
	if !hasLabel(rows, "Received") {
		t.Fatalf("missing received row in %v", rowLabels(rows))
	}
	for _, label := range []string{"Sessions", "Sent", "Retransmitted"} {
		if hasLabel(rows, label) {
			t.Fatalf("fetch board shows server row %q", label)
		}
	}
}

func TestOutcomeRowsSorted(t *testing.T) {
	rows := outcomeRows(map[string]uint64{"failed": 2, "completed": 7, "aborted": 1})
	labels := rowLabels(rows)
	want := []string{"aborted", "completed", "failed"}
	if len(labels) != len(want) {
		t.Fatalf("unexpected rows %v", labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("unexpected order %v", labels)
		}
	}
	if rows[2][1] != "7" {
		t.Fatalf("unexpected completed count %q", rows[2][1])
	}
}

func TestSessionRowsLimit(t *testing.T) {
	sessions := make([]tftpserver.SessionInfo, 4)
	for i := range sessions {
		sessions[i] = tftpserver.SessionInfo{Remote: "10.0.0.1:1000", Filename: "f", Started: time.Now()}
	}
	rows := sessionRows(sessions, 2)
	if len(rows) != 4 {
		t.Fatalf("expected header, 2 sessions and a remainder row, got %d rows", len(rows))
	}
	if rows[3][0] != "+2 more" {
		t.Fatalf("unexpected remainder row %v", rows[3])
	}
	if n := len(sessionRows(sessions, 0)); n != 5 {
		t.Fatalf("unlimited table has %d rows", n)
	}
}

func TestStopWithoutStart(t *testing.T) {
	d := NewMetricsDisplay("", metrics.NewSessionCollector("board_idle"))
	d.Stop()
	d.Stop()
}
