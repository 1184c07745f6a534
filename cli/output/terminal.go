package output

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jgoldverg/tftpd/pkg/static"
	"github.com/jgoldverg/tftpd/pkg/tftpserver"
	"github.com/pterm/pterm"
)

func humanizeSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// PrintRouteTable renders routes in match order with the number and total
// size of regular files directly under each root.
func PrintRouteTable(routes []static.RouteSpec) error {
	tableData := [][]string{
		{"#", "Route", "Cache TTL", "Files", "Size"},
	}

	for i, rs := range routes {
		ttl := rs.CacheTTL
		if ttl == "" {
			ttl = "default"
		}
		files, size := "missing", "--"
		if n, total, err := scanRoot(rs.Root); err == nil {
			files = strconv.Itoa(n)
			size = humanizeSize(total)
		}
		tableData = append(tableData, []string{strconv.Itoa(i), rs.String(), ttl, files, size})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
}

// PrintSessionTable renders the sessions currently held by a server.
func PrintSessionTable(sessions []tftpserver.SessionInfo) error {
	return pterm.DefaultTable.WithHasHeader().WithData(sessionRows(sessions, 0)).Render()
}

// sessionRows builds a session table; limit > 0 keeps the first limit
// sessions and adds a row counting the rest.
func sessionRows(sessions []tftpserver.SessionInfo, limit int) pterm.TableData {
	rows := pterm.TableData{{"Peer", "File", "State", "Block", "Age"}}
	for i, s := range sessions {
		if limit > 0 && i == limit {
			rows = append(rows, []string{fmt.Sprintf("+%d more", len(sessions)-limit), "", "", "", ""})
			break
		}
		rows = append(rows, []string{
			s.Remote,
			s.Filename,
			string(s.State),
			strconv.Itoa(s.Block),
			time.Since(s.Started).Truncate(time.Millisecond).String(),
		})
	}
	return rows
}

func scanRoot(root string) (int, uint64, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, 0, err
	}
	var n int
	var total uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		n++
		total += uint64(info.Size())
	}
	return n, total, nil
}
