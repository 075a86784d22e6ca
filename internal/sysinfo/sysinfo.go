// Package sysinfo defines the host inspection contract used by the
// scanners. Inspection is simulated: the default implementation serves
// a point-in-time snapshot loaded from a JSON file, so scans never
// touch live processes or sockets.
package sysinfo

import "context"

// StateEstablished is the connection status the scanners act on.
const StateEstablished = "ESTABLISHED"

// Process describes one running process at snapshot time.
type Process struct {
	PID         int      `json:"pid"`
	Name        string   `json:"name"`
	CommandLine string   `json:"command_line"`
	StartedAt   string   `json:"started_at"`
	RSSBytes    int64    `json:"rss_bytes"`
	CPUPercent  float64  `json:"cpu_percent"`
	OpenFiles   []string `json:"open_files,omitempty"`
}

// Connection describes one inet connection at snapshot time. The
// owning process name is resolved by the collector; connections whose
// process could not be identified carry an empty ProcessName.
type Connection struct {
	PID         int    `json:"pid"`
	ProcessName string `json:"process_name"`
	RemoteIP    string `json:"remote_ip"`
	RemotePort  int    `json:"remote_port"`
	Status      string `json:"status"`
}

// Established reports whether the connection is active.
func (c Connection) Established() bool {
	return c.Status == StateEstablished
}

// Inspector exposes the host surfaces the scanners read.
type Inspector interface {
	Processes(ctx context.Context) ([]Process, error)
	Connections(ctx context.Context) ([]Connection, error)
}
