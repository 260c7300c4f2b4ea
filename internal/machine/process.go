package machine

import (
	"encoding/json"
	"fmt"
	"os"
)

// Process is one row of the emulated process table.
type Process struct {
	User    string  `json:"USER"`
	TTY     string  `json:"TTY"`
	Stat    string  `json:"STAT"`
	Start   string  `json:"START"`
	Time    string  `json:"TIME"`
	Command string  `json:"COMMAND"`
	CPU     float64 `json:"CPU"`
	Mem     float64 `json:"MEM"`
	PID     int     `json:"PID"`
	VSZ     int     `json:"VSZ"`
	RSS     int     `json:"RSS"`
}

// LoadProcesses reads a process table in the {"command":{"ps":[...]}} layout.
func LoadProcesses(path string) ([]Process, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process table: %w", err)
	}
	var doc struct {
		Command struct {
			PS []Process `json:"ps"`
		} `json:"command"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse process table %s: %w", path, err)
	}
	if len(doc.Command.PS) == 0 {
		return nil, fmt.Errorf("process table %s: no processes", path)
	}
	return doc.Command.PS, nil
}

// DefaultProcesses returns a plausible idle Debian server.
func DefaultProcesses() []Process {
	return []Process{
		{User: "root", PID: 1, CPU: 0.0, Mem: 0.1, VSZ: 2148, RSS: 728, TTY: "?", Stat: "Ss", Start: "Mar12", Time: "0:01", Command: "init [2]"},
		{User: "root", PID: 2, VSZ: 0, RSS: 0, TTY: "?", Stat: "S", Start: "Mar12", Time: "0:00", Command: "[kthreadd]"},
		{User: "root", PID: 3, VSZ: 0, RSS: 0, TTY: "?", Stat: "S", Start: "Mar12", Time: "0:04", Command: "[ksoftirqd/0]"},
		{User: "root", PID: 1547, Mem: 0.1, VSZ: 27476, RSS: 1672, TTY: "?", Stat: "Sl", Start: "Mar12", Time: "0:18", Command: "/usr/sbin/rsyslogd -c5"},
		{User: "root", PID: 1583, Mem: 0.1, VSZ: 3968, RSS: 1264, TTY: "?", Stat: "Ss", Start: "Mar12", Time: "0:00", Command: "/usr/sbin/cron"},
		{User: "root", PID: 1612, Mem: 0.1, VSZ: 6476, RSS: 1004, TTY: "?", Stat: "Ss", Start: "Mar12", Time: "0:03", Command: "/usr/sbin/sshd"},
		{User: "www-data", PID: 2031, Mem: 0.5, VSZ: 168440, RSS: 5352, TTY: "?", Stat: "S", Start: "Mar12", Time: "0:11", Command: "/usr/sbin/apache2 -k start"},
		{User: "root", PID: 2142, VSZ: 1940, RSS: 476, TTY: "tty1", Stat: "Ss+", Start: "Mar12", Time: "0:00", Command: "/sbin/getty 38400 tty1"},
	}
}
