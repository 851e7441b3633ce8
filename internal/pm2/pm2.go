// Package pm2 reads the state the pm2 process supervisor exposes through
// `pm2 jlist` and its dump file.
package pm2

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

const StatusOnline = "online"

// Process is one entry of `pm2 jlist`.
type Process struct {
	Name  string `json:"name"`
	PMID  int    `json:"pm_id"`
	PID   int    `json:"pid"`
	Env   Env    `json:"pm2_env"`
	Monit Monit  `json:"monit"`
}

type Env struct {
	Status      string `json:"status"`
	ExecMode    string `json:"exec_mode"`
	Instances   any    `json:"instances"`
	RestartTime int    `json:"restart_time"`
	PMCwd       string `json:"pm_cwd"`
}

type Monit struct {
	Memory uint64  `json:"memory"`
	CPU    float64 `json:"cpu"`
}

// ParseJList decodes the output of `pm2 jlist`. pm2 may print "[PM2] ..."
// notices before the array.
func ParseJList(out []byte) ([]Process, error) {
	start := listStart(out)
	if start < 0 {
		return nil, errors.New("pm2 jlist: no process list in output")
	}

	// stderr notices may follow the list
	var procs []Process
	if err := json.NewDecoder(bytes.NewReader(out[start:])).Decode(&procs); err != nil {
		return nil, fmt.Errorf("pm2 jlist: %w", err)
	}
	return procs, nil
}

// listStart finds the '[' opening the JSON array: the first one at the start
// of a line whose next non-blank byte opens an object or closes the array.
func listStart(out []byte) int {
	for i, b := range out {
		if b != '[' || (i > 0 && out[i-1] != '\n') {
			continue
		}
		rest := bytes.TrimLeft(out[i+1:], " \t\r\n")
		if len(rest) == 0 || rest[0] == '{' || rest[0] == ']' {
			return i
		}
	}
	return -1
}

// Named returns the processes called name (one per cluster instance).
func Named(procs []Process, name string) []Process {
	var out []Process
	for _, p := range procs {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Online reports whether any instance of name is online.
func Online(procs []Process, name string) bool {
	for _, p := range Named(procs, name) {
		if p.Env.Status == StatusOnline {
			return true
		}
	}
	return false
}

// MaxMemory is the largest resident size across the instances of name.
func MaxMemory(procs []Process, name string) (uint64, bool) {
	var largest uint64
	found := false
	for _, p := range Named(procs, name) {
		found = true
		largest = max(largest, p.Monit.Memory)
	}
	return largest, found
}

// DumpPath is where `pm2 save` writes for the given PM2_HOME.
func DumpPath(pm2Home string) string {
	return filepath.Join(pm2Home, "dump.pm2")
}

// DumpLists reports whether the saved process list at path contains name.
// A missing dump file lists nothing.
func DumpLists(path, name string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return false, fmt.Errorf("failed to parse pm2 dump %s: %w", path, err)
	}
	for _, e := range entries {
		if e.Name == name {
			return true, nil
		}
	}
	return false, nil
}
