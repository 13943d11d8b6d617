// Package status reports on a worker, live over the control socket or from
// its last metrics snapshot.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/uds"
	yamlutil "github.com/msageha/conveyor/internal/yaml"
)

const (
	SourceLive     = "live"
	SourceSnapshot = "snapshot"
	SourceNone     = "none"
)

type WorkerStatus struct {
	Running bool           `json:"running"`
	Source  string         `json:"source"`
	Metrics *model.Metrics `json:"metrics,omitempty"`
}

// Run prints the worker status for confDir to w.
func Run(confDir string, jsonOutput bool, w io.Writer) error {
	st := Collect(confDir, 2*time.Second)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	Print(w, st)
	return nil
}

// Collect asks the running worker for stats and falls back to the snapshot
// file when none answers.
func Collect(confDir string, timeout time.Duration) WorkerStatus {
	client := uds.NewClient(filepath.Join(confDir, uds.DefaultSocketName))
	client.SetTimeout(timeout)
	var m model.Metrics
	if err := client.Call(uds.CommandStats, nil, &m); err == nil {
		return WorkerStatus{Running: true, Source: SourceLive, Metrics: &m}
	}

	m, err := ReadMetrics(filepath.Join(confDir, model.MetricsFile))
	if err != nil {
		return WorkerStatus{Source: SourceNone}
	}
	return WorkerStatus{Source: SourceSnapshot, Metrics: &m}
}

// ReadMetrics loads the last snapshot written by a worker.
func ReadMetrics(path string) (model.Metrics, error) {
	var m model.Metrics
	if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeStateMetrics); err != nil {
		return m, err
	}
	if err := yamlutil.ReadFile(path, &m); err != nil {
		return m, err
	}
	return m, nil
}

func Print(w io.Writer, s WorkerStatus) {
	switch {
	case s.Running:
		fmt.Fprintln(w, "Worker: running")
	case s.Metrics != nil:
		fmt.Fprintf(w, "Worker: not reachable (last snapshot %s)\n", s.Metrics.Heartbeat)
	default:
		fmt.Fprintln(w, "Worker: stopped (no snapshot)")
		return
	}

	m := s.Metrics
	fmt.Fprintf(w, "  identity=%s  pid=%d  broker=%s  started=%s\n", m.Identity, m.PID, m.Broker, m.StartedAt)
	fmt.Fprintf(w, "  pool=%d/%d in flight  reconnects=%d\n", m.Pool.InFlight, m.Pool.Capacity, m.Reconnects)

	c := m.Counters
	fmt.Fprintln(w, "\nCounters:")
	fmt.Fprintf(w, "  dispatched=%d succeeded=%d failed=%d timed_out=%d\n", c.Dispatched, c.Succeeded, c.Failed, c.TimedOut)
	fmt.Fprintf(w, "  retried=%d dead_lettered=%d released=%d duplicate_acks=%d malformed=%d\n",
		c.Retried, c.DeadLettered, c.Released, c.DuplicateAcks, c.Malformed)

	if len(m.Queues) == 0 {
		fmt.Fprintln(w, "\nQueues: none")
		return
	}
	fmt.Fprintln(w, "\nQueues:")
	fmt.Fprintf(w, "  %-20s  %-11s  %9s  %7s  %5s  %4s\n", "QUEUE", "STATE", "IN_FLIGHT", "PENDING", "READY", "DEAD")
	for _, q := range m.Queues {
		fmt.Fprintf(w, "  %-20s  %-11s  %9d  %7d  %5s  %4s\n",
			q.Queue, q.State, q.InFlight, q.Pending, count(q.Ready), count(q.Dead))
	}
}

// count renders -1 (unknown) as "-".
func count(n int) string {
	if n < 0 {
		return "-"
	}
	return strconv.Itoa(n)
}
