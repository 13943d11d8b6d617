package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/uds"
	yamlutil "github.com/msageha/conveyor/internal/yaml"
)

func sampleMetrics() model.Metrics {
	return model.Metrics{
		SchemaVersion: 1,
		FileType:      yamlutil.FileTypeStateMetrics,
		Identity:      "conveyor@node1",
		PID:           4242,
		Broker:        model.BrokerSpool,
		Pool:          model.PoolMetrics{Capacity: 4, InFlight: 1},
		Counters:      model.MetricsCounters{Dispatched: 5, Succeeded: 3, Retried: 1},
		Queues: []model.QueueMetrics{
			{Queue: "broadcast", State: "polling", Ready: 0, Dead: 0},
			{Queue: "moduleA", State: "dispatching", InFlight: 1, Ready: -1, Dead: -1},
		},
		Heartbeat: "2026-01-02T03:04:05Z",
	}
}

func shortConfDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cv-st-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestCollect_NothingThere(t *testing.T) {
	st := Collect(shortConfDir(t), 100*time.Millisecond)
	if st.Running || st.Source != SourceNone || st.Metrics != nil {
		t.Errorf("unexpected status %+v", st)
	}

	var buf bytes.Buffer
	Print(&buf, st)
	if !strings.Contains(buf.String(), "stopped") {
		t.Errorf("output: %q", buf.String())
	}
}

func TestCollect_FallsBackToSnapshot(t *testing.T) {
	confDir := shortConfDir(t)
	if err := yamlutil.AtomicWrite(filepath.Join(confDir, model.MetricsFile), sampleMetrics()); err != nil {
		t.Fatal(err)
	}

	st := Collect(confDir, 100*time.Millisecond)
	if st.Running || st.Source != SourceSnapshot {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Metrics.Counters.Succeeded != 3 {
		t.Errorf("succeeded = %d", st.Metrics.Counters.Succeeded)
	}

	var buf bytes.Buffer
	Print(&buf, st)
	out := buf.String()
	for _, want := range []string{"not reachable", "conveyor@node1", "pool=1/4", "succeeded=3", "moduleA", "dispatching"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCollect_Live(t *testing.T) {
	confDir := shortConfDir(t)
	server := uds.NewServer(filepath.Join(confDir, uds.DefaultSocketName), nil)
	server.Handle(uds.CommandStats, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(sampleMetrics())
	})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	var buf bytes.Buffer
	if err := Run(confDir, true, &buf); err != nil {
		t.Fatal(err)
	}
	var st WorkerStatus
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if !st.Running || st.Source != SourceLive || st.Metrics.PID != 4242 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestReadMetrics_RejectsWrongFileType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: spool_queue\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMetrics(path); err == nil {
		t.Error("expected file_type mismatch error")
	}
}

func TestCount(t *testing.T) {
	if count(-1) != "-" || count(0) != "0" || count(12) != "12" {
		t.Error("unexpected count rendering")
	}
}
