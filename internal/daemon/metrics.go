package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/model"
	yamlutil "github.com/msageha/conveyor/internal/yaml"
)

const depthTimeout = 2 * time.Second

// Snapshot reports pool, counters and per-queue state. Queue depths are
// filled in when the broker supports inspection.
func (d *Daemon) Snapshot(ctx context.Context) model.Metrics {
	m := model.Metrics{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeStateMetrics,
		Identity:      d.identity.String(),
		PID:           os.Getpid(),
		Broker:        d.config.Broker.Type,
		Heartbeat:     time.Now().UTC().Format(time.RFC3339),
		StartedAt:     d.startedAt.Format(time.RFC3339),
	}
	if d.pool != nil {
		m.Pool = model.PoolMetrics{Capacity: d.pool.Capacity(), InFlight: d.pool.InFlight()}
	}
	if d.manager != nil {
		m.Counters = d.manager.Counters()
	}
	if d.recon != nil {
		outages, _ := d.recon.Stats()
		m.Reconnects = outages
	}

	insp, _ := d.broker.(broker.Inspector)
	for _, disp := range d.dispatchers {
		q := disp.Snapshot()
		if insp != nil {
			dctx, cancel := context.WithTimeout(ctx, depthTimeout)
			if depth, err := insp.Depth(dctx, q.Queue); err == nil {
				q.Ready, q.Dead = depth.Ready, depth.Dead
			}
			cancel()
		}
		m.Queues = append(m.Queues, q)
	}
	return m
}

func (d *Daemon) metricsPath() string {
	return filepath.Join(d.confDir, model.MetricsFile)
}

func (d *Daemon) writeMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := WriteMetrics(d.metricsPath(), d.Snapshot(ctx)); err != nil {
		d.logger.With("metrics").Warn("write metrics: %v", err)
	}
}

func (d *Daemon) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.Worker.MetricsInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeMetrics()
		}
	}
}

// WriteMetrics atomically replaces the snapshot file at path.
func WriteMetrics(path string, m model.Metrics) error {
	return yamlutil.AtomicWrite(path, m)
}
