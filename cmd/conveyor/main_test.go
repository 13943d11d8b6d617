package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/setup"
)

// projectDir creates an initialized project under /tmp so the control
// socket path stays short.
func projectDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cv-cmd-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	require.NoError(t, setup.Run(dir, "cli"))
	return dir
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, model.ConfDirName, model.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testCommand(dir string, env map[string]string) (workerCommand, *bytes.Buffer) {
	var stderr bytes.Buffer
	return workerCommand{
		dir:       dir,
		getenv:    func(k string) string { return env[k] },
		stderr:    &stderr,
		logWriter: io.Discard,
	}, &stderr
}

func TestWorker_StartupFailuresExitOne(t *testing.T) {
	tests := []struct {
		name   string
		prep   func(t *testing.T) string
		env    map[string]string
		args   []string
		stderr string
	}{
		{
			name:   "not a project root",
			prep:   func(t *testing.T) string { return t.TempDir() },
			stderr: "invalid working directory",
		},
		{
			name: "malformed config",
			prep: func(t *testing.T) string {
				dir := projectDir(t)
				writeConfig(t, dir, "broker:\n  type: kafka\n")
				return dir
			},
			stderr: "broker.type",
		},
		{
			name: "broker unreachable",
			prep: func(t *testing.T) string {
				dir := projectDir(t)
				writeConfig(t, dir, "broker:\n  type: redis\n  redis:\n    addr: 127.0.0.1:1\n")
				return dir
			},
			stderr: "broker unreachable",
		},
		{
			name:   "module unusable as queue name",
			prep:   projectDir,
			env:    map[string]string{model.ModulesEnvVar: "ai/train"},
			stderr: "invalid queue name",
		},
		{
			name:   "unknown flag",
			prep:   projectDir,
			args:   []string{"--verbose"},
			stderr: "unknown flag",
		},
		{
			name:   "bad concurrency",
			prep:   projectDir,
			args:   []string{"-c", "0"},
			stderr: "positive integer",
		},
		{
			name:   "flag without value",
			prep:   projectDir,
			args:   []string{"--identity"},
			stderr: "requires a value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, stderr := testCommand(tt.prep(t), tt.env)
			code := cmd.run(context.Background(), tt.args)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr.String(), tt.stderr)
		})
	}
}

func TestWorker_GracefulShutdownExitsZero(t *testing.T) {
	dir := projectDir(t)
	confDir := filepath.Join(dir, model.ConfDirName)
	spool, err := broker.NewSpool(filepath.Join(confDir, "spool"), broker.Options{})
	require.NoError(t, err)
	defer spool.Close()
	require.NoError(t, spool.Enqueue(context.Background(), model.NewEnvelope("broadcast", "echo", []byte(`"hi"`)), 0))

	cmd, stderr := testCommand(dir, map[string]string{model.ModulesEnvVar: "trainer"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- cmd.run(ctx, []string{"--identity", "cli@test", "--concurrency", "2"}) }()

	require.Eventually(t, func() bool {
		d, err := spool.Depth(context.Background(), "broadcast")
		return err == nil && d == broker.Depth{}
	}, 10*time.Second, 50*time.Millisecond, "echo task should be acknowledged")

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code, "stderr: %s", stderr.String())
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not stop")
	}
}
