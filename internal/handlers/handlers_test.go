package handlers

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
)

func envelope(task, payload string) *model.TaskEnvelope {
	env := model.NewEnvelope("moduleA", task, []byte(payload))
	env.RetryCount = 2
	return env
}

func TestMux_UnknownTask(t *testing.T) {
	m := NewMux()
	err := m.Handle(context.Background(), envelope("call_train", ""))
	assert.True(t, errors.Is(err, ErrNoHandler))
	assert.Contains(t, err.Error(), "call_train")
}

func TestMux_RoutesByTask(t *testing.T) {
	m := NewMux()
	var got string
	m.Register("call_train", func(ctx context.Context, env *model.TaskEnvelope) error {
		got = env.ID
		return nil
	})
	env := envelope("call_train", "")
	require.NoError(t, m.Handle(context.Background(), env))
	assert.Equal(t, env.ID, got)
}

func TestDefault_ConfiguredOverridesBuiltin(t *testing.T) {
	m := Default(map[string]model.HandlerConfig{
		"call_inference": {Command: []string{"true"}},
		"echo":           {Command: []string{"false"}},
	}, logging.Discard())
	assert.Equal(t, []string{"call_inference", "echo", "sleep"}, m.Names())
}

func TestEcho(t *testing.T) {
	assert.NoError(t, Echo(nil)(context.Background(), envelope("echo", `{"a":1}`)))
}

func TestSleep(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"empty", "", false},
		{"short", `{"duration":"5ms"}`, false},
		{"fail", `{"duration":"1ms","fail":true}`, true},
		{"bad json", `{`, true},
		{"bad duration", `{"duration":"soon"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Sleep(context.Background(), envelope("sleep", tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSleep_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Sleep(ctx, envelope("sleep", `{"duration":"1m"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommand_PassesPayloadAndEnv(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	h := Command("call_train", model.HandlerConfig{
		Command: []string{"sh", "-c", `cat > "$OUT"; echo "$CONVEYOR_TASK_ID $CONVEYOR_QUEUE $CONVEYOR_TASK $CONVEYOR_RETRY_COUNT $EXTRA" >> "$OUT"`},
		Env:     map[string]string{"OUT": out, "EXTRA": "x1"},
		Dir:     dir,
	}, logging.Discard())

	env := envelope("call_train", `{"round":3}`)
	require.NoError(t, h(context.Background(), env))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"round":3}`, lines[0])
	assert.Equal(t, env.ID+" moduleA call_train 2 x1", lines[1])
}

func TestCommand_NonZeroExitCarriesOutput(t *testing.T) {
	requireShell(t)
	h := Command("call_train", model.HandlerConfig{
		Command: []string{"sh", "-c", "echo out of memory >&2; exit 3"},
	}, nil)
	err := h(context.Background(), envelope("call_train", ""))
	require.Error(t, err)
	var exitErr *exec.ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Contains(t, err.Error(), "out of memory")
}

func TestCommand_KilledOnCancel(t *testing.T) {
	requireShell(t)
	h := Command("slow", model.HandlerConfig{Command: []string{"sh", "-c", "sleep 30"}}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h(ctx, envelope("slow", ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLastBytes(t *testing.T) {
	assert.Equal(t, "cdef", lastBytes([]byte("abcdef"), 4))
	assert.Equal(t, "ab", lastBytes([]byte(" ab \n"), 10))
}
