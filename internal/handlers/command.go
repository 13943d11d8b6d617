package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
)

const (
	EnvTaskID     = "CONVEYOR_TASK_ID"
	EnvQueue      = "CONVEYOR_QUEUE"
	EnvTask       = "CONVEYOR_TASK"
	EnvRetryCount = "CONVEYOR_RETRY_COUNT"

	// outputTail bounds how much command output is kept for the error message.
	outputTail = 2048
	// waitDelay is how long a killed command may hold its pipes open.
	waitDelay = 5 * time.Second
)

// Command runs hc.Command with the payload on stdin. A non-zero exit is a
// handler error carrying the tail of the combined output. The process is
// killed when ctx ends.
func Command(name string, hc model.HandlerConfig, logger *logging.Logger) pool.Handler {
	logger = logger.With("handler[" + name + "]")
	argv := append([]string(nil), hc.Command...)
	return func(ctx context.Context, env *model.TaskEnvelope) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = hc.Dir
		cmd.Stdin = bytes.NewReader(env.Payload)
		cmd.Env = commandEnv(hc.Env, env)
		cmd.WaitDelay = waitDelay

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		err := cmd.Run()
		logger.Debug("command_done id=%s argv=%q duration=%s err=%v", env.ID, argv, time.Since(start), err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tail := lastBytes(out.Bytes(), outputTail); tail != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
}

func commandEnv(extra map[string]string, env *model.TaskEnvelope) []string {
	vars := os.Environ()
	for k, v := range extra {
		vars = append(vars, k+"="+v)
	}
	return append(vars,
		EnvTaskID+"="+env.ID,
		EnvQueue+"="+env.Queue,
		EnvTask+"="+env.Task,
		EnvRetryCount+"="+strconv.Itoa(env.RetryCount),
	)
}

func lastBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
