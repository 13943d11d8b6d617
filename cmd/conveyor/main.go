package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/daemon"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/router"
	"github.com/msageha/conveyor/internal/setup"
	"github.com/msageha/conveyor/internal/status"
	"github.com/msageha/conveyor/internal/uds"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "dead-letters":
		runDeadLetters(os.Args[2:])
	case "version":
		fmt.Printf("conveyor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runWorker(args []string) {
	os.Exit(workerCommand{
		dir:           ".",
		getenv:        os.Getenv,
		stderr:        os.Stderr,
		handleSignals: true,
	}.run(context.Background(), args))
}

// workerCommand is the worker subcommand with its process inputs made explicit.
type workerCommand struct {
	dir           string
	getenv        func(string) string
	stderr        io.Writer
	logWriter     io.Writer // nil: worker.log plus stderr
	handleSignals bool
}

// run returns the process exit code: 0 after a graceful shutdown, 1 when the
// worker cannot start.
func (c workerCommand) run(ctx context.Context, args []string) int {
	const usage = "usage: conveyor worker [--identity T] [--concurrency N]"
	var opts daemon.Options
	for i := 0; i < len(args); i++ {
		flag := args[i]
		switch flag {
		case "--identity", "-n", "--concurrency", "-c":
		default:
			fmt.Fprintf(c.stderr, "unknown flag: %s\n%s\n", flag, usage)
			return 1
		}
		if i+1 >= len(args) {
			fmt.Fprintf(c.stderr, "%s requires a value\n", flag)
			return 1
		}
		i++
		switch flag {
		case "--identity", "-n":
			opts.Identity = args[i]
		default:
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintln(c.stderr, "--concurrency must be a positive integer")
				return 1
			}
			opts.Concurrency = n
		}
	}

	confDir, cfg, err := loadProject(c.dir)
	if err != nil {
		fmt.Fprintf(c.stderr, "error: %v\n", err)
		return 1
	}
	opts.Modules = router.ParseModules(c.getenv(model.ModulesEnvVar))
	opts.HandleSignals = c.handleSignals
	opts.LogWriter = c.logWriter

	d, err := daemon.New(confDir, cfg, opts)
	if err != nil {
		fmt.Fprintf(c.stderr, "worker: %v\n", err)
		return 1
	}
	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(c.stderr, "worker: %v\n", err)
		return 1
	}
	return 0
}

func runSetup(args []string) {
	dir := "."
	var label string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--label":
			label = flagValue(args, &i)
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: conveyor setup [dir] [--label L]\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if err := setup.Run(dir, label); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", model.ConfDirName, absDir)
}

func runEnqueue(args []string) {
	const usage = "usage: conveyor enqueue <queue> <task> [--payload JSON] [--delay D]"
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	queue, task := args[0], args[1]
	var payload []byte
	var delay time.Duration
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--payload":
			payload = []byte(flagValue(rest, &i))
			if !json.Valid(payload) {
				fmt.Fprintln(os.Stderr, "--payload must be valid JSON")
				os.Exit(1)
			}
		case "--delay":
			d, err := time.ParseDuration(flagValue(rest, &i))
			if err != nil || d < 0 {
				fmt.Fprintln(os.Stderr, "--delay must be a non-negative duration such as 30s")
				os.Exit(1)
			}
			delay = d
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	b := mustOpenBroker()
	defer func() { _ = b.Close() }()

	env := model.NewEnvelope(queue, task, payload)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Enqueue(ctx, env, delay); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(env.ID)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: conveyor status [--json]\n", a)
			os.Exit(1)
		}
	}

	confDir, _ := mustProject()
	if err := status.Run(confDir, jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runStop(_ []string) {
	confDir, _ := mustProject()
	client := uds.NewClient(filepath.Join(confDir, uds.DefaultSocketName))
	var resp map[string]string
	if err := client.Call(uds.CommandShutdown, nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Worker is draining")
}

func runDeadLetters(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: conveyor dead-letters <queue>")
		os.Exit(1)
	}
	b := mustOpenBroker()
	defer func() { _ = b.Close() }()

	insp, ok := b.(broker.Inspector)
	if !ok {
		fmt.Fprintln(os.Stderr, "dead-letters: broker does not support inspection")
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	envs, err := insp.DeadLetters(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead-letters: %v\n", err)
		os.Exit(1)
	}
	for _, env := range envs {
		reason := ""
		if env.DeadLetter != nil {
			reason = env.DeadLetter.Reason
		}
		fmt.Printf("%s  task=%s  retries=%d  reason=%q  last_error=%q\n", env.ID, env.Task, env.RetryCount, reason, env.LastError)
	}
}

// loadProject checks that dir is a project root and loads its config.
func loadProject(dir string) (string, model.Config, error) {
	confDir, err := model.CheckWorkingDirectory(dir)
	if err != nil {
		return "", model.Config{}, err
	}
	cfg, err := model.LoadConfig(filepath.Join(confDir, model.ConfigFileName))
	if err != nil {
		return "", model.Config{}, fmt.Errorf("load config: %w", err)
	}
	return confDir, cfg, nil
}

// mustProject is loadProject for the working directory, exiting on failure.
func mustProject() (string, model.Config) {
	confDir, cfg, err := loadProject(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return confDir, cfg
}

func mustOpenBroker() broker.Backend {
	confDir, cfg := mustProject()
	if cfg.Broker.Type == model.BrokerMemory {
		fmt.Fprintln(os.Stderr, "error: the memory broker lives inside the worker process and cannot be reached from the CLI")
		os.Exit(1)
	}
	b, err := broker.Open(cfg.Broker, confDir, broker.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open broker: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			fmt.Fprintf(os.Stderr, "error: %s broker unreachable: %v\n", cfg.Broker.Type, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: broker ping: %v\n", err)
		}
		os.Exit(1)
	}
	return b
}

// flagValue returns the argument after args[*i] and advances *i.
func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conveyor %s: queue worker pool

Usage: conveyor <command> [options]

Worker:
  worker [--identity T] [--concurrency N]
                    Consume the configured queues until SIGINT/SIGTERM.
                    Module queues come from queues.modules and %s.
  status [--json]   Show the running worker, or its last snapshot
  stop              Ask the running worker to drain and exit

Project:
  setup [dir] [--label L]   Initialize %s/ (default: current directory)

Queues:
  enqueue <queue> <task> [--payload JSON] [--delay D]
                    Add a task; prints its id
  dead-letters <queue>      List dead-lettered tasks

Utilities:
  version           Show version
  help              Show this help

`, version, model.ModulesEnvVar, model.ConfDirName)
}
