package model

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	ConfDirName    = ".conveyor"
	ConfigFileName = "config.yaml"
)

// Layout of the .conveyor directory, relative to it.
const (
	LogsDir       = "logs"
	LocksDir      = "locks"
	StateDir      = "state"
	QuarantineDir = "quarantine"
	WorkerLogFile = "logs/worker.log"
	AuditLogFile  = "logs/audit.jsonl"
	MetricsFile   = "state/metrics.yaml"
)

// ConfDir returns the .conveyor directory of projectDir.
func ConfDir(projectDir string) string {
	return filepath.Join(projectDir, ConfDirName)
}

// CheckWorkingDirectory verifies that dir holds .conveyor/config.yaml and
// returns the absolute .conveyor path.
func CheckWorkingDirectory(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &ConfigError{Err: fmt.Errorf("%w: %v", ErrInvalidWorkingDirectory, err)}
	}
	conf := ConfDir(abs)
	info, err := os.Stat(filepath.Join(conf, ConfigFileName))
	if err != nil || info.IsDir() {
		return "", &ConfigError{Err: fmt.Errorf("%w: %s has no %s/%s (run 'conveyor setup' first)",
			ErrInvalidWorkingDirectory, abs, ConfDirName, ConfigFileName)}
	}
	return conf, nil
}
