package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into <baseDir>/quarantine and returns the
// new location.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000000000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// QuarantineBytes stores raw content that never made it to disk as a file,
// e.g. an undecodable envelope read from a queue.
func QuarantineBytes(baseDir, name string, content []byte) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", name, time.Now().Format("20060102T150405.000000000")))
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return "", fmt.Errorf("write quarantine file: %w", err)
	}
	return dst, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath and restores its .bak when one
// parses. restored is false when the caller must start from an empty file.
func RecoverCorruptedFile(baseDir, filePath string) (restored bool, quarantined string, err error) {
	quarantined, err = Quarantine(baseDir, filePath)
	if err != nil {
		return false, "", fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return false, quarantined, nil
	}
	return true, quarantined, nil
}
