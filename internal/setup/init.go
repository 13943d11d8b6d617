// Package setup creates the .conveyor directory of a project.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conveyor/internal/model"
	atomicyaml "github.com/msageha/conveyor/internal/yaml"
	"github.com/msageha/conveyor/templates"
)

// Run initializes .conveyor/ in projectDir. label, if set, replaces the
// template's worker.label.
func Run(projectDir, label string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	base := model.ConfDir(absDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	content, err := generateConfig(label)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	dirs := []string{model.LogsDir, model.LocksDir, model.StateDir, model.QuarantineDir, "spool"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, model.ConfigFileName), content); err != nil {
		return fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}
	return nil
}

// generateConfig returns the template with label filled in. The template is
// edited as a node tree so its comments survive.
func generateConfig(label string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, model.ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	if label = strings.TrimSpace(label); label != "" {
		var doc yamlv3.Node
		if err := yamlv3.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config template: %w", err)
		}
		if !setScalar(&doc, label, "worker", "label") {
			return nil, fmt.Errorf("config template has no worker.label")
		}
		var buf bytes.Buffer
		enc := yamlv3.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return nil, fmt.Errorf("encode config: %w", err)
		}
		_ = enc.Close()
		data = buf.Bytes()
	}

	// The generated file must load cleanly.
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse generated config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}

// setScalar walks mapping keys from the document root and sets the value
// found at the end of path.
func setScalar(n *yamlv3.Node, value string, path ...string) bool {
	if n.Kind == yamlv3.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for i, key := range path {
		if n.Kind != yamlv3.MappingNode {
			return false
		}
		var next *yamlv3.Node
		for j := 0; j+1 < len(n.Content); j += 2 {
			if n.Content[j].Value == key {
				next = n.Content[j+1]
				break
			}
		}
		if next == nil {
			return false
		}
		if i == len(path)-1 {
			next.Kind = yamlv3.ScalarNode
			next.Tag = "!!str"
			next.Value = value
			return true
		}
		n = next
	}
	return false
}
