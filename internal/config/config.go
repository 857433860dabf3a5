// Package config resolves promptpilot settings from flags, environment
// variables, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Settings holds every path and knob the commands need.
type Settings struct {
	// ProjectRoot is the directory scanned for units.
	ProjectRoot string
	// DirectivesDir holds the per-directive YAML documents.
	DirectivesDir string
	// AgentsFile is the agent profile document.
	AgentsFile string
	// StateDB is the execution-state database path.
	StateDB string
	// AuditDB is the audit-trail database path.
	AuditDB string
	// LogDir receives the session log files.
	LogDir string
}

// Resolve builds settings from viper's current state, filling defaults
// under <project-root>/.promptpilot.
func Resolve() (*Settings, error) {
	root := viper.GetString("project-root")
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = cwd
	}

	home := viper.GetString("data-dir")
	if home == "" {
		home = filepath.Join(root, ".promptpilot")
	}

	s := &Settings{
		ProjectRoot:   root,
		DirectivesDir: viper.GetString("directives-dir"),
		AgentsFile:    viper.GetString("agents-file"),
		StateDB:       viper.GetString("state-db"),
		AuditDB:       viper.GetString("audit-db"),
		LogDir:        viper.GetString("log-dir"),
	}
	if s.DirectivesDir == "" {
		s.DirectivesDir = filepath.Join(home, "directives")
	}
	if s.AgentsFile == "" {
		s.AgentsFile = filepath.Join(home, "agents.yaml")
	}
	if s.StateDB == "" {
		s.StateDB = filepath.Join(home, "state.db")
	}
	if s.AuditDB == "" {
		s.AuditDB = filepath.Join(home, "audit.db")
	}
	if s.LogDir == "" {
		s.LogDir = filepath.Join(home, "logs")
	}
	return s, nil
}
