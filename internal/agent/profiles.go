// Package agent holds the configured agent profiles and builds concrete
// agent invocations from them.
package agent

import (
	"fmt"
	"os"
	"os/exec"

	"gopkg.in/yaml.v3"

	"promptpilot/internal/models"
)

// Registry is the set of agent profiles loaded from agents.yaml.
type Registry struct {
	profiles []models.AgentProfile
}

type profilesFile struct {
	Agents []models.AgentProfile `yaml:"agents"`
}

// LoadRegistry reads and validates the agent profiles document.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s defines no agents", path)
	}
	seen := map[string]bool{}
	for i, p := range f.Agents {
		if p.ID == "" {
			return nil, fmt.Errorf("agent #%d has no id", i+1)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate agent id %s", p.ID)
		}
		seen[p.ID] = true
		switch p.Family {
		case models.FamilyClaude, models.FamilyGemini:
		default:
			return nil, fmt.Errorf("agent %s: unsupported family %q", p.ID, p.Family)
		}
	}
	return &Registry{profiles: f.Agents}, nil
}

// NewRegistry wraps an in-memory profile list. Used by tests and by
// callers that assemble profiles without a file.
func NewRegistry(profiles []models.AgentProfile) *Registry {
	return &Registry{profiles: profiles}
}

// Profiles returns all configured profiles.
func (r *Registry) Profiles() []models.AgentProfile {
	return r.profiles
}

// Lookup returns the profile with the given id.
func (r *Registry) Lookup(id string) (models.AgentProfile, error) {
	for _, p := range r.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return models.AgentProfile{}, fmt.Errorf("no agent profile with id %s", id)
}

// Available reports whether the profile's command can be found on PATH.
func Available(p models.AgentProfile) bool {
	_, err := exec.LookPath(p.Command())
	return err == nil
}
