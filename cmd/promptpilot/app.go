package main

import (
	"fmt"
	"log"

	"promptpilot/internal/agent"
	"promptpilot/internal/audit"
	"promptpilot/internal/config"
	"promptpilot/internal/directive"
	"promptpilot/internal/logging"
	"promptpilot/internal/state"
)

// app bundles the stores every command needs.
type app struct {
	settings   *config.Settings
	directives *directive.Store
	state      *state.Store
	recorder   *audit.Recorder
	agents     *agent.Registry
	logger     *logging.Logger
}

// openApp resolves settings and opens every store. Callers must Close.
func openApp() (*app, error) {
	settings, err := config.Resolve()
	if err != nil {
		return nil, err
	}

	ds, err := directive.NewStore(settings.DirectivesDir)
	if err != nil {
		return nil, err
	}
	ss, err := state.New(settings.StateDB)
	if err != nil {
		return nil, err
	}
	rec, err := audit.NewRecorder(settings.AuditDB)
	if err != nil {
		ss.Close()
		return nil, err
	}
	reg, err := agent.LoadRegistry(settings.AgentsFile)
	if err != nil {
		ss.Close()
		rec.Close()
		return nil, fmt.Errorf("load agents: %w", err)
	}

	logger, err := logging.New(settings.LogDir)
	if err != nil {
		// A missing log file should not block a session.
		log.Printf("open session log: %v", err)
	}

	return &app{
		settings:   settings,
		directives: ds,
		state:      ss,
		recorder:   rec,
		agents:     reg,
		logger:     logger,
	}, nil
}

func (a *app) Close() {
	a.state.Close()
	a.recorder.Close()
	a.logger.Close()
}
