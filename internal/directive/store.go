// Package directive provides the durable YAML-backed store of directives.
//
// Each directive is kept in its own document (<id>.yaml) so that saving
// one directive can never disturb another directive's serialized bytes.
package directive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"promptpilot/internal/models"
)

// Store reads and writes directive documents under a single directory.
type Store struct {
	dir string
}

// NewStore creates the directives directory if needed and returns a store
// over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directives directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".yaml")
}

// sanitizeID keeps directive ids safe to use as file names.
func sanitizeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return r.Replace(id)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EditStatus      models.EditStatus
	ExecutionStatus models.ExecutionStatus
	AgentID         string
	ExecutableOnly  bool
}

func (f Filter) matches(d *models.Directive) bool {
	if f.EditStatus != "" && d.EditStatus != f.EditStatus {
		return false
	}
	if f.ExecutionStatus != "" && d.ExecutionStatus != f.ExecutionStatus {
		return false
	}
	if f.AgentID != "" && d.AgentID != f.AgentID {
		return false
	}
	if f.ExecutableOnly && !d.Executable() {
		return false
	}
	return true
}

// List loads every directive document, normalized, sorted by id. Documents
// that fail to parse are skipped rather than failing the whole listing.
func (s *Store) List(f Filter) ([]*models.Directive, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read directives directory: %w", err)
	}

	var out []*models.Directive
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		d, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		if f.matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads one directive by id.
func (s *Store) Get(id string) (*models.Directive, error) {
	d, err := s.load(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directive %s not found", id)
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) load(path string) (*models.Directive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d models.Directive
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	normalize(&d)
	if d.ID == "" {
		return nil, fmt.Errorf("%s: directive has no id", filepath.Base(path))
	}
	return &d, nil
}

// Save writes one directive atomically: the document is written to a temp
// file in the same directory and renamed over the target, so a crash
// leaves either the old or the new record, and no other directive's file
// is ever touched.
func (s *Store) Save(d *models.Directive) error {
	if d.ID == "" {
		return fmt.Errorf("directive has no id")
	}
	normalize(d)

	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal directive %s: %w", d.ID, err)
	}

	target := s.path(d.ID)
	tmp, err := os.CreateTemp(s.dir, "."+sanitizeID(d.ID)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write directive %s: %w", d.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace directive %s: %w", d.ID, err)
	}
	return nil
}

// normalize coerces loose or legacy documents into the strict shape the
// engine expects. Migration is a store concern; the engine only ever sees
// valid statuses.
func normalize(d *models.Directive) {
	switch d.Scope {
	case models.ScopeSingle, models.ScopePerUnit:
	case "per_unit", "perunit":
		d.Scope = models.ScopePerUnit
	default:
		d.Scope = models.ScopeSingle
	}
	if !d.EditStatus.Valid() {
		d.EditStatus = models.EditDraft
	}
	if !d.ExecutionStatus.Valid() {
		// Legacy documents used a coarse progress string here.
		switch strings.ToLower(string(d.ExecutionStatus)) {
		case "in_progress":
			d.ExecutionStatus = models.ExecRunning
		case "completed":
			d.ExecutionStatus = models.ExecDone
		case "partial":
			d.ExecutionStatus = models.ExecFailed
		default:
			d.ExecutionStatus = models.ExecPending
		}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	for i := range d.Results {
		switch d.Results[i].Status {
		case models.AttemptPending, models.AttemptRunning,
			models.AttemptCompleted, models.AttemptFailed:
		default:
			d.Results[i].Status = models.AttemptPending
		}
		if len(d.Results[i].Output) > models.OutputPreviewLimit {
			d.Results[i].Output = d.Results[i].Output[:models.OutputPreviewLimit]
		}
	}
}

// RawBytes returns the serialized record for a directive id as stored on
// disk. Used by isolation checks and diagnostics, never by the engine.
func (s *Store) RawBytes(id string) ([]byte, error) {
	return os.ReadFile(s.path(id))
}
