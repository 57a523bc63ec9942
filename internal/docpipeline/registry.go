package docpipeline

import (
	"fmt"
	"sync"
)

// StageNames is the closed, ordered set of the 15 pipeline stages. Order matters: it is the
// tie-break the orchestrator uses among stages at identical DAG depth (spec §4.9).
var StageNames = []string{
	"upload",
	"text_extraction",
	"table_extraction",
	"svg_processing",
	"image_processing",
	"link_extraction",
	"chunk_prep",
	"classification",
	"metadata_extraction",
	"parts_extraction",
	"series_detection",
	"visual_embedding",
	"embedding",
	"storage",
	"search_indexing",
}

// ErrUnknownStage is returned by Registry.Get for a name outside the closed set, classified
// permanent per spec §4.11.
type ErrUnknownStage struct {
	Name string
}

func (e *ErrUnknownStage) Error() string {
	return fmt.Sprintf("docpipeline: unknown_stage %q", e.Name)
}

// Registry binds stage names to their implementations, mirroring teacher's jobs/runtime
// Registry (sync.RWMutex-guarded map, reject nil/duplicate registration).
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage, len(StageNames))}
}

// Register binds a Stage implementation to its declared Name(). Rejects nil stages, empty
// names, names outside the closed set, and duplicate registration.
func (r *Registry) Register(stage Stage) error {
	if stage == nil {
		return fmt.Errorf("docpipeline: nil stage")
	}
	name := stage.Name()
	if name == "" {
		return fmt.Errorf("docpipeline: stage has empty name")
	}
	if !isKnownStage(name) {
		return &ErrUnknownStage{Name: name}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stages[name]; exists {
		return fmt.Errorf("docpipeline: stage %q already registered", name)
	}
	r.stages[name] = stage
	return nil
}

// Get looks up a stage by name. ok=false (for a name outside the closed set, or not yet
// registered) must be treated by callers as the unknown_stage permanent failure.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// MissingStages returns any of the 15 closed-set names with no registered implementation, used
// by Orchestrator.Run to fail fast before dispatching rather than discover gaps mid-run.
func (r *Registry) MissingStages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, name := range StageNames {
		if _, ok := r.stages[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func isKnownStage(name string) bool {
	for _, n := range StageNames {
		if n == name {
			return true
		}
	}
	return false
}
