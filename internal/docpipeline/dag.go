package docpipeline

import "fmt"

// dependencyGraph is the static, fixed prerequisite graph over the 15 stages (spec §4.8). It
// is intentionally a package-level map of slices rather than a loaded/configurable structure:
// the spec's own non-goal rules out a general workflow engine, so the graph is compiled in,
// the same way teacher's DAGEngine takes a caller-supplied but still static []Stage per job
// type rather than a dynamically editable graph.
var dependencyGraph = map[string][]string{
	"upload":              {},
	"text_extraction":     {"upload"},
	"table_extraction":    {"upload"},
	"svg_processing":      {"upload"},
	"image_processing":    {"upload"},
	"link_extraction":     {"text_extraction"},
	"chunk_prep":          {"text_extraction"},
	"visual_embedding":    {"image_processing"},
	"classification":      {"chunk_prep"},
	"metadata_extraction": {"chunk_prep"},
	"parts_extraction":    {"classification"},
	"series_detection":    {"classification"},
	"embedding":           {"metadata_extraction", "visual_embedding"},
	"storage":             {"table_extraction", "svg_processing", "image_processing"},
	"search_indexing":     {"parts_extraction", "series_detection", "embedding", "storage"},
}

// Prerequisites returns the direct prerequisite stage names for stageName.
func Prerequisites(stageName string) []string {
	return dependencyGraph[stageName]
}

// TopologicalOrder computes a stable topological order over the closed stage set using Kahn's
// algorithm, breaking ties by StageNames declaration order (spec §4.9's "order declared in the
// Registry... fixed by a static tuple"). Grounded on teacher's DAGEngine.validateDAG, which
// runs the same algorithm for cycle detection before a job ever starts.
func TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(StageNames))
	dependents := make(map[string][]string, len(StageNames))
	for _, name := range StageNames {
		inDegree[name] = 0
	}
	for stage, prereqs := range dependencyGraph {
		for _, p := range prereqs {
			dependents[p] = append(dependents[p], stage)
			inDegree[stage]++
		}
	}

	var ready []string
	for _, name := range StageNames {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	var order []string
	for len(ready) > 0 {
		// Pop in declaration order (ready is built/refilled respecting StageNames order below).
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, name := range StageNames {
			for _, dep := range dependents[next] {
				if dep != name {
					continue
				}
				inDegree[dep]--
				if inDegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}

	if len(order) != len(StageNames) {
		return nil, fmt.Errorf("docpipeline: dependency graph has a cycle (resolved %d/%d stages)", len(order), len(StageNames))
	}
	return order, nil
}

// TransitiveDependents returns every stage reachable by following dependent edges forward from
// stageName (exclusive of stageName itself), used by smart mode to cascade re-execution when a
// stage's input hash changes (spec scenario C).
func TransitiveDependents(stageName string) []string {
	visited := map[string]bool{}
	var walk func(string)
	walk = func(name string) {
		for _, candidate := range StageNames {
			for _, prereq := range dependencyGraph[candidate] {
				if prereq == name && !visited[candidate] {
					visited[candidate] = true
					walk(candidate)
				}
			}
		}
	}
	walk(stageName)

	out := make([]string, 0, len(visited))
	for _, name := range StageNames {
		if visited[name] {
			out = append(out, name)
		}
	}
	return out
}

// PrerequisitesSatisfied reports whether every prerequisite of stageName is either completed
// (status completed/skipped_unchanged) per the supplied outcome map.
func PrerequisitesSatisfied(stageName string, outcomes map[string]StageOutcome) bool {
	for _, prereq := range Prerequisites(stageName) {
		switch outcomes[prereq] {
		case OutcomeCompleted, OutcomeSkippedUnchanged:
			continue
		default:
			return false
		}
	}
	return true
}

// PrerequisiteFailed reports whether any prerequisite of stageName is in a terminal failed
// state, which marks the dependent skipped_prerequisite_failed without invocation.
func PrerequisiteFailed(stageName string, outcomes map[string]StageOutcome) bool {
	for _, prereq := range Prerequisites(stageName) {
		if outcomes[prereq] == OutcomeFailed || outcomes[prereq] == OutcomeSkippedPrerequisiteFailed {
			return true
		}
	}
	return false
}

// PrerequisiteDeferred reports whether any prerequisite of stageName is mid-async-retry,
// which defers stageName to the next orchestrator pass (spec's resolved Open Question 3).
func PrerequisiteDeferred(stageName string, outcomes map[string]StageOutcome) bool {
	for _, prereq := range Prerequisites(stageName) {
		switch outcomes[prereq] {
		case OutcomeDeferredAsyncRetry, OutcomeDeferred:
			return true
		}
	}
	return false
}
