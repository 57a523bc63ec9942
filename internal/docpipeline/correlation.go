package docpipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// CorrelationID is the hierarchical identifier threaded through every log line, retry chain,
// and PipelineError row for one request/stage/attempt. Canonical form:
//
//	req_<uuid-v4>[.stage_<name>[.retry_<n>]]
type CorrelationID string

var correlationPattern = regexp.MustCompile(`^req_([0-9a-f-]{36})(?:\.stage_([a-z_]+)(?:\.retry_(\d+))?)?$`)

// CorrelationParts is the parsed form of a CorrelationID, used for log filtering.
type CorrelationParts struct {
	RequestID    string
	StageName    string
	RetryAttempt int
	HasStage     bool
	HasRetry     bool
}

// NewRequestCorrelationID assigns a fresh request-level correlation ID. Called exactly once
// per incoming request.
func NewRequestCorrelationID() CorrelationID {
	return CorrelationID(fmt.Sprintf("req_%s", uuid.New().String()))
}

// ExtendStage derives a stage-level correlation ID from a request-level (or another
// stage-level) parent. retryAttempt < 0 omits the retry suffix.
func ExtendStage(parent CorrelationID, stageName string, retryAttempt int) CorrelationID {
	base := CorrelationID(fmt.Sprintf("%s.stage_%s", requestPrefix(parent), stageName))
	if retryAttempt < 0 {
		return base
	}
	return CorrelationID(fmt.Sprintf("%s.retry_%d", base, retryAttempt))
}

// ExtendRetry bumps the retry_attempt on an existing stage-level correlation ID, ignoring
// whatever retry suffix it already carried.
func ExtendRetry(stageLevel CorrelationID, retryAttempt int) CorrelationID {
	parts, ok := Parse(stageLevel)
	if !ok || !parts.HasStage {
		return stageLevel
	}
	return ExtendStage(CorrelationID("req_"+parts.RequestID), parts.StageName, retryAttempt)
}

// requestPrefix extracts "req_<uuid>" off the front of any correlation ID, including one that
// is itself already request-level.
func requestPrefix(id CorrelationID) string {
	parts, ok := Parse(id)
	if !ok {
		return string(id)
	}
	return "req_" + parts.RequestID
}

// Parse decomposes a correlation ID into its constituent levels. Returns ok=false for
// malformed input rather than panicking; callers in hot paths must not treat a parse failure
// as fatal.
func Parse(id CorrelationID) (CorrelationParts, bool) {
	m := correlationPattern.FindStringSubmatch(string(id))
	if m == nil {
		return CorrelationParts{}, false
	}
	parts := CorrelationParts{RequestID: m[1]}
	if m[2] != "" {
		parts.HasStage = true
		parts.StageName = m[2]
	}
	if m[3] != "" {
		parts.HasRetry = true
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return CorrelationParts{}, false
		}
		parts.RetryAttempt = n
	}
	return parts, true
}

// Less reports whether a is strictly a coarser (ancestor) level than b, e.g. req_X < req_X.stage_Y
// < req_X.stage_Y.retry_N. Used only by tests asserting the hierarchy invariant.
func Less(a, b CorrelationID) bool {
	pa, okA := Parse(a)
	pb, okB := Parse(b)
	if !okA || !okB || pa.RequestID != pb.RequestID {
		return false
	}
	rankA := correlationRank(pa)
	rankB := correlationRank(pb)
	if rankA != rankB {
		return rankA < rankB
	}
	return strings.Count(string(a), ".") < strings.Count(string(b), ".")
}

func correlationRank(p CorrelationParts) int {
	switch {
	case p.HasRetry:
		return 2
	case p.HasStage:
		return 1
	default:
		return 0
	}
}
