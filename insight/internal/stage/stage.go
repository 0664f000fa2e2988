// Package stage declares the pluggable analysis stages and their registry.
//
// A stage is described declaratively: its name, the snapshot field groups it
// needs, a cost class the orchestrator uses to pick synchronous or background
// execution, a fingerprint function deciding cache validity, and the analyze
// operation itself. The actual engines (sentiment model, image model) are
// injected behind the Analyzer contract; the defaults in builtin.go are
// self-contained so the pipeline works without external services.
package stage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/tubescope/insight/internal/source"
)

// Cost classifies a stage's expected latency.
type Cost string

const (
	// CostFast stages run synchronously inside the caller's request.
	CostFast Cost = "fast"
	// CostSlow stages are scheduled in the background; callers see "pending"
	// until they complete.
	CostSlow Cost = "slow"
)

// Analyzer computes a stage payload from a snapshot. The returned value is
// JSON-marshaled into the stored StageResult.
type Analyzer func(ctx context.Context, snap *source.Snapshot) (any, error)

// Stage is one declarative analysis stage.
type Stage struct {
	Name        string
	Cost        Cost
	Fields      []source.Field
	TTL         time.Duration
	Fingerprint func(snap *source.Snapshot) string
	Analyze     Analyzer
}

// AnalysisError is a stage-specific failure. It affects only that stage's
// record entry, never the whole call.
type AnalysisError struct {
	Stage     string
	Reason    string
	Transient bool // timeouts and the like: worth one automatic retry
	Cause     error
}

func (e *AnalysisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Reason, e.Cause)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

func (e *AnalysisError) Unwrap() error { return e.Cause }

// Registry holds the stage set. It is populated once at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	stages map[string]*Stage
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]*Stage)}
}

// Register adds a stage. Duplicate names and incomplete declarations are
// configuration errors and rejected.
func (r *Registry) Register(s *Stage) error {
	if s.Name == "" {
		return fmt.Errorf("stage: empty name")
	}
	if s.Fingerprint == nil || s.Analyze == nil {
		return fmt.Errorf("stage %s: fingerprint and analyze are required", s.Name)
	}
	if _, exists := r.stages[s.Name]; exists {
		return fmt.Errorf("stage %s: already registered", s.Name)
	}
	if s.Cost == "" {
		s.Cost = CostFast
	}
	if s.TTL <= 0 {
		s.TTL = time.Hour
	}
	r.stages[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// Get returns the stage by name.
func (r *Registry) Get(name string) (*Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// Names returns all registered stage names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Fields returns the union of field groups the named stages need, so the
// orchestrator fetches one snapshot covering all of them.
func (r *Registry) Fields(names []string) []source.Field {
	seen := make(map[source.Field]bool)
	var out []source.Field
	for _, n := range names {
		s, ok := r.stages[n]
		if !ok {
			continue
		}
		for _, f := range s.Fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// fingerprint hashes the given parts into a stable content token.
func fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h[:16])
}

// sortedCopy returns a sorted copy of ids (fingerprints must not depend on
// configuration order).
func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
