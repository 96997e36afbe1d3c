// Package plan turns a dependency graph into an execution plan: an ordered
// sequence of levels whose features can run concurrently, bounded by the
// worker budget.
//
// Duration estimates are supplied by a pluggable Estimator. Per level the
// estimated duration is the maximum over its features, since they run in
// parallel; the total is the sum over levels. The plan also records the
// critical path and a speedup estimate against strictly sequential
// execution, for reporting.
package plan

import (
	"time"

	"github.com/featrun/featrun/internal/errors"
	"github.com/featrun/featrun/internal/feature"
	"github.com/featrun/featrun/internal/graph"
)

// ExportVersion is the schema version stamped on exported plan artifacts.
const ExportVersion = "1.0.0"

// -----------------------------------------------------------------------------
// Estimator
// -----------------------------------------------------------------------------

// Estimator supplies the expected duration of one feature's worker run.
//
// The built-in estimator is a flat constant with per-feature overrides; a
// learned or measured estimator can be substituted without touching the
// planner.
type Estimator interface {
	// Estimate returns the expected duration for the feature.
	Estimate(f *feature.Feature) time.Duration
}

// FixedEstimator estimates every feature at a flat default duration,
// honoring a feature's own EstimatedMinutes override when set.
type FixedEstimator struct {
	// Default is the flat per-feature estimate.
	Default time.Duration
}

// Estimate implements Estimator.
func (e FixedEstimator) Estimate(f *feature.Feature) time.Duration {
	return f.Estimate(e.Default)
}

// -----------------------------------------------------------------------------
// Plan Types
// -----------------------------------------------------------------------------

// Level is one batch of mutually independent features.
type Level struct {
	// Level is the zero-based position in the plan.
	Level int `json:"level"`

	// Features lists the feature IDs in dispatch order
	// (priority descending, then ID).
	Features []string `json:"features"`

	// MaxParallelism is min(len(Features), worker budget).
	MaxParallelism int `json:"parallelism"`

	// EstimatedDuration is the longest single-feature estimate in the
	// level, since its features run concurrently.
	EstimatedDuration time.Duration `json:"-"`
}

// Plan is the complete leveled execution plan for one run.
type Plan struct {
	// Levels in execution order. Level 0 runs first.
	Levels []Level `json:"levels"`

	// WorkerBudget is the maximum concurrent workers the plan was built for.
	WorkerBudget int `json:"worker_budget"`

	// CriticalPath is the longest duration-weighted root-to-sink chain of
	// feature IDs, the theoretical minimum completion time with unlimited
	// workers.
	CriticalPath []string `json:"critical_path"`

	// CriticalPathDuration is the summed duration along CriticalPath.
	CriticalPathDuration time.Duration `json:"-"`

	// TotalEstimated is the sum of level durations.
	TotalEstimated time.Duration `json:"-"`

	// SequentialEstimated is the sum of every feature's duration, the
	// expected wall time with a single worker.
	SequentialEstimated time.Duration `json:"-"`
}

// FeatureCount returns the total number of features across all levels.
func (p *Plan) FeatureCount() int {
	n := 0
	for _, level := range p.Levels {
		n += len(level.Features)
	}
	return n
}

// LevelCount returns the number of levels.
func (p *Plan) LevelCount() int {
	return len(p.Levels)
}

// Speedup returns the estimated speedup of the leveled plan over strictly
// sequential execution. Returns 1 for an empty plan.
func (p *Plan) Speedup() float64 {
	if p.TotalEstimated <= 0 {
		return 1
	}
	return float64(p.SequentialEstimated) / float64(p.TotalEstimated)
}

// -----------------------------------------------------------------------------
// Planner
// -----------------------------------------------------------------------------

// CreatePlan levelizes the graph into an execution plan bounded by
// workerBudget. A budget below one fails with a *errors.ConfigurationError.
// An empty graph yields an empty plan.
func CreatePlan(g *graph.Graph, workerBudget int, estimator Estimator) (*Plan, error) {
	if workerBudget < 1 {
		return nil, errors.NewConfigurationError("worker budget must be at least 1").
			WithField("execution.max_workers").
			WithValue(workerBudget)
	}
	if estimator == nil {
		estimator = FixedEstimator{Default: 15 * time.Minute}
	}

	rawLevels, err := g.Levelize()
	if err != nil {
		return nil, err
	}

	p := &Plan{WorkerBudget: workerBudget}
	for i, ids := range rawLevels {
		level := Level{
			Level:          i,
			Features:       ids,
			MaxParallelism: min(len(ids), workerBudget),
		}
		for _, id := range ids {
			d := estimator.Estimate(g.Node(id))
			if d > level.EstimatedDuration {
				level.EstimatedDuration = d
			}
			p.SequentialEstimated += d
		}
		p.TotalEstimated += level.EstimatedDuration
		p.Levels = append(p.Levels, level)
	}

	p.CriticalPath, p.CriticalPathDuration = g.CriticalPath(estimator.Estimate)
	return p, nil
}
