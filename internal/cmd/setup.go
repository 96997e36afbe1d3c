package cmd

import (
	"fmt"
	"os"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/feature"
	"github.com/featrun/featrun/internal/graph"
	"github.com/featrun/featrun/internal/plan"
)

// planInputs is everything built from the feature list before a plan or
// run starts.
type planInputs struct {
	projectDir string
	features   *feature.Store
	list       *feature.List
	graph      *graph.Graph
	plan       *plan.Plan
	implicit   []graph.Edge
}

// buildPlanInputs loads and validates the feature list, builds the
// dependency graph (with inferred implicit edges when enabled), and plans
// execution. featuresPath and workers, when set, override the configured
// defaults.
func buildPlanInputs(cfg *config.Config, featuresPath string, workers int) (*planInputs, error) {
	projectDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	if featuresPath == "" {
		featuresPath = projectDir
	}
	store := feature.NewStore(feature.Resolve(featuresPath))
	list, err := store.Load()
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(list)
	if err != nil {
		return nil, err
	}
	var implicit []graph.Edge
	if cfg.Execution.InferImplicitDeps {
		implicit = g.InferImplicitEdges(graph.DefaultRules())
	}

	budget := cfg.Execution.MaxWorkers
	if workers > 0 {
		budget = workers
	}
	estimator := plan.FixedEstimator{Default: cfg.Estimation.DefaultEstimate()}
	p, err := plan.CreatePlan(g, budget, estimator)
	if err != nil {
		return nil, err
	}

	return &planInputs{
		projectDir: projectDir,
		features:   store,
		list:       list,
		graph:      g,
		plan:       p,
		implicit:   implicit,
	}, nil
}
