package plan

import "time"

// ExportedPlan is the JSON artifact written after planning, consumed by
// status tooling and kept for run inspection.
type ExportedPlan struct {
	Version         string          `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	ExecutionLevels []ExportedLevel `json:"execution_levels"`
	Metadata        ExportMetadata  `json:"metadata"`
}

// ExportedLevel is one level of an exported plan, with durations flattened
// to whole minutes.
type ExportedLevel struct {
	Level                    int      `json:"level"`
	Features                 []string `json:"features"`
	Parallelism              int      `json:"parallelism"`
	EstimatedDurationMinutes int      `json:"estimated_duration_minutes"`
}

// ExportMetadata carries plan-wide totals for an exported plan.
type ExportMetadata struct {
	TotalFeatures         int      `json:"total_features"`
	MaxParallelWorkers    int      `json:"max_parallel_workers"`
	EstimatedTotalMinutes int      `json:"estimated_total_minutes"`
	CriticalPath          []string `json:"critical_path"`
}

// Export renders the plan into its persistent artifact form, stamped with
// the current time.
func (p *Plan) Export(now time.Time) *ExportedPlan {
	out := &ExportedPlan{
		Version:   ExportVersion,
		CreatedAt: now.UTC(),
		Metadata: ExportMetadata{
			TotalFeatures:         p.FeatureCount(),
			MaxParallelWorkers:    p.WorkerBudget,
			EstimatedTotalMinutes: int(p.TotalEstimated / time.Minute),
			CriticalPath:          p.CriticalPath,
		},
	}
	for _, level := range p.Levels {
		out.ExecutionLevels = append(out.ExecutionLevels, ExportedLevel{
			Level:                    level.Level,
			Features:                 level.Features,
			Parallelism:              level.MaxParallelism,
			EstimatedDurationMinutes: int(level.EstimatedDuration / time.Minute),
		})
	}
	return out
}
