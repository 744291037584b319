package templates

import (
	"fmt"

	"github.com/mplp/coordinator/pkg/schema"
)

const (
	bottleneckFactor    = 2.0
	bottleneckPenalty   = 10
	failedStagePenalty  = 20
	longRunPenalty      = 15
	longRunThresholdMs  = 300000
	maxPerformanceScore = 100
)

// Analysis scores a finished workflow run.
type Analysis struct {
	PerformanceScore int            `json:"performance_score"`
	Bottlenecks      []schema.Stage `json:"bottlenecks"`
	Recommendations  []string       `json:"recommendations"`
}

// AnalyzeWorkflowResult scores a run: 100 minus penalties for bottleneck
// stages (over twice the mean stage duration), failed stages and an overall
// duration above five minutes. The score never drops below zero.
func AnalyzeWorkflowResult(result *schema.WorkflowExecutionResult) Analysis {
	analysis := Analysis{
		PerformanceScore: maxPerformanceScore,
		Bottlenecks:      []schema.Stage{},
		Recommendations:  []string{},
	}
	if result == nil {
		return analysis
	}

	var total int64
	for _, s := range result.Stages {
		total += s.DurationMs
	}

	if n := len(result.Stages); n > 0 {
		mean := float64(total) / float64(n)
		for _, s := range result.Stages {
			if float64(s.DurationMs) > bottleneckFactor*mean {
				analysis.Bottlenecks = append(analysis.Bottlenecks, s.Stage)
				analysis.PerformanceScore -= bottleneckPenalty
				analysis.Recommendations = append(analysis.Recommendations,
					fmt.Sprintf("stage %s took %dms against a %.0fms mean; review its module latency or timeout", s.Stage, s.DurationMs, mean))
			}
		}
	}

	for _, s := range result.Stages {
		if s.Status == schema.StageStatusFailed {
			analysis.PerformanceScore -= failedStagePenalty
			analysis.Recommendations = append(analysis.Recommendations,
				fmt.Sprintf("stage %s failed; review its retry policy and failure strategies", s.Stage))
		}
	}

	if result.TotalDurationMs > longRunThresholdMs {
		analysis.PerformanceScore -= longRunPenalty
		analysis.Recommendations = append(analysis.Recommendations,
			"run exceeded 5 minutes; consider parallel execution for independent stages")
	}

	if analysis.PerformanceScore < 0 {
		analysis.PerformanceScore = 0
	}
	return analysis
}
