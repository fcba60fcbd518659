package workflow

import (
	"sync"
	"time"
)

// Analytics tracks how often the workflow takes its cheap paths and how much
// model work that avoids. Counters are process-local and reset on restart.
type Analytics struct {
	mu sync.Mutex

	totalExecutions     int
	lightweightCount    int
	fullWorkflowCount   int
	extractionSkipped   int
	extractionPerformed int
	apiCallsSaved       int
	failures            int
	avgResponseTime     float64
}

// NewAnalytics creates a zeroed tracker.
func NewAnalytics() *Analytics {
	return &Analytics{}
}

// TrackExecution records one finished turn.
func (a *Analytics) TrackExecution(route Route, duration time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalExecutions++
	if !success {
		a.failures++
	}
	switch route {
	case RouteLightweight, RouteCommand, RouteClarify:
		a.lightweightCount++
		// A lightweight turn skips classification follow-up, retrieval and
		// generation calls.
		a.apiCallsSaved += 3
	default:
		a.fullWorkflowCount++
	}

	// Running mean keeps the tracker O(1) in memory.
	seconds := duration.Seconds()
	n := float64(a.totalExecutions)
	a.avgResponseTime += (seconds - a.avgResponseTime) / n
}

// TrackFactExtraction records whether a turn paid for extraction.
func (a *Analytics) TrackFactExtraction(performed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if performed {
		a.extractionPerformed++
	} else {
		a.extractionSkipped++
		// Skipping saves the extraction call and the merge call.
		a.apiCallsSaved += 2
	}
}

// EfficiencyScore folds speed, reliability and cheap-path share into one
// number in [0,1]. Weights: 40% time, 40% success rate, 20% lightweight share.
func (a *Analytics) EfficiencyScore() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.totalExecutions == 0 {
		return 0
	}
	timeScore := 1 - a.avgResponseTime/10
	if timeScore < 0 {
		timeScore = 0
	}
	if timeScore > 1 {
		timeScore = 1
	}
	successRate := float64(a.totalExecutions-a.failures) / float64(a.totalExecutions)
	lightweightShare := float64(a.lightweightCount) / float64(a.totalExecutions)

	return 0.4*timeScore + 0.4*successRate + 0.2*lightweightShare
}

// Snapshot returns the counters for status commands and diagnostics.
func (a *Analytics) Snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"total_executions":          a.totalExecutions,
		"lightweight_path_count":    a.lightweightCount,
		"full_workflow_count":       a.fullWorkflowCount,
		"fact_extraction_skipped":   a.extractionSkipped,
		"fact_extraction_performed": a.extractionPerformed,
		"api_calls_saved":           a.apiCallsSaved,
		"failures":                  a.failures,
		"average_response_time":     a.avgResponseTime,
	}
}
