package usecase

import "context"

// MetricsSummary represents aggregated diagnosis insights.
type MetricsSummary struct {
	TotalRequests     int64            `json:"total_requests"`
	CompletedRequests int64            `json:"completed_requests"`
	FailedRequests    int64            `json:"failed_requests"`
	FailureRate       float64          `json:"failure_rate"`
	AverageDurationMs float64          `json:"average_duration_ms"`
	Conditions        map[string]int64 `json:"conditions"`
}

// GetMetricsSummary aggregates diagnosis metrics from persisted logs.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.history == nil {
		return nil, ErrHistoryDisabled
	}
	aggregation, err := uc.history.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		CompletedRequests: aggregation.CompletedCount,
		FailedRequests:    aggregation.FailedCount,
		AverageDurationMs: aggregation.AverageDuration,
		Conditions:        aggregation.ByCondition,
	}
	if summary.Conditions == nil {
		summary.Conditions = map[string]int64{}
	}
	if aggregation.TotalCount > 0 {
		summary.FailureRate = float64(aggregation.FailedCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
