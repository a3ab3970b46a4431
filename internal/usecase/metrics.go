package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	SucceededRequests int64   `json:"succeeded_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	SuccessRate       float64 `json:"success_rate"`
	IDCardRate        float64 `json:"id_card_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageUpstreamMs float64 `json:"average_upstream_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		SucceededRequests: aggregation.SucceededCount,
		FailedRequests:    aggregation.TotalCount - aggregation.SucceededCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageUpstreamMs: aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SucceededCount) / float64(aggregation.TotalCount)
	}
	if aggregation.SucceededCount > 0 {
		summary.IDCardRate = float64(aggregation.IDCardCount) / float64(aggregation.SucceededCount)
	}
	return summary, nil
}
