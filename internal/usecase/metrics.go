package usecase

import (
	"context"

	"github.com/example/birdsnap/internal/snap"
)

// StatusSummary represents aggregated pipeline insights.
type StatusSummary struct {
	Total    int64                 `json:"total"`
	ByStatus map[snap.Status]int64 `json:"by_status"`
	// SuccessRate is the share of finished snaps that did not fail classification.
	SuccessRate float64 `json:"success_rate"`
}

// StatusSummary aggregates snap counts per status. Every known status is
// present in the result, even with a zero count.
func (uc *SnapUseCase) StatusSummary(ctx context.Context) (*StatusSummary, error) {
	rows, err := uc.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{ByStatus: make(map[snap.Status]int64, len(snap.All))}
	for _, status := range snap.All {
		summary.ByStatus[status] = 0
	}
	for _, row := range rows {
		summary.ByStatus[row.Status] += row.Count
		summary.Total += row.Count
	}

	finished := summary.Total - summary.ByStatus[snap.StatusProcessing] - summary.ByStatus[snap.StatusDeleted]
	if finished > 0 {
		summary.SuccessRate = float64(finished-summary.ByStatus[snap.StatusClassificationFailed]) / float64(finished)
	}

	return summary, nil
}
