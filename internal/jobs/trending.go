package jobs

import (
	"context"

	"github.com/charachat/charachat/internal/app/domain/character"
)

// TrendingSource recomputes and caches the trending list.
type TrendingSource interface {
	RefreshTrending(ctx context.Context) ([]character.Character, error)
}

// TrendingRefresher keeps the cached trending list warm.
type TrendingRefresher struct {
	source TrendingSource
}

// NewTrendingRefresher wraps source as a job.
func NewTrendingRefresher(source TrendingSource) *TrendingRefresher {
	return &TrendingRefresher{source: source}
}

func (t *TrendingRefresher) Name() string { return "trending-refresh" }

func (t *TrendingRefresher) Run(ctx context.Context) error {
	_, err := t.source.RefreshTrending(ctx)
	return err
}
