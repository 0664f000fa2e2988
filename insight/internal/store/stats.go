package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// GetStats returns aggregate counters across the whole store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByKind:          map[string]int64{},
		ResultsByStatus: map[string]int64{},
	}

	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tracked), 0) FROM entities`).
		Scan(&st.Entities, &st.Tracked); err != nil {
		return nil, fmt.Errorf("stats entities: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT kind, COUNT(*) FROM entities GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByKind[kind] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM stage_results GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ResultsByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.DB.QueryRowContext(ctx,
		`SELECT MIN(computed_at), MAX(computed_at) FROM stage_results`).
		Scan(&st.OldestResultAt, &st.NewestResultAt); err != nil {
		return nil, fmt.Errorf("stats results: %w", err)
	}

	dayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(status = 'failed'), 0)
		FROM fetch_log WHERE fetched_at >= ?`, dayAgo).
		Scan(&st.Fetches24h, &st.FetchFailures24h); err != nil {
		return nil, fmt.Errorf("stats fetch log: %w", err)
	}

	return st, nil
}

// ChannelOverview aggregates the persisted videos of one channel: view
// distribution, engagement, and the top and bottom performers.
func (s *Store) ChannelOverview(ctx context.Context, channelID string, topN int) (*Overview, error) {
	videos, err := s.ChannelVideos(ctx, channelID, 500)
	if err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = 5
	}

	ov := &Overview{ChannelID: channelID, Videos: len(videos)}
	if len(videos) == 0 {
		return ov, nil
	}

	views := make([]float64, 0, len(videos))
	var sumEng float64
	for _, v := range videos {
		ov.TotalViews += v.ViewCount
		views = append(views, float64(v.ViewCount))
		sumEng += v.EngagementRate
	}
	sort.Float64s(views)

	n := float64(len(views))
	ov.AvgViews = float64(ov.TotalViews) / n
	ov.MedianViews = percentile(views, 50)
	ov.AvgEngagement = sumEng / n
	ov.Quartiles = [3]float64{percentile(views, 25), percentile(views, 50), percentile(views, 75)}

	var variance float64
	for _, v := range views {
		d := v - ov.AvgViews
		variance += d * d
	}
	ov.ViewStdDev = math.Sqrt(variance / n)
	if ov.AvgViews > 0 {
		ov.ViewCV = ov.ViewStdDev / ov.AvgViews * 100
	}

	// ChannelVideos orders by views descending.
	k := topN
	if k > len(videos) {
		k = len(videos)
	}
	ov.TopVideos = videos[:k]
	ov.BottomVideos = videos[len(videos)-k:]
	return ov, nil
}

// percentile computes the p-th percentile of sorted values by linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
