package insight

import (
	"context"
	"fmt"
	"sort"
)

// ChannelSummary is one channel's standing inside a comparison.
type ChannelSummary struct {
	ChannelID       string  `json:"channel_id"`
	Title           string  `json:"title"`
	SubscriberCount int64   `json:"subscriber_count"`
	ViewCount       int64   `json:"view_count"`
	VideoCount      int64   `json:"video_count"`
	ViewsPerVideo   float64 `json:"views_per_video"`
	Rank            int     `json:"rank"`
	Failed          bool    `json:"failed,omitempty"`
	FailReason      string  `json:"fail_reason,omitempty"`
}

// Comparison ranks a set of channels by subscribers.
type Comparison struct {
	Channels []ChannelSummary `json:"channels"`
	Leader   string           `json:"leader"` // channel ID with most subscribers
}

// Compare fetches fresh statistics for each channel and ranks them.
// Channels that cannot be fetched appear in the result marked failed;
// the comparison only errors when every channel fails.
func (svc *Service) Compare(ctx context.Context, channelIDs []string) (*Comparison, error) {
	if len(channelIDs) < 2 {
		return nil, fmt.Errorf("%w: comparison needs at least two channels", ErrInvalidInput)
	}

	cmp := &Comparison{}
	failures := 0
	for _, id := range channelIDs {
		rec, err := svc.Analyze(ctx, id, nil)
		if err != nil {
			failures++
			cmp.Channels = append(cmp.Channels, ChannelSummary{
				ChannelID: id, Failed: true, FailReason: err.Error(),
			})
			continue
		}
		e := rec.Entity
		s := ChannelSummary{
			ChannelID:       e.ID,
			Title:           e.Title,
			SubscriberCount: e.SubscriberCount,
			ViewCount:       e.ViewCount,
			VideoCount:      e.VideoCount,
		}
		if e.VideoCount > 0 {
			s.ViewsPerVideo = float64(e.ViewCount) / float64(e.VideoCount)
		}
		cmp.Channels = append(cmp.Channels, s)
	}
	if failures == len(channelIDs) {
		return nil, fmt.Errorf("insight: all %d channels failed to fetch", failures)
	}

	sort.SliceStable(cmp.Channels, func(i, j int) bool {
		return cmp.Channels[i].SubscriberCount > cmp.Channels[j].SubscriberCount
	})
	rank := 0
	for i := range cmp.Channels {
		if cmp.Channels[i].Failed {
			continue
		}
		rank++
		cmp.Channels[i].Rank = rank
		if rank == 1 {
			cmp.Leader = cmp.Channels[i].ChannelID
		}
	}
	return cmp, nil
}
