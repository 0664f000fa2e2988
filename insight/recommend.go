package insight

import (
	"context"
	"fmt"
)

// Engagement thresholds, percent.
const (
	engagementGreat = 3.0
	engagementGood  = 1.0
)

// viewCVConsistent is the coefficient-of-variation ceiling, percent,
// below which a channel's views count as consistent.
const viewCVConsistent = 50.0

// Insight is one finding about a channel.
type Insight struct {
	Type    string `json:"type"`  // "engagement" | "consistency" | "outlier" | "volume"
	Level   string `json:"level"` // "positive" | "neutral" | "warning"
	Message string `json:"message"`
}

// Recommendations bundles the findings and suggested actions for one
// channel, derived from its collected videos.
type Recommendations struct {
	ChannelID string    `json:"channel_id"`
	Overview  *Overview `json:"overview"`
	Insights  []Insight `json:"insights"`
	Actions   []string  `json:"actions"`
}

// Recommend analyzes a channel's collected videos and produces content
// recommendations. The channel is collected first when unknown.
func (svc *Service) Recommend(ctx context.Context, channelID string) (*Recommendations, error) {
	ov, err := svc.Overview(ctx, channelID, 5)
	if err != nil {
		return nil, err
	}
	rec := &Recommendations{ChannelID: channelID, Overview: ov}
	if ov.Videos == 0 {
		rec.Insights = append(rec.Insights, Insight{
			Type: "volume", Level: "neutral",
			Message: "no videos collected yet; collect the channel first",
		})
		return rec, nil
	}

	switch {
	case ov.AvgEngagement > engagementGreat:
		rec.Insights = append(rec.Insights, Insight{
			Type: "engagement", Level: "positive",
			Message: fmt.Sprintf("excellent engagement rate (%.2f%%), well above the 3%% bar", ov.AvgEngagement),
		})
	case ov.AvgEngagement > engagementGood:
		rec.Insights = append(rec.Insights, Insight{
			Type: "engagement", Level: "positive",
			Message: fmt.Sprintf("good engagement rate (%.2f%%)", ov.AvgEngagement),
		})
	default:
		rec.Insights = append(rec.Insights, Insight{
			Type: "engagement", Level: "warning",
			Message: fmt.Sprintf("low engagement rate (%.2f%%)", ov.AvgEngagement),
		})
		rec.Actions = append(rec.Actions,
			"add calls to action and questions to drive likes and comments")
	}

	if ov.ViewCV < viewCVConsistent {
		rec.Insights = append(rec.Insights, Insight{
			Type: "consistency", Level: "positive",
			Message: fmt.Sprintf("consistent view counts (CV %.0f%%), the audience shows up reliably", ov.ViewCV),
		})
	} else {
		rec.Insights = append(rec.Insights, Insight{
			Type: "consistency", Level: "warning",
			Message: fmt.Sprintf("volatile view counts (CV %.0f%%), performance depends heavily on topic", ov.ViewCV),
		})
		rec.Actions = append(rec.Actions,
			"study what the top videos have in common and double down on it")
	}

	if len(ov.TopVideos) > 0 && ov.MedianViews > 0 {
		top := ov.TopVideos[0]
		if float64(top.ViewCount) > 2*ov.MedianViews {
			rec.Insights = append(rec.Insights, Insight{
				Type: "outlier", Level: "positive",
				Message: fmt.Sprintf("%q is a breakout hit at %.1fx the median views", top.Title,
					float64(top.ViewCount)/ov.MedianViews),
			})
			rec.Actions = append(rec.Actions,
				fmt.Sprintf("make a follow-up or series around %q", top.Title))
		}
	}

	if ov.Videos < 10 {
		rec.Insights = append(rec.Insights, Insight{
			Type: "volume", Level: "neutral",
			Message: fmt.Sprintf("only %d videos collected, trends may not be significant yet", ov.Videos),
		})
	}

	if len(rec.Actions) == 0 {
		rec.Actions = append(rec.Actions, "keep the current strategy, the numbers are healthy")
	}
	return rec, nil
}
