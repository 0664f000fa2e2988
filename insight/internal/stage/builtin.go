package stage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/hazyhaar/tubescope/insight/internal/source"
)

// Built-in stage names.
const (
	NameSentiment  = "sentiment"
	NameThumbnail  = "thumbnail"
	NameCompetitor = "competitor"
)

// SentimentPayload is the sentiment stage output.
type SentimentPayload struct {
	Comments int     `json:"comments"`
	Positive int     `json:"positive"`
	Negative int     `json:"negative"`
	Neutral  int     `json:"neutral"`
	Score    float64 `json:"score"` // -1..1
}

// Sentiment declares the comment-sentiment stage. A nil analyzer installs
// the built-in lexicon scorer. The fingerprint covers comment count and the
// newest comment timestamp: unchanged comments never recompute.
func Sentiment(analyzer Analyzer, ttl time.Duration) *Stage {
	if analyzer == nil {
		analyzer = sentimentLexicon
	}
	return &Stage{
		Name:   NameSentiment,
		Cost:   CostFast,
		Fields: []source.Field{source.FieldStatistics, source.FieldComments},
		TTL:    ttl,
		Fingerprint: func(snap *source.Snapshot) string {
			return fingerprint(NameSentiment,
				strconv.FormatInt(snap.CommentCount, 10),
				strconv.FormatInt(snap.LastCommentAt, 10))
		},
		Analyze: analyzer,
	}
}

// ThumbnailPayload is the thumbnail stage output.
type ThumbnailPayload struct {
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	Format    string   `json:"format"`
	Luminance float64  `json:"luminance"` // 0..1 mean brightness
	Tags      []string `json:"tags"`
}

// Thumbnail declares the thumbnail-analysis stage. A nil analyzer installs
// the built-in decoder. The fingerprint is the asset hash: the stage only
// recomputes when the thumbnail bytes actually change.
func Thumbnail(analyzer Analyzer, ttl time.Duration) *Stage {
	if analyzer == nil {
		analyzer = thumbnailProbe
	}
	return &Stage{
		Name:   NameThumbnail,
		Cost:   CostSlow,
		Fields: []source.Field{source.FieldStatistics, source.FieldThumbnail},
		TTL:    ttl,
		Fingerprint: func(snap *source.Snapshot) string {
			if snap.ThumbnailHash != "" {
				return fingerprint(NameThumbnail, snap.ThumbnailHash)
			}
			return fingerprint(NameThumbnail, snap.ThumbnailURL)
		},
		Analyze: analyzer,
	}
}

// ChannelStats is the competitor lookup result for one comparison channel.
type ChannelStats struct {
	ChannelID       string `json:"channel_id"`
	Title           string `json:"title"`
	SubscriberCount int64  `json:"subscriber_count"`
	ViewCount       int64  `json:"view_count"`
	VideoCount      int64  `json:"video_count"`
}

// StatsLookup resolves a comparison channel's current statistics.
type StatsLookup func(ctx context.Context, channelID string) (*ChannelStats, error)

// CompetitorDelta is the comparison against one channel.
type CompetitorDelta struct {
	ChannelID       string `json:"channel_id"`
	Title           string `json:"title"`
	SubscriberDelta int64  `json:"subscriber_delta"` // own minus theirs
	ViewDelta       int64  `json:"view_delta"`
	VideoDelta      int64  `json:"video_delta"`
}

// CompetitorPayload is the competitor stage output.
type CompetitorPayload struct {
	SetSize  int               `json:"set_size"`
	Rank     int               `json:"rank"` // 1 = most subscribers in the set (incl. self)
	Compared []CompetitorDelta `json:"compared"`
}

// Competitor declares the competitor-comparison stage over a configured
// comparison set of channel IDs. The fingerprint covers the entity's own
// statistics and the (sorted) set, so editing the set recomputes.
func Competitor(comparisonSet []string, lookup StatsLookup, ttl time.Duration) *Stage {
	set := sortedCopy(comparisonSet)
	return &Stage{
		Name:   NameCompetitor,
		Cost:   CostSlow,
		Fields: []source.Field{source.FieldStatistics},
		TTL:    ttl,
		Fingerprint: func(snap *source.Snapshot) string {
			return fingerprint(NameCompetitor,
				strconv.FormatInt(snap.SubscriberCount, 10),
				strconv.FormatInt(snap.ViewCount, 10),
				strconv.FormatInt(snap.VideoCount, 10),
				strings.Join(set, ","))
		},
		Analyze: competitorAnalyzer(set, lookup),
	}
}

// --- built-in analyzers ---

// sentimentLexicon is the fallback comment scorer: a small polarity lexicon,
// one vote per comment. Good enough for tests and degraded operation when no
// external sentiment engine is wired.
func sentimentLexicon(_ context.Context, snap *source.Snapshot) (any, error) {
	p := SentimentPayload{Comments: len(snap.Comments)}
	for _, c := range snap.Comments {
		switch scoreWords(c.Text) {
		case 1:
			p.Positive++
		case -1:
			p.Negative++
		default:
			p.Neutral++
		}
	}
	if p.Comments > 0 {
		p.Score = float64(p.Positive-p.Negative) / float64(p.Comments)
	}
	return p, nil
}

var positiveWords = map[string]bool{
	"love": true, "great": true, "awesome": true, "amazing": true,
	"best": true, "good": true, "excellent": true, "perfect": true,
	"beautiful": true, "incredible": true, "thanks": true, "thank": true,
}

var negativeWords = map[string]bool{
	"hate": true, "bad": true, "worst": true, "terrible": true,
	"awful": true, "boring": true, "trash": true, "horrible": true,
	"dislike": true, "disappointing": true,
}

func scoreWords(text string) int {
	var pos, neg int
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
	}
	switch {
	case pos > neg:
		return 1
	case neg > pos:
		return -1
	default:
		return 0
	}
}

// thumbnailProbe is the fallback image analyzer: decodes the asset and
// reports dimensions and mean luminance with coarse tags.
func thumbnailProbe(_ context.Context, snap *source.Snapshot) (any, error) {
	if len(snap.Thumbnail) == 0 {
		return nil, &AnalysisError{Stage: NameThumbnail, Reason: "no thumbnail asset in snapshot"}
	}
	img, format, err := image.Decode(bytes.NewReader(snap.Thumbnail))
	if err != nil {
		return nil, &AnalysisError{Stage: NameThumbnail, Reason: "undecodable image", Cause: err}
	}

	bounds := img.Bounds()
	p := ThumbnailPayload{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
	}

	// Sample on a coarse grid; exact per-pixel luminance is not worth the
	// cycles for a tagging heuristic.
	var sum, samples float64
	stepX := max(bounds.Dx()/32, 1)
	stepY := max(bounds.Dy()/32, 1)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			// Rec. 601 luma, 16-bit channels.
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
			samples++
		}
	}
	if samples > 0 {
		p.Luminance = sum / samples
	}

	if p.Luminance >= 0.6 {
		p.Tags = append(p.Tags, "bright")
	} else if p.Luminance <= 0.25 {
		p.Tags = append(p.Tags, "dark")
	}
	if p.Height > 0 && p.Width*9 == p.Height*16 {
		p.Tags = append(p.Tags, "16:9")
	}
	return p, nil
}

func competitorAnalyzer(set []string, lookup StatsLookup) Analyzer {
	return func(ctx context.Context, snap *source.Snapshot) (any, error) {
		if lookup == nil {
			return nil, &AnalysisError{Stage: NameCompetitor, Reason: "no comparison lookup configured"}
		}
		if len(set) == 0 {
			return nil, &AnalysisError{Stage: NameCompetitor, Reason: "empty comparison set"}
		}

		p := CompetitorPayload{SetSize: len(set), Rank: 1}
		for _, id := range set {
			if id == snap.EntityID {
				continue
			}
			stats, err := lookup(ctx, id)
			if err != nil {
				return nil, &AnalysisError{
					Stage:     NameCompetitor,
					Reason:    fmt.Sprintf("lookup %s", id),
					Transient: source.IsTransient(err),
					Cause:     err,
				}
			}
			if stats.SubscriberCount > snap.SubscriberCount {
				p.Rank++
			}
			p.Compared = append(p.Compared, CompetitorDelta{
				ChannelID:       stats.ChannelID,
				Title:           stats.Title,
				SubscriberDelta: snap.SubscriberCount - stats.SubscriberCount,
				ViewDelta:       snap.ViewCount - stats.ViewCount,
				VideoDelta:      snap.VideoCount - stats.VideoCount,
			})
		}
		return p, nil
	}
}
