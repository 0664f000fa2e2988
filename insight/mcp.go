package insight

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tubescope/idgen"
	"github.com/hazyhaar/tubescope/kit"
)

// RegisterMCP registers all analytics tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerAnalyze(srv)
	svc.registerQuery(srv)
	svc.registerCollectChannel(srv)
	svc.registerOverview(srv)
	svc.registerRecommend(srv)
	svc.registerCompare(srv)
	svc.registerTrack(srv)
	svc.registerUntrack(srv)
	svc.registerListEntities(srv)
	svc.registerStats(srv)
	svc.registerFetchHistory(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- Analysis ---

func (svc *Service) registerAnalyze(srv *mcp.Server) {
	type req struct {
		EntityID string   `json:"entity_id"`
		Stages   []string `json:"stages"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_analyze",
		Description: "Fetch fresh statistics for a channel or video and run analysis stages",
		InputSchema: inputSchema(map[string]any{
			"entity_id": map[string]any{"type": "string", "description": "Channel ID (UC...) or video ID"},
			"stages": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Stage names to run; omit for all registered stages",
			},
		}, []string{"entity_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Analyze(ctx, p.EntityID, p.Stages)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerQuery(srv *mcp.Server) {
	type req struct {
		EntityID string   `json:"entity_id"`
		Stages   []string `json:"stages"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_query",
		Description: "Return the stored analytics record for an entity without calling upstream",
		InputSchema: inputSchema(map[string]any{
			"entity_id": map[string]any{"type": "string", "description": "Channel ID or video ID"},
			"stages": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Stage names to return; omit for all",
			},
		}, []string{"entity_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Query(ctx, p.EntityID, p.Stages)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerCollectChannel(srv *mcp.Server) {
	type req struct {
		ChannelID string `json:"channel_id"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_collect_channel",
		Description: "Analyze a channel and ingest its recent videos for overview and recommendation queries",
		InputSchema: inputSchema(map[string]any{
			"channel_id": map[string]any{"type": "string", "description": "Channel ID (UC...)"},
		}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.CollectChannel(ctx, p.ChannelID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerOverview(srv *mcp.Server) {
	type req struct {
		ChannelID string `json:"channel_id"`
		TopN      int    `json:"top_n"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_overview",
		Description: "Summarize a channel's collected videos: view distribution, engagement, top and bottom performers",
		InputSchema: inputSchema(map[string]any{
			"channel_id": map[string]any{"type": "string", "description": "Channel ID (UC...)"},
			"top_n":      map[string]any{"type": "integer", "description": "How many top/bottom videos to include (default 5)"},
		}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Overview(ctx, p.ChannelID, p.TopN)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerRecommend(srv *mcp.Server) {
	type req struct {
		ChannelID string `json:"channel_id"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_recommend",
		Description: "Produce content recommendations for a channel from its engagement and view patterns",
		InputSchema: inputSchema(map[string]any{
			"channel_id": map[string]any{"type": "string", "description": "Channel ID (UC...)"},
		}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Recommend(ctx, p.ChannelID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerCompare(srv *mcp.Server) {
	type req struct {
		ChannelIDs []string `json:"channel_ids"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_compare",
		Description: "Rank a set of channels against each other by subscribers, views and output",
		InputSchema: inputSchema(map[string]any{
			"channel_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Two or more channel IDs",
			},
		}, []string{"channel_ids"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Compare(ctx, p.ChannelIDs)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

// --- Tracking ---

func (svc *Service) registerTrack(srv *mcp.Server) {
	type req struct {
		EntityID        string `json:"entity_id"`
		RefreshInterval int64  `json:"refresh_interval"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_track",
		Description: "Track an entity for periodic background refresh",
		InputSchema: inputSchema(map[string]any{
			"entity_id":        map[string]any{"type": "string", "description": "Channel ID or video ID"},
			"refresh_interval": map[string]any{"type": "integer", "description": "Refresh interval in ms (default 1h)"},
		}, []string{"entity_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Track(ctx, p.EntityID, time.Duration(p.RefreshInterval)*time.Millisecond)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerUntrack(srv *mcp.Server) {
	type req struct {
		EntityID string `json:"entity_id"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_untrack",
		Description: "Stop background refresh for an entity, keeping its stored record",
		InputSchema: inputSchema(map[string]any{
			"entity_id": map[string]any{"type": "string", "description": "Channel ID or video ID"},
		}, []string{"entity_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.Untrack(ctx, p.EntityID); err != nil {
			return nil, err
		}
		return map[string]any{"untracked": p.EntityID}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (svc *Service) registerListEntities(srv *mcp.Server) {
	type req struct {
		Kind    string `json:"kind"`
		Tracked bool   `json:"tracked"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_list_entities",
		Description: "List stored entities, optionally filtered by kind or tracking state",
		InputSchema: inputSchema(map[string]any{
			"kind":    map[string]any{"type": "string", "description": "Filter: channel or video"},
			"tracked": map[string]any{"type": "boolean", "description": "Only tracked entities"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.ListEntities(ctx, p.Kind, p.Tracked)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

// --- Observability ---

func (svc *Service) registerStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tubescope_stats",
		Description: "Aggregate counters: entities, results by status, recent fetch volume",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.Stats(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}, EnrichCtx: enrichMCP}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerFetchHistory(srv *mcp.Server) {
	type req struct {
		EntityID string `json:"entity_id"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "tubescope_fetch_history",
		Description: "Recent upstream fetch attempts with status and duration",
		InputSchema: inputSchema(map[string]any{
			"entity_id": map[string]any{"type": "string", "description": "Filter to one entity"},
			"limit":     map[string]any{"type": "integer", "description": "Max entries (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.FetchHistory(ctx, p.EntityID, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

// decodeInto unmarshals tool arguments into a typed request.
func decodeInto[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p, EnrichCtx: enrichMCP}, nil
}

func enrichMCP(ctx context.Context) context.Context {
	ctx = kit.WithTransport(ctx, "mcp")
	return kit.WithRequestID(ctx, idgen.New())
}
