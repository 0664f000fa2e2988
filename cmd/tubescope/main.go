// Entry point for the tubescope analytics service: chi HTTP API for the
// dashboard, optional MCP stdio transport for assistants, background
// scheduler for tracked entities.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tubescope/dbopen"
	"github.com/hazyhaar/tubescope/idgen"
	"github.com/hazyhaar/tubescope/insight"
	"github.com/hazyhaar/tubescope/kit"
)

func main() {
	// Local overrides, ignored when absent.
	_ = godotenv.Load()

	port := env("PORT", "8086")
	dbPath := env("DB_PATH", "db/tubescope.db")
	configPath := env("CONFIG_FILE", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := insight.LoadConfig(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if key := os.Getenv("YOUTUBE_API_KEY"); key != "" {
		cfg.Source.APIKey = key
	}
	if cfg.Source.APIKey == "" {
		slog.Error("YOUTUBE_API_KEY is required")
		os.Exit(1)
	}

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	svc, err := insight.New(db, cfg, logger)
	if err != nil {
		slog.Error("insight service", "error", err)
		os.Exit(1)
	}

	// Stdio mode: serve MCP on stdin/stdout and nothing else. The JSON
	// logs go to stderr so they never corrupt the protocol stream.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "tubescope",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)

		go svc.Start(ctx)
		slog.Info("MCP stdio starting")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio", "error", err)
			os.Exit(1)
		}
		return
	}

	go svc.Start(ctx)

	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// --- Entities ---

	r.Get("/api/entities", func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("kind")
		tracked := r.URL.Query().Get("tracked") == "true"
		entities, err := svc.ListEntities(r.Context(), kind, tracked)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"entities": entities})
	})

	r.Get("/api/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Query(r.Context(), chi.URLParam(r, "id"), queryStages(r))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, rec)
	})

	r.Post("/api/entities/{id}/analyze", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Analyze(r.Context(), chi.URLParam(r, "id"), queryStages(r))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, rec)
	})

	r.Delete("/api/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	})

	r.Post("/api/entities/{id}/track", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshInterval int64 `json:"refresh_interval"` // ms
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
		}
		rec, err := svc.Track(r.Context(), chi.URLParam(r, "id"),
			time.Duration(req.RefreshInterval)*time.Millisecond)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, rec)
	})

	r.Post("/api/entities/{id}/untrack", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Untrack(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "untracked"})
	})

	// --- Channels ---

	r.Post("/api/channels/{id}/collect", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.CollectChannel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, rec)
	})

	r.Get("/api/channels/{id}/overview", func(w http.ResponseWriter, r *http.Request) {
		ov, err := svc.Overview(r.Context(), chi.URLParam(r, "id"), queryInt(r, "top_n", 5))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, ov)
	})

	r.Get("/api/channels/{id}/recommendations", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Recommend(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, rec)
	})

	r.Post("/api/compare", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChannelIDs []string `json:"channel_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		cmp, err := svc.Compare(r.Context(), req.ChannelIDs)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, cmp)
	})

	// --- Observability ---

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, st)
	})

	r.Get("/api/fetch-log", func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.FetchHistory(r.Context(),
			r.URL.Query().Get("entity_id"), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{"entries": entries})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Helpers ---

// requestID tags every request so service log lines can be correlated.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, idgen.New())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, insight.ErrInvalidInput), errors.Is(err, insight.ErrUnknownStage):
		return 400
	case errors.Is(err, insight.ErrNotFound):
		return 404
	case errors.Is(err, insight.ErrRateLimited):
		return 429
	default:
		return 500
	}
}

// queryStages parses the comma-separated ?stages= filter. Empty means all.
func queryStages(r *http.Request) []string {
	s := r.URL.Query().Get("stages")
	if s == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
