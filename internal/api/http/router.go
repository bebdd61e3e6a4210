package http

import (
	"context"
	"net/http"

	"github.com/mldata/mldata/internal/cache"
	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/notify"
	"github.com/mldata/mldata/internal/observability"
	"github.com/mldata/mldata/internal/preview"
	"github.com/mldata/mldata/internal/progress"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
)

// Ingester is the part of the ingestion controller the handlers drive.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*records.Dataset, error)
	RegisterTask(ctx context.Context, req ingest.TaskRequest) (*records.Task, error)
}

// DPISource resolves the split image resolution of a display tier.
type DPISource interface {
	DPI(tier string) (int, error)
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Ingester  Ingester
	Records   records.Store
	Store     *storage.Store
	Converter *convert.Converter
	Preview   *preview.Engine
	Exports   *cache.ExportCache
	Prefs     DPISource
	Progress  *progress.Tracker
	Mail      notify.Sink
	Metrics   *observability.Metrics
	// TempDir holds files fetched from the bytes store for one request.
	TempDir string
	// MaxUploadBytes caps request bodies of uploads; 0 disables the cap.
	MaxUploadBytes int64
}

// NewRouter registers every route on a new mux and wraps it in the default
// middleware chain.
func NewRouter(deps Deps) http.Handler {
	if deps.Mail == nil {
		deps.Mail = notify.LogSink{}
	}
	if deps.Progress == nil {
		deps.Progress = progress.NewTracker(progress.DefaultTTL)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /datasets", deps.Progress.Filter(NewUploadHandler(deps)))
	mux.Handle("GET /progress", deps.Progress.Handler())
	mux.Handle("GET /datasets/{slug}/extract", NewExtractHandler(deps))
	mux.Handle("GET /datasets/{slug}/download/{format}", NewDownloadHandler(deps))
	mux.Handle("POST /tasks", NewTaskHandler(deps))
	mux.Handle("GET /tasks/{slug}/split.png", NewSplitImageHandler(deps))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", healthHandler)

	return DefaultMiddleware()(mux)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
