package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/prefs"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
	"github.com/mldata/mldata/internal/task"
)

// SplitRequest is one train/validation/test partition, each part a range
// string such as "0:5,7".
type SplitRequest struct {
	Train      string `json:"train"`
	Validation string `json:"validation,omitempty"`
	Test       string `json:"test"`
}

// TaskRequest is the body of POST /tasks.
type TaskRequest struct {
	Name            string         `json:"name"`
	Slug            string         `json:"slug,omitempty"`
	Dataset         string         `json:"dataset"`
	Splits          []SplitRequest `json:"splits"`
	InputVariables  []int          `json:"input_variables,omitempty"`
	OutputVariables []int          `json:"output_variables,omitempty"`
	LabelDims       []int          `json:"label_dims,omitempty"`
	Public          bool           `json:"public"`
}

// TaskView is the JSON form of a task record.
type TaskView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Version   int       `json:"version"`
	Dataset   string    `json:"dataset"`
	FileName  string    `json:"file_name"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

func newTaskView(t *records.Task) *TaskView {
	return &TaskView{
		ID:        t.ID,
		Name:      t.Name,
		Slug:      t.Slug,
		Version:   t.Version,
		Dataset:   t.DatasetSlug,
		FileName:  t.FileName,
		Public:    t.IsPublic,
		CreatedAt: t.CreatedAt,
	}
}

func indices(s string) task.Indices {
	if s == "" {
		return task.Indices{}
	}
	return task.Ranges(s)
}

// TaskHandler handles POST /tasks.
type TaskHandler struct {
	ingester Ingester
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(deps Deps) *TaskHandler {
	return &TaskHandler{ingester: deps.Ingester}
}

// ServeHTTP handles the task HTTP request.
func (h *TaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.Name == "" || req.Dataset == "" {
		writeError(w, http.StatusBadRequest, "name and dataset are required", requestID)
		return
	}

	spec := &task.Spec{
		InputVars:  req.InputVariables,
		OutputVars: req.OutputVariables,
		LabelDims:  req.LabelDims,
	}
	for _, s := range req.Splits {
		spec.Splits = append(spec.Splits, task.SplitSpec{
			Train:      indices(s.Train),
			Validation: indices(s.Validation),
			Test:       indices(s.Test),
		})
	}

	t, err := h.ingester.RegisterTask(r.Context(), ingest.TaskRequest{
		Name:        req.Name,
		Slug:        req.Slug,
		DatasetSlug: req.Dataset,
		Spec:        spec,
		Public:      req.Public,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(t))
}

// SplitImageHandler handles GET /tasks/{slug}/split.png. The query
// parameter tier picks the resolution from the preference store; split
// restricts the image to one split.
type SplitImageHandler struct {
	records records.Store
	store   *storage.Store
	prefs   DPISource
	tempDir string
}

// NewSplitImageHandler creates a new split image handler.
func NewSplitImageHandler(deps Deps) *SplitImageHandler {
	return &SplitImageHandler{
		records: deps.Records,
		store:   deps.Store,
		prefs:   deps.Prefs,
		tempDir: deps.TempDir,
	}
}

// ServeHTTP handles the split image HTTP request.
func (h *SplitImageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	ctx := r.Context()

	split := -1
	if v := r.URL.Query().Get("split"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid split %q", v), requestID)
			return
		}
		split = n
	}
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		tier = prefs.TierSmall
	}

	t, err := h.records.GetTask(ctx, r.PathValue("slug"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	work, err := os.MkdirTemp(h.tempDir, "split-")
	if err != nil {
		writeFailure(w, r, fmt.Errorf("http: failed to create working directory: %w", err))
		return
	}
	defer os.RemoveAll(work)
	local := filepath.Join(work, filepath.Base(t.FileName))
	if err := h.store.FetchTask(ctx, t.FileName, local); err != nil {
		writeFailure(w, r, err)
		return
	}

	var rows [][]int32
	if split >= 0 {
		row, err := task.SplitImage(ctx, local, split)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		rows = [][]int32{row}
	} else if rows, err = task.SplitImages(ctx, local); err != nil {
		writeFailure(w, r, err)
		return
	}

	dpi := 0
	if h.prefs != nil {
		if dpi, err = h.prefs.DPI(tier); err != nil {
			writeFailure(w, r, err)
			return
		}
	}
	img, err := task.RenderSplitImage(rows, dpi)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	w.Write(img)
}
