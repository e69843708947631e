package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"flashback/core/apperr"
	"flashback/core/ingest"
	"flashback/core/pipeline"
	"flashback/logger"
	"flashback/model"
)

// Ingester creates tasks from uploaded documents.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (*ingest.Result, error)
}

// Processor runs the pipeline for one request.
type Processor interface {
	Run(ctx context.Context, req pipeline.Request, sink pipeline.Sink) error
}

// TaskReader is the read side of the record store.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetChapters(ctx context.Context, id string) ([]model.Chapter, error)
	GetProcessedChapters(ctx context.Context, taskID string) ([]*model.ProcessedChapter, error)
}

// EventLog replays recorded progress. Optional.
type EventLog interface {
	Events(ctx context.Context, taskID string) ([]json.RawMessage, error)
	LastStatus(ctx context.Context, taskID string) (string, error)
}

// Options configures the HTTP layer.
type Options struct {
	ArtifactsDir   string
	MaxUploadBytes int64
}

// Handler serves the HTTP API and the progress WebSocket.
type Handler struct {
	opts      Options
	ingester  Ingester
	tasks     TaskReader
	processor Processor
	events    EventLog
	upgrader  websocket.Upgrader

	// baseCtx outlives requests; it is cancelled on shutdown so running
	// WebSocket sessions stop.
	baseCtx context.Context
}

func NewHandler(baseCtx context.Context, opts Options, ingester Ingester, tasks TaskReader, processor Processor, events EventLog) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Handler{
		opts:      opts,
		ingester:  ingester,
		tasks:     tasks,
		processor: processor,
		events:    events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseCtx: baseCtx,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/api/upload", h.UploadHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/tasks/{id}", h.TaskStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/tasks/{id}/chapters", h.ProcessedChaptersHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/tasks/{id}/events", h.TaskEventsHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/process", h.ProcessWebSocketHandler)
	router.PathPrefix("/artifacts/").Handler(h.artifactsHandler())
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, ingest.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case apperr.IsValidation(err):
		return http.StatusUnprocessableEntity
	case apperr.IsTimeout(err):
		return http.StatusGatewayTimeout
	case apperr.IsAdapter(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UploadHandler accepts a multipart "file" and returns the new task id with
// its chapter titles.
func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	// Room for the multipart envelope; the file itself is checked exactly by ingest.
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		if status == http.StatusRequestEntityTooLarge {
			writeError(w, status, "File too large")
			return
		}
		writeError(w, status, "Invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing form field \"file\"")
		return
	}
	defer file.Close()
	if header.Size > h.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	res, err := h.ingester.Ingest(r.Context(), ingest.Input{Filename: header.Filename, Body: file})
	if err != nil {
		status := statusFor(err)
		logger.Warn("Upload rejected",
			logger.String("filename", header.Filename),
			logger.Int("status", status),
			logger.ErrorField(err))
		if status == http.StatusRequestEntityTooLarge {
			writeError(w, status, "File too large")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type taskStatusResponse struct {
	TaskID           string    `json:"task_id"`
	OriginalFilename string    `json:"original_filename"`
	Status           string    `json:"status"`
	Chapters         []string  `json:"chapters"`
	UploadedAt       time.Time `json:"uploaded_at"`
	Progress         string    `json:"progress,omitempty"`
}

// TaskStatusHandler returns the stored state of a task.
func (h *Handler) TaskStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		logger.Error("Failed to load task", logger.TaskID(id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	resp := taskStatusResponse{
		TaskID:           task.ID,
		OriginalFilename: task.OriginalFilename,
		Status:           task.Status,
		Chapters:         task.ChapterTitles(),
		UploadedAt:       task.UploadedAt,
	}
	if h.events != nil {
		if st, err := h.events.LastStatus(r.Context(), id); err == nil {
			resp.Progress = st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProcessedChaptersHandler lists the latest run of each processed chapter.
func (h *Handler) ProcessedChaptersHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rows, err := h.tasks.GetProcessedChapters(r.Context(), id)
	if err != nil {
		logger.Error("Failed to load processed chapters", logger.TaskID(id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load processed chapters")
		return
	}
	if rows == nil {
		rows = []*model.ProcessedChapter{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// TaskEventsHandler replays the recorded progress events of the last run.
func (h *Handler) TaskEventsHandler(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "Progress history is not enabled")
		return
	}
	id := mux.Vars(r)["id"]
	events, err := h.events.Events(r.Context(), id)
	if err != nil {
		logger.Error("Failed to load progress events", logger.TaskID(id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load progress events")
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, events)
}

// artifactsHandler serves rendered files under ArtifactsDir without
// directory listings.
func (h *Handler) artifactsHandler() http.Handler {
	fs := http.StripPrefix("/artifacts/", http.FileServer(http.Dir(h.opts.ArtifactsDir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean("/" + strings.TrimPrefix(r.URL.Path, "/artifacts/"))
		info, err := os.Stat(filepath.Join(h.opts.ArtifactsDir, filepath.FromSlash(clean)))
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		fs.ServeHTTP(w, r)
	})
}
