// Package ingest turns an uploaded document into a stored task.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"flashback/core/apperr"
	"flashback/core/document"
	"flashback/core/utils"
	"flashback/logger"
	"flashback/model"
)

// Chapter modes.
const (
	ModeSubjects = "subjects"
	ModeHeadings = "headings"
)

// ErrTooLarge is returned when the document exceeds the upload limit.
var ErrTooLarge = errors.New("document exceeds the upload size limit")

// TaskStore persists new tasks.
type TaskStore interface {
	StoreTask(ctx context.Context, task *model.Task) error
}

// SubjectLister lists the key subjects of a document.
type SubjectLister interface {
	Subjects(ctx context.Context, content string) ([]string, error)
}

// Config controls where uploads are staged and how they are split.
type Config struct {
	ArtifactsDir string
	Mode         string
	MaxBytes     int64
}

// Input is one uploaded document.
type Input struct {
	Filename string    `json:"filename" validate:"required,max=255"`
	Body     io.Reader `json:"-" validate:"required"`
}

// Result is what the caller needs to start processing.
type Result struct {
	TaskID   string   `json:"task_id"`
	Chapters []string `json:"chapters"`
}

// Service stages, extracts, segments and stores documents.
type Service struct {
	cfg      Config
	store    TaskStore
	subjects SubjectLister
}

func NewService(cfg Config, store TaskStore, subjects SubjectLister) (*Service, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeSubjects
	case ModeSubjects, ModeHeadings:
	default:
		return nil, fmt.Errorf("unknown chapter mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeSubjects && subjects == nil {
		return nil, fmt.Errorf("chapter mode %q needs a subject lister", cfg.Mode)
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = "artifacts"
	}
	return &Service{cfg: cfg, store: store, subjects: subjects}, nil
}

// Ingest creates a new task for in. Every call yields a fresh task id, so
// re-uploading a document never touches an earlier task.
func (s *Service) Ingest(ctx context.Context, in Input) (*Result, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	name := filepath.Base(in.Filename)
	if !document.IsSupported(name) {
		return nil, apperr.Invalid("file", "unsupported file type %q, expected one of %s", filepath.Ext(name), strings.Join(document.SupportedExtensions, ", "))
	}

	taskID := uuid.NewString()
	taskDir := filepath.Join(s.cfg.ArtifactsDir, taskID)
	sourceDir := filepath.Join(taskDir, "source")
	stored := false
	defer func() {
		os.RemoveAll(sourceDir)
		if !stored {
			os.RemoveAll(taskDir)
		}
	}()

	sourcePath := filepath.Join(sourceDir, name)
	body := in.Body
	if s.cfg.MaxBytes > 0 {
		body = io.LimitReader(in.Body, s.cfg.MaxBytes+1)
	}
	n, err := utils.WriteFileAtomic(sourcePath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	if s.cfg.MaxBytes > 0 && n > s.cfg.MaxBytes {
		return nil, ErrTooLarge
	}

	markdown, err := document.Extract(sourcePath)
	if err != nil {
		return nil, err
	}

	chapters, err := s.split(ctx, markdown)
	if err != nil {
		return nil, err
	}
	if len(chapters) == 0 {
		return nil, apperr.Invalid("file", "no chapters found in %s", name)
	}

	task := &model.Task{
		ID:               taskID,
		OriginalFilename: name,
		Chapters:         chapters,
		Status:           model.TaskStatusPending,
	}
	if err := s.store.StoreTask(ctx, task); err != nil {
		return nil, err
	}
	stored = true

	logger.Info("Task created",
		logger.TaskID(taskID),
		logger.String("filename", name),
		logger.String("mode", s.cfg.Mode),
		logger.Int("chapters", len(chapters)),
		logger.Int64("bytes", n))

	return &Result{TaskID: taskID, Chapters: task.ChapterTitles()}, nil
}

func (s *Service) split(ctx context.Context, markdown string) ([]model.Chapter, error) {
	if s.cfg.Mode == ModeHeadings {
		return document.SplitChapters(markdown), nil
	}
	if strings.TrimSpace(markdown) == "" {
		return nil, nil
	}
	subjects, err := s.subjects.Subjects(ctx, markdown)
	if err != nil {
		return nil, err
	}
	chapters := make([]model.Chapter, 0, len(subjects))
	for _, subj := range subjects {
		chapters = append(chapters, model.Chapter{Title: subj, Content: subj})
	}
	return chapters, nil
}
