package repository

import (
	"context"
	"errors"
	"fmt"

	"flashback/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskRepository stores tasks, their chapters and the processed results.
type TaskRepository interface {
	StoreTask(ctx context.Context, task *model.Task) error
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// GetChapters returns nil, nil when the task does not exist.
	GetChapters(ctx context.Context, id string) ([]model.Chapter, error)
	// UpdateStatus changes the status unless the task is already terminal.
	// It reports whether a row changed.
	UpdateStatus(ctx context.Context, id, status string) (bool, error)
	StoreProcessedChapter(ctx context.Context, pc *model.ProcessedChapter) error
	GetProcessedChapters(ctx context.Context, taskID string) ([]*model.ProcessedChapter, error)
}

type gormTaskRepository struct {
	db *gorm.DB
}

// NewGormTaskRepository returns a TaskRepository backed by GORM.
func NewGormTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

func (r *gormTaskRepository) StoreTask(ctx context.Context, task *model.Task) error {
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to store task %s: %w", task.ID, err)
	}
	return nil
}

func (r *gormTaskRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

func (r *gormTaskRepository) GetChapters(ctx context.Context, id string) ([]model.Chapter, error) {
	task, err := r.GetTask(ctx, id)
	if err != nil || task == nil {
		return nil, err
	}
	chapters := make([]model.Chapter, len(task.Chapters))
	copy(chapters, task.Chapters)
	return chapters, nil
}

func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id, status string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status NOT IN ?", id, []string{model.TaskStatusCompleted, model.TaskStatusFailed}).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update status of task %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// StoreProcessedChapter upserts on (task_id, chapter_index); a re-run replaces the previous row.
func (r *gormTaskRepository) StoreProcessedChapter(ctx context.Context, pc *model.ProcessedChapter) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}, {Name: "chapter_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "script", "audio_url", "video_path", "video_url",
			"segments", "skipped_cues", "status", "error_kind", "error", "updated_at",
		}),
	}).Create(pc).Error
	if err != nil {
		return fmt.Errorf("failed to store processed chapter %s/%d: %w", pc.TaskID, pc.ChapterIndex, err)
	}
	return nil
}

func (r *gormTaskRepository) GetProcessedChapters(ctx context.Context, taskID string) ([]*model.ProcessedChapter, error) {
	var rows []*model.ProcessedChapter
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("chapter_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get processed chapters of task %s: %w", taskID, err)
	}
	return rows, nil
}
