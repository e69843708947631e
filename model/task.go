package model

import (
	"time"

	"gorm.io/datatypes"
)

// Task status values. completed and failed are terminal.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Processed chapter status values.
const (
	ChapterStatusCompleted = "completed"
	ChapterStatusFailed    = "failed"
)

// Chapter is one unit of source material. Written once at upload.
type Chapter struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Task 一次文档到视频的处理任务
type Task struct {
	ID               string                       `json:"task_id" gorm:"primaryKey;size:36"`
	OriginalFilename string                       `json:"original_filename" gorm:"size:255"`
	Chapters         datatypes.JSONSlice[Chapter] `json:"chapters"`
	Status           string                       `json:"status" gorm:"size:20;default:'pending';index"`
	UploadedAt       time.Time                    `json:"uploaded_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// TableName 指定表名
func (Task) TableName() string {
	return "tasks"
}

// IsTerminal reports whether the status can no longer change.
func IsTerminal(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// ChapterTitles returns the titles in chapter order.
func (t *Task) ChapterTitles() []string {
	titles := make([]string, 0, len(t.Chapters))
	for _, c := range t.Chapters {
		titles = append(titles, c.Title)
	}
	return titles
}

// ProcessedChapter records the latest run of one chapter.
type ProcessedChapter struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID       string    `json:"task_id" gorm:"size:36;not null;uniqueIndex:idx_task_chapter"`
	ChapterIndex int       `json:"chapter_index" gorm:"not null;uniqueIndex:idx_task_chapter"`
	Title        string    `json:"title" gorm:"size:255"`
	Script       string    `json:"script" gorm:"type:text"`
	AudioURL     string    `json:"audio_url" gorm:"size:1024"`
	VideoPath    string    `json:"video_path" gorm:"size:1024"`
	VideoURL     string    `json:"video_url,omitempty" gorm:"size:1024"`
	Segments     int       `json:"segments"`
	SkippedCues  int       `json:"skipped_cues"`
	Status       string    `json:"status" gorm:"size:20;index"`
	ErrorKind    string    `json:"error_kind,omitempty" gorm:"size:20"`
	Error        string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ProcessedChapter) TableName() string {
	return "processed_chapters"
}

// AllModels lists every model that AutoMigrate manages.
func AllModels() []interface{} {
	return []interface{}{&Task{}, &ProcessedChapter{}}
}
