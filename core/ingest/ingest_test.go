package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flashback/core/apperr"
	"flashback/model"
)

type memStore struct {
	tasks []*model.Task
	err   error
}

func (m *memStore) StoreTask(ctx context.Context, task *model.Task) error {
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

type fixedSubjects struct {
	subjects []string
	got      string
}

func (f *fixedSubjects) Subjects(ctx context.Context, content string) ([]string, error) {
	f.got = content
	return f.subjects, nil
}

const threeChapters = "# Un\nPremier.\n# Deux\nDeuxième.\n# Trois\nTroisième.\n"

func TestIngestHeadingsMode(t *testing.T) {
	dir := t.TempDir()
	store := &memStore{}
	svc, err := NewService(Config{ArtifactsDir: dir, Mode: ModeHeadings}, store, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Ingest(context.Background(), Input{Filename: "histoire.md", Body: strings.NewReader(threeChapters)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if strings.Join(res.Chapters, ",") != "Un,Deux,Trois" {
		t.Fatalf("chapters = %v", res.Chapters)
	}
	if len(store.tasks) != 1 || store.tasks[0].ID != res.TaskID || store.tasks[0].Status != model.TaskStatusPending {
		t.Fatalf("stored = %+v", store.tasks)
	}
	if _, err := os.Stat(filepath.Join(dir, res.TaskID, "source")); !os.IsNotExist(err) {
		t.Fatal("temporary source should be removed")
	}
}

func TestIngestSubjectsMode(t *testing.T) {
	lister := &fixedSubjects{subjects: []string{"La prise de la Bastille", "Le sacre de Napoléon"}}
	store := &memStore{}
	svc, _ := NewService(Config{ArtifactsDir: t.TempDir()}, store, lister)

	res, err := svc.Ingest(context.Background(), Input{Filename: "notes.txt", Body: strings.NewReader("Quelques notes d'histoire.")})
	if err != nil {
		t.Fatal(err)
	}
	if lister.got != "Quelques notes d'histoire." {
		t.Fatalf("lister got %q", lister.got)
	}
	ch := store.tasks[0].Chapters
	if len(ch) != 2 || ch[1].Title != "Le sacre de Napoléon" || ch[1].Content != ch[1].Title {
		t.Fatalf("chapters = %+v", ch)
	}
	if len(res.Chapters) != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestIngestGivesEachUploadANewTask(t *testing.T) {
	store := &memStore{}
	svc, _ := NewService(Config{ArtifactsDir: t.TempDir(), Mode: ModeHeadings}, store, nil)
	a, _ := svc.Ingest(context.Background(), Input{Filename: "a.md", Body: strings.NewReader(threeChapters)})
	b, _ := svc.Ingest(context.Background(), Input{Filename: "a.md", Body: strings.NewReader(threeChapters)})
	if a.TaskID == b.TaskID {
		t.Fatal("re-upload reused the task id")
	}
	if store.tasks[0].Chapters[0].Content != "Premier." {
		t.Fatal("first task mutated")
	}
}

func TestIngestRejections(t *testing.T) {
	dir := t.TempDir()
	svc, _ := NewService(Config{ArtifactsDir: dir, Mode: ModeHeadings, MaxBytes: 10}, &memStore{}, nil)

	_, err := svc.Ingest(context.Background(), Input{Filename: "big.md", Body: strings.NewReader(threeChapters)})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	_, err = svc.Ingest(context.Background(), Input{Filename: "deck.pptx", Body: strings.NewReader("x")})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError for type, got %v", err)
	}
	_, err = svc.Ingest(context.Background(), Input{Filename: "", Body: strings.NewReader("x")})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError for name, got %v", err)
	}
	_, err = svc.Ingest(context.Background(), Input{Filename: "empty.md", Body: strings.NewReader("# t\n")})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty document, got %v", err)
	}

	left, _ := os.ReadDir(dir)
	if len(left) != 0 {
		t.Fatalf("failed uploads left task directories: %v", left)
	}
}

func TestNewServiceValidatesMode(t *testing.T) {
	if _, err := NewService(Config{Mode: "pages"}, &memStore{}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewService(Config{Mode: ModeSubjects}, &memStore{}, nil); err == nil {
		t.Fatal("expected error for subjects mode without lister")
	}
}
