package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ARTIFACTS_DIR", "scratch")
	cfg := FromEnv()

	if cfg.MaxUploadBytes() != 100<<20 {
		t.Fatalf("MaxUploadBytes = %d", cfg.MaxUploadBytes())
	}
	if cfg.TranscribePollInterval != 2*time.Second || cfg.TranscribeMaxAttempts != 30 {
		t.Fatalf("poller defaults = %v/%d", cfg.TranscribePollInterval, cfg.TranscribeMaxAttempts)
	}
	if got := cfg.TaskDir("abc"); got != filepath.Join("scratch", "abc") {
		t.Fatalf("TaskDir = %q", got)
	}
	if cfg.ChapterMode != "subjects" {
		t.Fatalf("ChapterMode = %q", cfg.ChapterMode)
	}
}

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"3", 3 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"nope", time.Minute},
	}
	for _, tc := range cases {
		t.Setenv("TEST_DURATION", tc.value)
		if got := getEnvDuration("TEST_DURATION", time.Minute); got != tc.want {
			t.Errorf("%q -> %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestLoadPrompts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	doc := "script:\n  Quiz:\n    system_prompt: \"Pose trois questions.\"\n    max_words: 120\nsubjects: \"Liste les sujets.\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	quiz, ok := p.Script["Quiz"]
	if !ok || quiz.SystemPrompt != "Pose trois questions." || quiz.MaxWords != 120 {
		t.Fatalf("unexpected quiz policy: %+v", quiz)
	}
	if p.Subjects != "Liste les sujets." {
		t.Fatalf("Subjects = %q", p.Subjects)
	}

	empty, err := LoadPrompts("")
	if err != nil || len(empty.Script) != 0 {
		t.Fatalf("empty path: %+v, %v", empty, err)
	}
}
