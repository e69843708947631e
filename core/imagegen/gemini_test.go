package imagegen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/genai"

	"flashback/core/apperr"
)

type fakeModels struct {
	resp   *genai.GenerateContentResponse
	err    error
	model  string
	config *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = config
	return f.resp, f.err
}

func response(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

func TestGenerateWritesImageWithInferredExtension(t *testing.T) {
	fake := &fakeModels{resp: response(
		&genai.Part{Text: "Here is your image"},
		&genai.Part{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: []byte("jpegdata")}},
	)}
	dir := t.TempDir()
	g := newGemini(fake, "")

	art, err := g.Generate(context.Background(), "A ship at dawn", dir, "image_3")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if art.Path != filepath.Join(dir, "image_3.jpg") || art.MIMEType != "image/jpeg" {
		t.Fatalf("artifact = %+v", art)
	}
	data, _ := os.ReadFile(art.Path)
	if string(data) != "jpegdata" {
		t.Fatalf("file content = %q", data)
	}
	if fake.model != "gemini-2.0-flash-exp" {
		t.Fatalf("model = %s", fake.model)
	}
	if len(fake.config.ResponseModalities) != 2 || fake.config.ResponseModalities[0] != "IMAGE" {
		t.Fatalf("modalities = %v", fake.config.ResponseModalities)
	}
}

func TestGenerateWithoutImageIsAdapterError(t *testing.T) {
	g := newGemini(&fakeModels{resp: response(&genai.Part{Text: "I cannot draw that"})}, "m")
	_, err := g.Generate(context.Background(), "x", t.TempDir(), "image_1")
	if !apperr.IsAdapter(err) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
}

func TestGenerateUpstreamFailure(t *testing.T) {
	g := newGemini(&fakeModels{err: errors.New("quota exceeded")}, "m")
	_, err := g.Generate(context.Background(), "x", t.TempDir(), "image_1")
	var ae *apperr.AdapterError
	if !errors.As(err, &ae) || ae.Service != "gemini" {
		t.Fatalf("expected gemini AdapterError, got %v", err)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/png":                ".png",
		"image/jpeg":               ".jpg",
		"image/webp; charset=none": ".webp",
		"":                         ".png",
		"application/x-unknown":    ".png",
	}
	for in, want := range tests {
		if got := extensionFor(in); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}
