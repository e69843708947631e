// Package imagegen renders illustrations for caption cues.
package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"google.golang.org/genai"

	"flashback/core/apperr"
	"flashback/core/utils"
	"flashback/logger"
)

// Artifact is one generated image on disk.
type Artifact struct {
	Path     string
	MIMEType string
}

// Generator renders prompt into dir/baseName.<ext>.
type Generator interface {
	Generate(ctx context.Context, prompt, dir, baseName string) (Artifact, error)
}

// contentGenerator is the slice of genai.Models we use.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures the Gemini image client.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// Gemini implements Generator with a multimodal Gemini model.
type Gemini struct {
	models contentGenerator
	model  string
}

var _ Generator = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGemini(client.Models, cfg.Model), nil
}

func newGemini(models contentGenerator, model string) *Gemini {
	if model == "" {
		model = "gemini-2.0-flash-exp"
	}
	return &Gemini{models: models, model: model}
}

func (g *Gemini) Generate(ctx context.Context, prompt, dir, baseName string) (Artifact, error) {
	if strings.TrimSpace(prompt) == "" {
		return Artifact{}, apperr.Invalid("prompt", "image prompt is empty")
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return Artifact{}, &apperr.AdapterError{Service: "gemini", Op: "image", Err: err}
	}

	blob, text := firstInlineData(resp)
	if blob == nil {
		msg := "response contained no image"
		if text != "" {
			msg += ": " + utils.Truncate(text, 200)
		}
		return Artifact{}, &apperr.AdapterError{Service: "gemini", Op: "image", Message: msg}
	}

	path := filepath.Join(dir, baseName+extensionFor(blob.MIMEType))
	if _, err := utils.WriteFileAtomic(path, bytes.NewReader(blob.Data)); err != nil {
		return Artifact{}, fmt.Errorf("failed to save image: %w", err)
	}
	logger.Debug("Image generated",
		logger.String("path", path),
		logger.String("mimeType", blob.MIMEType),
		logger.Int("bytes", len(blob.Data)))
	return Artifact{Path: path, MIMEType: blob.MIMEType}, nil
}

// firstInlineData returns the first image part and any text the model
// produced alongside it.
func firstInlineData(resp *genai.GenerateContentResponse) (*genai.Blob, string) {
	if resp == nil {
		return nil, ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData, text.String()
			}
			text.WriteString(part.Text)
		}
	}
	return nil, text.String()
}

var knownExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// extensionFor maps a media type to a file extension, ".png" when unknown.
func extensionFor(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if ext, ok := knownExtensions[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".png"
}
