// Package document turns uploaded files into markdown and chapters.
package document

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"flashback/core/apperr"
	"flashback/model"
)

// SupportedExtensions lists the file types Extract understands.
var SupportedExtensions = []string{".md", ".markdown", ".txt", ".pdf"}

// IsSupported reports whether filename has an extension Extract can read.
func IsSupported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Extract returns the text of the document at path as markdown. Plain text
// is returned as is.
func Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown", ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return normalizeNewlines(string(data)), nil
	case ".pdf":
		return extractPDF(path)
	default:
		return "", apperr.Invalid("file", "unsupported document type %q", ext)
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", apperr.Invalid("file", "unreadable pdf: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to read pdf page %d: %w", i, err)
		}
		buf.WriteString(strings.TrimSpace(text))
		buf.WriteString("\n\n")
	}
	return normalizeNewlines(buf.String()), nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// SplitChapters splits markdown on heading lines. Text before the first
// heading becomes an untitled chapter; headings without body are dropped.
func SplitChapters(markdown string) []model.Chapter {
	var (
		chapters []model.Chapter
		title    string
		body     strings.Builder
	)
	flush := func() {
		content := strings.TrimSpace(body.String())
		if content != "" {
			chapters = append(chapters, model.Chapter{Title: strings.TrimSpace(title), Content: content})
		}
		body.Reset()
	}

	for _, line := range strings.Split(normalizeNewlines(markdown), "\n") {
		if strings.HasPrefix(line, "#") {
			flush()
			title = strings.TrimLeft(line, "#")
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return chapters
}
