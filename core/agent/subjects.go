package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"flashback/core/apperr"
	"flashback/model"
)

// DefaultSubjectsPrompt asks for the list of chapters to narrate.
const DefaultSubjectsPrompt = `Generate a list of key subjects from the given content. Give enough information about each subject and do not repeat a key subject:
each one must be unique in the list. A subject must have at least 2 words and must be comprehensible enough
to generate a short video about it. Answer with a JSON array of strings and nothing else.`

// SubjectLister extracts the key subjects of a document.
type SubjectLister struct {
	chat         ChatCompleter
	model        string
	systemPrompt string
}

func NewSubjectLister(chat ChatCompleter, model, systemPrompt string) *SubjectLister {
	if systemPrompt == "" {
		systemPrompt = DefaultSubjectsPrompt
	}
	return &SubjectLister{chat: chat, model: model, systemPrompt: systemPrompt}
}

// Subjects returns unique, non-empty subjects in the order the model gave them.
func (l *SubjectLister) Subjects(ctx context.Context, content string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Invalid("content", "document is empty")
	}
	text, err := l.chat.Chat(ctx, model.ChatRequest{
		Model: l.model,
		Messages: []model.ChatMessage{
			{Role: "system", Content: l.systemPrompt},
			{Role: "user", Content: content},
		},
	})
	if err != nil {
		return nil, err
	}
	subjects := parseSubjects(text)
	if len(subjects) == 0 {
		return nil, &apperr.AdapterError{Service: "mistral", Op: "subjects", Message: "model returned no subjects"}
	}
	return subjects, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)

// parseSubjects accepts a JSON array, an object holding one array, or a plain
// bulleted / numbered list.
func parseSubjects(text string) []string {
	text = stripCodeFence(text)

	var items []string
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		items = nil
		var obj map[string][]string
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			for _, v := range obj {
				items = append(items, v...)
			}
		} else {
			for _, line := range strings.Split(text, "\n") {
				items = append(items, listMarker.ReplaceAllString(line, ""))
			}
		}
	}

	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.Trim(strings.TrimSpace(it), `"`)
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
