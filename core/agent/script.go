package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"flashback/config"
	"flashback/core/apperr"
	"flashback/logger"
	"flashback/model"
)

// ContentType selects the narration policy for a chapter.
type ContentType string

const (
	ContentTypeDefault      ContentType = "Default"
	ContentTypeVS           ContentType = "VS"
	ContentTypeKeyMoment    ContentType = "KeyMoment"
	ContentTypeKeyCharacter ContentType = "KeyCharacter"
	ContentTypeQuiz         ContentType = "Quiz"
)

// DefaultMaxWords bounds every generated script.
const DefaultMaxWords = 300

// ContentTypes lists the known content types, default first.
func ContentTypes() []ContentType {
	return []ContentType{ContentTypeDefault, ContentTypeVS, ContentTypeKeyMoment, ContentTypeKeyCharacter, ContentTypeQuiz}
}

// ParseContentType maps a caller tag ("KeyMoment", "Key Moment", "quiz") to a
// ContentType. Anything unknown becomes ContentTypeDefault.
func ParseContentType(s string) ContentType {
	norm := strings.ToLower(strings.Join(strings.Fields(s), ""))
	norm = strings.NewReplacer("-", "", "_", "").Replace(norm)
	for _, ct := range ContentTypes() {
		if strings.ToLower(string(ct)) == norm {
			return ct
		}
	}
	return ContentTypeDefault
}

// Policy is how one content type is turned into a script.
type Policy struct {
	SystemPrompt string
	Model        string
	MaxWords     int
}

const scriptRules = `
The complete vocal script must not have more than %d words. Keep the content in %s.
The output must be a simple text containing the paragraphs, without sections, titles or stage directions.
For this subject:`

var builtinPolicies = map[ContentType]string{
	ContentTypeDefault: `Enrich the content and create a short script for a Short Video to explain the subject in a fun way.
Always include a date. Additionally, include important people or events.`,
	ContentTypeKeyMoment: `Enrich the content and create a short script for a Short Video that tells the key moment of the subject in a fun way.
Always include a date. Additionally, include important people or events.`,
	ContentTypeKeyCharacter: `Create a short script for a Short Video centred on the most important person of the subject.
Tell who they were, what they did and why they still matter. Always include a date.`,
	ContentTypeVS: `Create a short script for a Short Video that opposes the two main sides of the subject (people, camps, ideas).
Present each side in turn, then tell who prevailed and when.`,
	ContentTypeQuiz: `Create a short script for a Short Video in quiz form about the subject.
Ask three questions, pause with a short teaser after each one, then give the answer with a date or a name.`,
}

// DefaultPolicies returns the built-in policy table for a language.
func DefaultPolicies(model, language string) map[ContentType]Policy {
	out := make(map[ContentType]Policy, len(builtinPolicies))
	for ct, intro := range builtinPolicies {
		out[ct] = Policy{
			SystemPrompt: intro + fmt.Sprintf(scriptRules, DefaultMaxWords, languageName(language)),
			Model:        model,
			MaxWords:     DefaultMaxWords,
		}
	}
	return out
}

// ApplyOverrides merges PROMPTS_FILE entries into a policy table. Keys are
// parsed like request tags; unknown keys override the default policy.
func ApplyOverrides(policies map[ContentType]Policy, prompts *config.Prompts) {
	if prompts == nil {
		return
	}
	for key, o := range prompts.Script {
		ct := ParseContentType(key)
		p := policies[ct]
		if o.SystemPrompt != "" {
			p.SystemPrompt = o.SystemPrompt
		}
		if o.Model != "" {
			p.Model = o.Model
		}
		if o.MaxWords > 0 {
			p.MaxWords = o.MaxWords
		}
		policies[ct] = p
	}
}

func languageName(code string) string {
	switch strings.ToLower(code) {
	case "", "fr":
		return "French"
	case "en":
		return "English"
	case "es":
		return "Spanish"
	case "de":
		return "German"
	case "it":
		return "Italian"
	default:
		return code
	}
}

// ChatCompleter is the text generation port.
type ChatCompleter interface {
	Chat(ctx context.Context, req model.ChatRequest) (string, error)
}

// ScriptWriter generates the narration for a chapter.
type ScriptWriter struct {
	chat     ChatCompleter
	policies map[ContentType]Policy
}

func NewScriptWriter(chat ChatCompleter, policies map[ContentType]Policy) (*ScriptWriter, error) {
	if p, ok := policies[ContentTypeDefault]; !ok || p.SystemPrompt == "" {
		return nil, fmt.Errorf("policy table has no default entry")
	}
	return &ScriptWriter{chat: chat, policies: policies}, nil
}

// Policy returns the policy for ct, falling back to the default one.
func (w *ScriptWriter) Policy(ct ContentType) Policy {
	if p, ok := w.policies[ct]; ok && p.SystemPrompt != "" {
		return p
	}
	return w.policies[ContentTypeDefault]
}

// Write generates a script for chapter. The result never exceeds the
// policy's word budget.
func (w *ScriptWriter) Write(ctx context.Context, ct ContentType, chapter model.Chapter) (string, error) {
	content := strings.TrimSpace(chapter.Content)
	if content == "" {
		content = strings.TrimSpace(chapter.Title)
	}
	if content == "" {
		return "", apperr.Invalid("chapter", "chapter has neither content nor title")
	}
	p := w.Policy(ct)

	user := content
	if chapter.Title != "" && chapter.Title != content {
		user = chapter.Title + "\n\n" + content
	}
	text, err := w.chat.Chat(ctx, model.ChatRequest{
		Model: p.Model,
		Messages: []model.ChatMessage{
			{Role: "system", Content: p.SystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: float(0.7),
	})
	if err != nil {
		return "", err
	}
	script, cut := limitWords(strings.TrimSpace(text), p.MaxWords)
	if cut {
		logger.Warn("Script exceeded word budget, truncated",
			logger.String("contentType", string(ct)),
			logger.Int("maxWords", p.MaxWords))
	}
	return script, nil
}

// limitWords keeps the first max words of s, preserving the original
// whitespace between them.
func limitWords(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	words := 0
	inWord := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			words++
			if words > max {
				return strings.TrimRightFunc(s[:i], unicode.IsSpace), true
			}
		}
	}
	return s, false
}
