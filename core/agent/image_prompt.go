package agent

import (
	"context"
	"encoding/json"
	"strings"

	"flashback/core/apperr"
	"flashback/model"
)

const imagePromptSystem = `You write prompts for an image generation model. For the given sentence of a narrated short video,
describe one vertical illustration in a realistic historical style, without any text in the image.
Answer with a JSON object {"prompt": "..."}.`

// AgentCompleter is the agent completion port.
type AgentCompleter interface {
	ChatCompleter
	Agent(ctx context.Context, req model.ChatRequest) (string, error)
}

// ImagePrompter turns cue text into an image prompt. With an agent id it
// calls the configured agent, otherwise a plain chat model.
type ImagePrompter struct {
	client  AgentCompleter
	agentID string
	model   string
}

func NewImagePrompter(client AgentCompleter, agentID, model string) *ImagePrompter {
	return &ImagePrompter{client: client, agentID: agentID, model: model}
}

func (p *ImagePrompter) Prompt(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Invalid("text", "cue text is empty")
	}
	req := model.ChatRequest{
		Messages:       []model.ChatMessage{{Role: "user", Content: text}},
		ResponseFormat: &model.ResponseFormat{Type: "json_object"},
	}

	var (
		raw string
		err error
	)
	if p.agentID != "" {
		req.AgentID = p.agentID
		raw, err = p.client.Agent(ctx, req)
	} else {
		req.Model = p.model
		req.Messages = append([]model.ChatMessage{{Role: "system", Content: imagePromptSystem}}, req.Messages...)
		raw, err = p.client.Chat(ctx, req)
	}
	if err != nil {
		return "", err
	}

	prompt := NormalizeImagePrompt(raw)
	if prompt == "" {
		return "", &apperr.AdapterError{Service: "mistral", Op: "image prompt", Message: "model returned an empty prompt"}
	}
	return prompt, nil
}

type scene struct {
	Prompt  string `json:"prompt"`
	Segment string `json:"segment"`
}

// NormalizeImagePrompt reduces every shape the model is known to return to a
// single prompt string: a bare string, a JSON string, {"prompt": ...},
// {"scenes": [{"prompt", "segment"}]} or a bare scene list.
func NormalizeImagePrompt(raw string) string {
	raw = stripCodeFence(raw)
	if raw == "" {
		return ""
	}

	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		// A JSON string may itself hold an encoded object.
		if inner := strings.TrimSpace(s); strings.HasPrefix(inner, "{") || strings.HasPrefix(inner, "[") {
			return NormalizeImagePrompt(inner)
		}
		return strings.TrimSpace(s)
	}

	var obj struct {
		Prompt string  `json:"prompt"`
		Scene  *scene  `json:"scene"`
		Scenes []scene `json:"scenes"`
	}
	if body := extractJSONObject(raw); body != "" && json.Unmarshal([]byte(body), &obj) == nil {
		switch {
		case strings.TrimSpace(obj.Prompt) != "":
			return strings.TrimSpace(obj.Prompt)
		case obj.Scene != nil && obj.Scene.Prompt != "":
			return strings.TrimSpace(obj.Scene.Prompt)
		case len(obj.Scenes) > 0:
			return joinScenes(obj.Scenes)
		}
	}

	var list []scene
	if strings.HasPrefix(raw, "[") && json.Unmarshal([]byte(raw), &list) == nil {
		return joinScenes(list)
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		// Structured but without a usable prompt.
		return ""
	}
	return raw
}

func joinScenes(scenes []scene) string {
	parts := make([]string, 0, len(scenes))
	for _, sc := range scenes {
		if p := strings.TrimSpace(sc.Prompt); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ". ")
}

// extractJSONObject returns the outermost {...} of s, honouring strings.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
