package model

import "encoding/json"

// ChatMessage is one message in the chat completion format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat asks the model for a JSON object instead of free text.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	Messages       []ChatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatResponse is a chat completion response. Content may be a string or an
// array of typed parts, so it is kept raw.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
