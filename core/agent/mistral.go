package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"flashback/core/apperr"
	"flashback/core/utils"
	"flashback/model"
)

// MistralConfig configures the chat client.
type MistralConfig struct {
	APIBaseURL     string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// MistralClient talks to the chat and agent completion endpoints.
type MistralClient struct {
	config     MistralConfig
	httpClient *http.Client
}

func NewMistralClient(config MistralConfig) *MistralClient {
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 120 * time.Second
	}
	config.APIBaseURL = strings.TrimRight(config.APIBaseURL, "/")
	return &MistralClient{config: config, httpClient: hc}
}

// Chat runs a chat completion and returns the first choice's text.
func (c *MistralClient) Chat(ctx context.Context, req model.ChatRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.config.Model
	}
	return c.complete(ctx, "chat", "/v1/chat/completions", req)
}

// Agent runs an agent completion (the agent carries its own instructions).
func (c *MistralClient) Agent(ctx context.Context, req model.ChatRequest) (string, error) {
	req.Model = ""
	if req.AgentID == "" {
		return "", &apperr.AdapterError{Service: "mistral", Op: "agent", Message: "agent id is not configured"}
	}
	return c.complete(ctx, "agent", "/v1/agents/completions", req)
}

func (c *MistralClient) complete(ctx context.Context, op, path string, body model.ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := utils.NewJSONRequest(ctx, http.MethodPost, c.config.APIBaseURL+path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &apperr.AdapterError{Service: "mistral", Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &apperr.AdapterError{Service: "mistral", Op: op, StatusCode: resp.StatusCode, Message: utils.ReadErrorBody(resp)}
	}

	var chatResp model.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", &apperr.AdapterError{Service: "mistral", Op: op, Message: "failed to decode response", Err: err}
	}
	if len(chatResp.Choices) == 0 {
		return "", &apperr.AdapterError{Service: "mistral", Op: op, Message: "no response choices returned"}
	}
	content, err := messageContentToString(chatResp.Choices[0].Message.Content)
	if err != nil {
		return "", &apperr.AdapterError{Service: "mistral", Op: op, Message: "unexpected content shape", Err: err}
	}
	if strings.TrimSpace(content) == "" {
		return "", &apperr.AdapterError{Service: "mistral", Op: op, Message: "empty response content"}
	}
	return content, nil
}

// messageContentToString accepts a plain string or an array of text parts.
func messageContentToString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content is neither a string nor a part list: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

func float(v float64) *float64 { return &v }
