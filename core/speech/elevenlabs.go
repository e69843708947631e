// Package speech synthesizes narration audio.
package speech

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flashback/core/apperr"
	"flashback/core/utils"
	"flashback/logger"
)

// Synthesizer writes the spoken version of text to destPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, destPath string) error
}

// ElevenLabsConfig configures the text-to-speech client.
type ElevenLabsConfig struct {
	APIKey         string
	BaseURL        string
	VoiceID        string
	ModelID        string
	OutputFormat   string // mp3_44100_128 by default
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// ElevenLabs implements Synthesizer.
type ElevenLabs struct {
	cfg  ElevenLabsConfig
	http *http.Client
}

var _ Synthesizer = (*ElevenLabs)(nil)

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &ElevenLabs{cfg: cfg, http: hc}
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text, destPath string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Invalid("text", "nothing to synthesize")
	}
	if e.cfg.VoiceID == "" {
		return &apperr.AdapterError{Service: "elevenlabs", Op: "tts", Message: "voice id is not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	endpoint := e.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) +
		"?output_format=" + url.QueryEscape(e.cfg.OutputFormat)
	req, err := utils.NewJSONRequest(ctx, http.MethodPost, endpoint, ttsRequest{Text: text, ModelID: e.cfg.ModelID})
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Accept", "audio/mpeg")

	start := time.Now()
	resp, err := e.http.Do(req)
	if err != nil {
		return &apperr.AdapterError{Service: "elevenlabs", Op: "tts", Err: err}
	}
	defer resp.Body.Close()

	if !utils.IsSuccess(resp.StatusCode) {
		return &apperr.AdapterError{Service: "elevenlabs", Op: "tts", StatusCode: resp.StatusCode, Message: utils.ReadErrorBody(resp)}
	}

	n, err := utils.WriteFileAtomic(destPath, resp.Body)
	if err != nil {
		return &apperr.AdapterError{Service: "elevenlabs", Op: "tts", Message: "failed to store audio", Err: err}
	}
	if n == 0 {
		return &apperr.AdapterError{Service: "elevenlabs", Op: "tts", Message: "empty audio response"}
	}

	logger.Debug("Speech synthesized",
		logger.String("path", destPath),
		logger.Int64("bytes", n),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}
