package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flashback/core/apperr"
	"flashback/core/caption"
	"flashback/core/utils"
)

// GladiaConfig configures the Gladia v2 pre-recorded API client.
type GladiaConfig struct {
	APIKey         string
	BaseURL        string // e.g. https://api.gladia.io/v2/
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Gladia implements Client against the Gladia v2 pre-recorded endpoints.
type Gladia struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	http    *http.Client
}

var _ Client = (*Gladia)(nil)

func NewGladia(cfg GladiaConfig) *Gladia {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gladia{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		http:    hc,
	}
}

type gladiaSubmitRequest struct {
	AudioURL string `json:"audio_url"`
	Language string `json:"language,omitempty"`
}

type gladiaSubmitResponse struct {
	ID        string `json:"id"`
	ResultURL string `json:"result_url"`
}

type gladiaJobResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	ErrorCode *int            `json:"error_code"`
	Error     json.RawMessage `json:"error"`
	Result    *struct {
		Transcription struct {
			Utterances []caption.Utterance `json:"utterances"`
		} `json:"transcription"`
	} `json:"result"`
}

func (g *Gladia) adapterErr(op string, status int, msg string, err error) error {
	return &apperr.AdapterError{Service: "gladia", Op: op, StatusCode: status, Message: msg, Err: err}
}

func (g *Gladia) do(ctx context.Context, op string, req *http.Request, out any) error {
	req.Header.Set("x-gladia-key", g.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return g.adapterErr(op, 0, "", err)
	}
	defer resp.Body.Close()

	if !utils.IsSuccess(resp.StatusCode) {
		return g.adapterErr(op, resp.StatusCode, utils.ReadErrorBody(resp), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return g.adapterErr(op, resp.StatusCode, "invalid response body", err)
	}
	return nil
}

// Submit starts a pre-recorded transcription of audioURL.
func (g *Gladia) Submit(ctx context.Context, audioURL, language string) (Job, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := utils.NewJSONRequest(ctx, http.MethodPost, g.baseURL+"/pre-recorded", gladiaSubmitRequest{
		AudioURL: audioURL,
		Language: language,
	})
	if err != nil {
		return Job{}, err
	}
	var out gladiaSubmitResponse
	if err := g.do(ctx, "submit", req, &out); err != nil {
		return Job{}, err
	}
	if out.ID == "" {
		return Job{}, g.adapterErr("submit", 0, "response has no job id", nil)
	}
	return Job{ID: out.ID}, nil
}

// Fetch reads the current state of a job.
func (g *Gladia) Fetch(ctx context.Context, jobID string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := utils.NewJSONRequest(ctx, http.MethodGet, g.baseURL+"/pre-recorded/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Status{}, err
	}
	var out gladiaJobResponse
	if err := g.do(ctx, "fetch", req, &out); err != nil {
		return Status{}, err
	}

	st := Status{State: out.Status}
	switch out.Status {
	case StateDone:
		t := &Transcript{JobID: jobID}
		if out.Result != nil {
			t.Utterances = out.Result.Transcription.Utterances
		}
		st.Transcript = t
	case StateError:
		st.Message = gladiaErrorMessage(out)
	}
	return st, nil
}

func gladiaErrorMessage(out gladiaJobResponse) string {
	if len(out.Error) > 0 && string(out.Error) != "null" {
		var s string
		if err := json.Unmarshal(out.Error, &s); err == nil && s != "" {
			return s
		}
		return string(out.Error)
	}
	if out.ErrorCode != nil {
		return fmt.Sprintf("error_code %d", *out.ErrorCode)
	}
	return "transcription failed"
}
