package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/httpx"
	"golang.org/x/time/rate"
)

// ErrNoAPIKey is returned when the adjudicator has no API key to send.
var ErrNoAPIKey = errors.New("no adjudicator API key (set YOMI_ADJUDICATOR_API_KEY or OPENAI_API_KEY)")

// OpenAIConfig configures the remote adjudicator.
type OpenAIConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Model             string        `yaml:"model" mapstructure:"model"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// DefaultOpenAIConfig returns the default adjudicator settings.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:           "https://api.openai.com",
		Model:             "gpt-4o-mini",
		Timeout:           60 * time.Second,
		MaxRetries:        2,
		RequestsPerSecond: 1,
	}
}

// Secrets are read from the environment only, never from the config file.
type Secrets struct {
	APIKey       string `env:"YOMI_ADJUDICATOR_API_KEY"`
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
}

// Key returns the first non-empty key.
func (s Secrets) Key() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	return s.OpenAIAPIKey
}

// OpenAIAdjudicator asks an OpenAI-compatible Responses endpoint for
// structured decisions.
type OpenAIAdjudicator struct {
	cfg    OpenAIConfig
	client *httpx.Client
	logger *log.Logger
}

// NewOpenAIAdjudicator reads the API key from the environment.
func NewOpenAIAdjudicator(cfg OpenAIConfig, logger *log.Logger) (*OpenAIAdjudicator, error) {
	secrets, err := env.ParseAs[Secrets]()
	if err != nil {
		return nil, fmt.Errorf("read adjudicator secrets: %w", err)
	}
	return NewOpenAIAdjudicatorWithKey(cfg, secrets.Key(), logger)
}

// NewOpenAIAdjudicatorWithKey uses an explicit API key.
func NewOpenAIAdjudicatorWithKey(cfg OpenAIConfig, apiKey string, logger *log.Logger) (*OpenAIAdjudicator, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIConfig().BaseURL
	}
	client := httpx.NewClient(cfg.Timeout, cfg.MaxRetries, logger)
	client.Header.Set("Authorization", "Bearer "+apiKey)
	if cfg.RequestsPerSecond > 0 {
		client.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &OpenAIAdjudicator{cfg: cfg, client: client, logger: logger}, nil
}

const systemPrompt = `You check Japanese text-to-speech pronunciations.
For each item you get a surface string, the reading from a morphological
dictionary, the reading a speech engine produced, and example sentences.
Answer "accept" if the engine reading is correct in context, "reject" if the
dictionary reading is correct, or "patch" with the correct reading in katakana
if neither is. Keep reason short.`

var decisionSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"decisions"},
	"properties": map[string]any{
		"decisions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"surface", "action", "reading", "reason"},
				"properties": map[string]any{
					"surface": map[string]any{"type": "string"},
					"action":  map[string]any{"type": "string", "enum": []string{"accept", "reject", "patch"}},
					"reading": map[string]any{"type": "string"},
					"reason":  map[string]any{"type": "string"},
				},
			},
		},
	},
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model string           `json:"model"`
	Input []responsesInput `json:"input"`
	Text  struct {
		Format map[string]any `json:"format"`
	} `json:"text"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
}

type decisionList struct {
	Decisions []struct {
		Surface string `json:"surface"`
		Action  string `json:"action"`
		Reading string `json:"reading"`
		Reason  string `json:"reason"`
	} `json:"decisions"`
}

// Adjudicate implements Adjudicator. Decisions for surfaces not in the batch
// and unknown actions are dropped.
func (o *OpenAIAdjudicator) Adjudicate(ctx context.Context, batch []Query) (map[string]Decision, error) {
	user, err := json.Marshal(map[string]any{"items": batch})
	if err != nil {
		return nil, err
	}
	var req responsesRequest
	req.Model = o.cfg.Model
	req.Input = []responsesInput{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(user)},
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   "reading_decisions",
		"schema": decisionSchema,
		"strict": true,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	raw, err := o.client.Do(ctx, httpx.Request{
		Method:      "POST",
		URL:         strings.TrimRight(o.cfg.BaseURL, "/") + "/v1/responses",
		Body:        body,
		ContentType: "application/json",
		Accept:      "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("adjudicate %d surfaces: %w", len(batch), err)
	}

	var resp responsesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	text, refusal := outputText(resp)
	if refusal != "" {
		return nil, fmt.Errorf("model refused: %s", refusal)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("no output_text in response")
	}

	var list decisionList
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}

	asked := make(map[string]bool, len(batch))
	for _, q := range batch {
		asked[q.Surface] = true
	}
	out := make(map[string]Decision, len(list.Decisions))
	for _, d := range list.Decisions {
		action, err := ParseAction(d.Action)
		if err != nil || !asked[d.Surface] {
			o.logger.Debug("Dropping decision", "surface", d.Surface, "action", d.Action)
			continue
		}
		out[d.Surface] = Decision{Action: action, Reading: d.Reading, Reason: d.Reason}
	}
	return out, nil
}

func outputText(resp responsesResponse) (text, refusal string) {
	var b strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			switch c.Type {
			case "output_text":
				b.WriteString(c.Text)
			case "refusal":
				refusal = c.Refusal
			}
		}
	}
	return b.String(), refusal
}
