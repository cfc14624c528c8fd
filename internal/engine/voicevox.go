package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/httpx"
	"github.com/dgnsrekt/yomi/internal/ttypes"
	"golang.org/x/time/rate"
)

// VoiceVoxConfig holds configuration for a VOICEVOX-compatible engine.
type VoiceVoxConfig struct {
	URL        string        `yaml:"url" mapstructure:"url"`
	Speaker    int           `yaml:"speaker" mapstructure:"speaker"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`

	// RequestsPerSecond limits calls to the engine; 0 disables the limit
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// DefaultVoiceVoxConfig returns the default local engine settings.
func DefaultVoiceVoxConfig() VoiceVoxConfig {
	return VoiceVoxConfig{
		URL:        "http://127.0.0.1:50021",
		Speaker:    3,
		Timeout:    60 * time.Second,
		MaxRetries: 2,
	}
}

// VoiceVox talks to a VOICEVOX engine over HTTP.
type VoiceVox struct {
	base    string
	speaker int
	client  *httpx.Client
}

// NewVoiceVox creates a VOICEVOX client.
func NewVoiceVox(cfg VoiceVoxConfig, logger *log.Logger) (*VoiceVox, error) {
	if cfg.URL == "" {
		return nil, newError("voicevox", ErrorTypeConfig, "engine url is required", nil)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, newError("voicevox", ErrorTypeConfig, "invalid engine url", err)
	}
	client := httpx.NewClient(timeoutOr(cfg.Timeout, 60*time.Second), cfg.MaxRetries, logger)
	if cfg.RequestsPerSecond > 0 {
		client.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &VoiceVox{
		base:    strings.TrimRight(cfg.URL, "/"),
		speaker: cfg.Speaker,
		client:  client,
	}, nil
}

// Name implements Backend.
func (v *VoiceVox) Name() string {
	return "voicevox:" + strconv.Itoa(v.speaker)
}

func (v *VoiceVox) endpoint(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("speaker", strconv.Itoa(v.speaker))
	return v.base + path + "?" + q.Encode()
}

// Query implements QueryBackend via POST /audio_query.
func (v *VoiceVox) Query(ctx context.Context, text string) (*ttypes.Phrasing, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	raw, err := v.client.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    v.endpoint("/audio_query", url.Values{"text": {text}}),
		Accept: "application/json",
	})
	if err != nil {
		return nil, v.wrap(ErrorTypeQuery, "audio_query failed", err)
	}
	p, err := decodeAudioQuery(raw)
	if err != nil {
		return nil, newError(v.Name(), ErrorTypeQuery, "invalid audio_query response", err)
	}
	return p, nil
}

// decodeAudioQuery splits an AudioQuery into phrases and the remaining params.
func decodeAudioQuery(raw []byte) (*ttypes.Phrasing, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	p := &ttypes.Phrasing{Params: make(map[string]any, len(fields))}
	for k, v := range fields {
		if k == "accent_phrases" {
			if err := json.Unmarshal(v, &p.Phrases); err != nil {
				return nil, fmt.Errorf("accent_phrases: %w", err)
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		p.Params[k] = val
	}
	return p, nil
}

func encodeAudioQuery(p *ttypes.Phrasing) ([]byte, error) {
	body := make(map[string]any, len(p.Params)+1)
	for k, v := range p.Params {
		body[k] = v
	}
	phrases := p.Phrases
	if phrases == nil {
		phrases = []ttypes.AccentPhrase{}
	}
	body["accent_phrases"] = phrases
	return json.Marshal(body)
}

// Synthesize implements QueryBackend via POST /synthesis.
func (v *VoiceVox) Synthesize(ctx context.Context, p *ttypes.Phrasing) ([]byte, error) {
	body, err := encodeAudioQuery(p)
	if err != nil {
		return nil, newError(v.Name(), ErrorTypeSynthesis, "failed to encode query", err)
	}
	wav, err := v.client.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         v.endpoint("/synthesis", nil),
		Body:        body,
		ContentType: "application/json",
		Accept:      "audio/wav",
	})
	if err != nil {
		return nil, v.wrap(ErrorTypeSynthesis, "synthesis failed", err)
	}
	if len(wav) == 0 {
		return nil, newError(v.Name(), ErrorTypeOutput, "empty response", ErrNoAudio)
	}
	return wav, nil
}

// RefreshMoras implements MoraRefresher via POST /mora_data.
func (v *VoiceVox) RefreshMoras(ctx context.Context, p *ttypes.Phrasing) (*ttypes.Phrasing, error) {
	body, err := json.Marshal(p.Phrases)
	if err != nil {
		return nil, newError(v.Name(), ErrorTypeQuery, "failed to encode accent phrases", err)
	}
	raw, err := v.client.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         v.endpoint("/mora_data", nil),
		Body:        body,
		ContentType: "application/json",
		Accept:      "application/json",
	})
	if err != nil {
		return nil, v.wrap(ErrorTypeQuery, "mora_data failed", err)
	}
	var phrases []ttypes.AccentPhrase
	if err := json.Unmarshal(raw, &phrases); err != nil {
		return nil, newError(v.Name(), ErrorTypeQuery, "invalid mora_data response", err)
	}
	return &ttypes.Phrasing{Phrases: phrases, Params: p.Params}, nil
}

// UserDictionary implements UserDictionaryProvider via GET /user_dict.
func (v *VoiceVox) UserDictionary(ctx context.Context) (map[string]string, error) {
	raw, err := v.client.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    v.base + "/user_dict",
		Accept: "application/json",
	})
	if err != nil {
		return nil, v.wrap(ErrorTypeQuery, "user_dict failed", err)
	}
	var words map[string]struct {
		Surface       string `json:"surface"`
		Pronunciation string `json:"pronunciation"`
	}
	if err := json.Unmarshal(raw, &words); err != nil {
		return nil, newError(v.Name(), ErrorTypeQuery, "invalid user_dict response", err)
	}
	out := make(map[string]string, len(words))
	for _, w := range words {
		out[w.Surface] = w.Pronunciation
	}
	return out, nil
}

// Version returns the engine version via GET /version.
func (v *VoiceVox) Version(ctx context.Context) (string, error) {
	raw, err := v.client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: v.base + "/version"})
	if err != nil {
		return "", v.wrap(ErrorTypeConnection, "engine unreachable", err)
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return version, nil
}

func (v *VoiceVox) wrap(t ErrorType, msg string, err error) error {
	var se *httpx.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		t = ErrorTypeTimeout
	case !errors.As(err, &se) && httpx.IsRetryableError(err):
		t = ErrorTypeConnection
	}
	return newError(v.Name(), t, msg, err)
}

var (
	_ QueryBackend           = (*VoiceVox)(nil)
	_ MoraRefresher          = (*VoiceVox)(nil)
	_ UserDictionaryProvider = (*VoiceVox)(nil)
)
