package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIAdjudicator(t *testing.T) {
	var gotAuth string
	var gotReq responsesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)

		decisions := `{"decisions":[` +
			`{"surface":"東京","action":"reject","reading":"","reason":"place name"},` +
			`{"surface":"大阪","action":"patch","reading":"オオサカ","reason":""},` +
			`{"surface":"京都","action":"accept","reading":"","reason":"not asked"},` +
			`{"surface":"今日","action":"shrug","reading":"","reason":""}]}`
		resp := map[string]any{
			"output": []any{map[string]any{
				"type": "message", "role": "assistant",
				"content": []any{map[string]any{"type": "output_text", "text": decisions}},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := DefaultOpenAIConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	adj, err := NewOpenAIAdjudicatorWithKey(cfg, "sk-test", quietLogger())
	if err != nil {
		t.Fatalf("NewOpenAIAdjudicatorWithKey: %v", err)
	}

	got, err := adj.Adjudicate(context.Background(), []Query{
		{Surface: "東京", MorphReading: "トウキョウ", EngineReading: "ヒガシキョウ"},
		{Surface: "大阪"},
		{Surface: "今日"},
	})
	if err != nil {
		t.Fatalf("Adjudicate: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Model != cfg.Model || gotReq.Text.Format["type"] != "json_schema" {
		t.Errorf("request = %+v", gotReq)
	}
	if len(got) != 2 {
		t.Fatalf("decisions = %+v, want 2", got)
	}
	if got["東京"].Action != ActionReject || got["大阪"].Reading != "オオサカ" {
		t.Errorf("decisions = %+v", got)
	}
}

func TestOpenAIAdjudicatorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := DefaultOpenAIConfig()
	cfg.BaseURL = srv.URL
	adj, err := NewOpenAIAdjudicatorWithKey(cfg, "k", quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := adj.Adjudicate(context.Background(), []Query{{Surface: "x"}}); err == nil {
		t.Error("Adjudicate() error = nil, want status error")
	}

	if _, err := NewOpenAIAdjudicatorWithKey(cfg, "", nil); err != ErrNoAPIKey {
		t.Errorf("empty key error = %v, want ErrNoAPIKey", err)
	}
}

func TestSecretsKeyPrefersYomiKey(t *testing.T) {
	t.Setenv("YOMI_ADJUDICATOR_API_KEY", "yomi")
	t.Setenv("OPENAI_API_KEY", "openai")
	cfg := DefaultOpenAIConfig()
	adj, err := NewOpenAIAdjudicator(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := adj.client.Header.Get("Authorization"); got != "Bearer yomi" {
		t.Errorf("Authorization = %q", got)
	}
}
