package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/pkg/apperr"
)

func TestUnmarshalAIJSON(t *testing.T) {
	type out struct {
		SelectedStaffID string `json:"selected_staff_id"`
	}
	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: `{"selected_staff_id":"s1"}`, want: "s1"},
		{name: "fenced json", raw: "```json\n{\"selected_staff_id\":\"s2\"}\n```", want: "s2"},
		{name: "fenced bare", raw: "```\n{\"selected_staff_id\":\"s3\"}\n```", want: "s3"},
		{name: "prose wrapped", raw: `Sure! Here is the result: {"selected_staff_id":"s4"} Hope that helps.`, want: "s4"},
		{name: "whitespace", raw: "  \n{\"selected_staff_id\":\"s5\"}\n  ", want: "s5"},
		{name: "garbage", raw: "I cannot answer that.", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got out
			err := unmarshalAIJSON(tc.raw, &got)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("unmarshalAIJSON(%q) succeeded, want error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshalAIJSON(%q): %v", tc.raw, err)
			}
			if got.SelectedStaffID != tc.want {
				t.Errorf("selected_staff_id = %q, want %q", got.SelectedStaffID, tc.want)
			}
		})
	}
}

func TestBuildQAGenerationPrompt(t *testing.T) {
	system, prompt := buildQAGenerationPrompt([]string{"Refunds take 5 days.", "Shipping is free over $50."})
	if !strings.Contains(system, "valid JSON only") {
		t.Errorf("system prompt missing JSON directive:\n%s", system)
	}
	if !strings.Contains(prompt, "[1] Refunds take 5 days.") || !strings.Contains(prompt, "[2] Shipping is free over $50.") {
		t.Errorf("prompt missing numbered sections:\n%s", prompt)
	}
	if !strings.HasPrefix(prompt, "<<<SECTIONS") || !strings.HasSuffix(prompt, "SECTIONS") {
		t.Errorf("prompt missing section markers:\n%s", prompt)
	}
}

func TestBuildStaffSelectionPrompt(t *testing.T) {
	candidates := []CandidateStaff{
		{ID: "s1", Name: "Ann", Description: "billing", ActiveChats: 2},
		{ID: "s2", Name: "Bo", Description: "tech support", ActiveChats: 0},
	}
	system, prompt := buildStaffSelectionPrompt("Route billing questions to Ann.", "My invoice is wrong", candidates)

	if !strings.Contains(system, "## Dispatch Policy\nRoute billing questions to Ann.") {
		t.Errorf("system prompt missing rule policy:\n%s", system)
	}
	if !strings.Contains(prompt, "VISITOR_MESSAGE: My invoice is wrong") {
		t.Errorf("prompt missing visitor message:\n%s", prompt)
	}
	if !strings.Contains(prompt, `"id":"s2"`) || !strings.Contains(prompt, `"active_chats":2`) {
		t.Errorf("prompt missing candidate JSON:\n%s", prompt)
	}

	// No rule prompt: policy section absent.
	system, _ = buildStaffSelectionPrompt("", "hi", candidates)
	if strings.Contains(system, "## Dispatch Policy") {
		t.Errorf("system prompt has empty policy section:\n%s", system)
	}
}

func TestNormalizeOpenAIBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                               "",
		"https://api.example.com":        "https://api.example.com/v1",
		"https://api.example.com/":       "https://api.example.com/v1",
		"https://api.example.com/v1":     "https://api.example.com/v1",
		"https://api.example.com/v1/":    "https://api.example.com/v1",
		"https://api.example.com/sub":    "https://api.example.com/sub/v1",
		"https://api.example.com/sub/v1": "https://api.example.com/sub/v1",
	}
	for in, want := range cases {
		if got := normalizeOpenAIBaseURL(in); got != want {
			t.Errorf("normalizeOpenAIBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeOpenAICompatibleEndpoint(t *testing.T) {
	cases := map[string]string{
		"":                            "https://api.openai.com",
		"https://llm.internal":        "https://llm.internal",
		"https://llm.internal/":       "https://llm.internal",
		"https://llm.internal/v1":     "https://llm.internal",
		"https://llm.internal/v1/":    "https://llm.internal",
		"https://llm.internal/sub/v1": "https://llm.internal/sub",
	}

	for in, want := range cases {
		if got := normalizeOpenAICompatibleEndpoint(in); got != want {
			t.Errorf("normalizeOpenAICompatibleEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

// compatServer stands in for an OpenAI-Compatible provider and replies with
// the given message content.
func compatServer(t *testing.T, content string, gotBody *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if gotBody != nil {
			if err := json.NewDecoder(r.Body).Decode(gotBody); err != nil {
				t.Errorf("decode request body: %v", err)
			}
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func compatConfig(endpoint string) config.AIConfig {
	return config.AIConfig{
		Providers: []config.AIProvider{{
			ID:           "p1",
			Name:         "local",
			Type:         "OpenAI-Compatible",
			APIKey:       "test-key",
			Endpoint:     endpoint,
			DefaultModel: "test-model",
			Enabled:      true,
		}},
		AssignmentModel:   &config.AIModelAssignment{ProviderID: "p1", Model: "dispatch-model"},
		QAGenerationModel: &config.AIModelAssignment{ProviderID: "p1"},
	}
}

func newTestClient(cfg config.AIConfig) *Client {
	return NewClient(func() (config.AIConfig, error) { return cfg, nil }, zap.NewNop())
}

func TestSelectStaff(t *testing.T) {
	var gotBody map[string]interface{}
	srv := compatServer(t, `{"selected_staff_id":"s2","reasoning":"tech question, lowest load"}`, &gotBody)
	defer srv.Close()

	client := newTestClient(compatConfig(srv.URL))
	sel, err := client.SelectStaff(context.Background(), SelectStaffRequest{
		VisitorMessage: "my app crashes on login",
		Candidates: []CandidateStaff{
			{ID: "s1", Name: "Ann", Description: "billing", ActiveChats: 1},
			{ID: "s2", Name: "Bo", Description: "tech support", ActiveChats: 0},
		},
	})
	if err != nil {
		t.Fatalf("SelectStaff: %v", err)
	}
	if sel.StaffID != "s2" {
		t.Errorf("StaffID = %q, want s2", sel.StaffID)
	}
	if sel.Reasoning == "" || sel.Model != "dispatch-model" {
		t.Errorf("selection = %+v", sel)
	}
	if sel.Prompt == "" || sel.RawResponse == "" {
		t.Error("audit fields empty")
	}
	if got := gotBody["model"]; got != "dispatch-model" {
		t.Errorf("request model = %v, want dispatch-model", got)
	}
}

func TestSelectStaffRejectsUnknownID(t *testing.T) {
	srv := compatServer(t, `{"selected_staff_id":"ghost","reasoning":"?"}`, nil)
	defer srv.Close()

	client := newTestClient(compatConfig(srv.URL))
	_, err := client.SelectStaff(context.Background(), SelectStaffRequest{
		Candidates: []CandidateStaff{{ID: "s1", Name: "Ann"}},
	})
	if err == nil {
		t.Fatal("SelectStaff accepted an unknown staff id")
	}
	if !apperr.IsKind(err, apperr.KindUpstreamFailure) {
		t.Errorf("err kind = %v, want upstream failure", err)
	}
}

func TestSelectStaffRuleProviderOverride(t *testing.T) {
	var gotBody map[string]interface{}
	srv := compatServer(t, `{"selected_staff_id":"s1","reasoning":"ok"}`, &gotBody)
	defer srv.Close()

	cfg := compatConfig(srv.URL)
	cfg.Providers = append(cfg.Providers, config.AIProvider{
		ID:           "p2",
		Name:         "rule-provider",
		Type:         "openai_compatible",
		APIKey:       "test-key",
		Endpoint:     srv.URL,
		DefaultModel: "rule-model",
		Enabled:      true,
	})

	client := newTestClient(cfg)
	sel, err := client.SelectStaff(context.Background(), SelectStaffRequest{
		ProviderID: "p2",
		Candidates: []CandidateStaff{{ID: "s1", Name: "Ann"}},
	})
	if err != nil {
		t.Fatalf("SelectStaff: %v", err)
	}
	if sel.Model != "rule-model" {
		t.Errorf("Model = %q, want rule-model (rule override)", sel.Model)
	}
	if got := gotBody["model"]; got != "rule-model" {
		t.Errorf("request model = %v, want rule-model", got)
	}
}

func TestSelectStaffNoCandidates(t *testing.T) {
	client := newTestClient(compatConfig("http://unused.invalid"))
	_, err := client.SelectStaff(context.Background(), SelectStaffRequest{})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Errorf("err = %v, want invalid payload", err)
	}
}

func TestSelectStaffNoProvider(t *testing.T) {
	client := newTestClient(config.AIConfig{})
	_, err := client.SelectStaff(context.Background(), SelectStaffRequest{
		Candidates: []CandidateStaff{{ID: "s1"}},
	})
	if !apperr.IsKind(err, apperr.KindConfigMissing) {
		t.Errorf("err = %v, want config missing", err)
	}
}

func TestGenerateQAPairs(t *testing.T) {
	content := `{"pairs":[
		{"question":"How long do refunds take?","answer":"Five business days.","section":1},
		{"question":"","answer":"dropped"},
		{"question":"Out of range?","answer":"Yes.","section":9}
	]}`
	srv := compatServer(t, content, nil)
	defer srv.Close()

	client := newTestClient(compatConfig(srv.URL))
	pairs, err := client.GenerateQAPairs(context.Background(), []string{"Refunds take five business days."})
	if err != nil {
		t.Fatalf("GenerateQAPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2 (empty question dropped)", len(pairs))
	}
	if pairs[0].Section != 1 {
		t.Errorf("pairs[0].Section = %d, want 1", pairs[0].Section)
	}
	if pairs[1].Section != 0 {
		t.Errorf("pairs[1].Section = %d, want 0 (out of range cleared)", pairs[1].Section)
	}
}

func TestGenerateQAPairsEmptyInput(t *testing.T) {
	client := newTestClient(compatConfig("http://unused.invalid"))
	pairs, err := client.GenerateQAPairs(context.Background(), nil)
	if err != nil || pairs != nil {
		t.Errorf("GenerateQAPairs(nil) = %v, %v; want nil, nil", pairs, err)
	}
}

func TestCompatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	client := newTestClient(compatConfig(srv.URL))
	_, err := client.GenerateQAPairs(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("GenerateQAPairs succeeded against erroring upstream")
	}
	if !apperr.IsKind(err, apperr.KindUpstreamFailure) {
		t.Errorf("err kind = %v, want upstream failure", err)
	}
}
