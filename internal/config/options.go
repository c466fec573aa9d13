package config

import (
	"encoding/json"
	"strings"
)

// FullConfig is the operator-tunable configuration stored in the options
// table under key "configs". Unlike AppConfig it can be changed at runtime
// through the configs API without a restart.
type FullConfig struct {
	Site   SiteConfig    `json:"site"`
	AI     AIConfig      `json:"ai"`
	WuKong WuKongOptions `json:"wukong"`
	Alert  AlertOptions  `json:"alert"`
}

type SiteConfig struct {
	Name      string `json:"name"`
	ServerURL string `json:"server_url"`
	WebURL    string `json:"web_url"`
}

// AIConfig wires LLM providers to the roles that consume them. A role
// without an explicit assignment falls back to the first enabled provider.
type AIConfig struct {
	Providers         []AIProvider       `json:"providers"`
	ChatModel         *AIModelAssignment `json:"chat_model,omitempty"`
	AssignmentModel   *AIModelAssignment `json:"assignment_model,omitempty"`
	QAGenerationModel *AIModelAssignment `json:"qa_generation_model,omitempty"`
}

type AIModelAssignment struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
}

type AIProvider struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"` // OpenAI | OpenAI-Compatible | Anthropic | OpenRouter
	APIKey       string `json:"api_key"`
	Endpoint     string `json:"endpoint,omitempty"`
	DefaultModel string `json:"default_model"`
	Enabled      bool   `json:"enabled"`
}

// WuKongOptions configures the WuKongIM channel substrate.
type WuKongOptions struct {
	BaseURL      string `json:"base_url"`
	ManagerToken string `json:"manager_token"`
	SystemUID    string `json:"system_uid"`
}

// AlertOptions configures the ops-alert webhook used for rate-limit and
// pipeline failure notifications.
type AlertOptions struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

func (p *AIProvider) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Type         string `json:"type"`
		APIKey       string `json:"api_key"`
		Endpoint     string `json:"endpoint"`
		BaseURL      string `json:"base_url"`
		DefaultModel string `json:"default_model"`
		Enabled      *bool  `json:"enabled"`
		Enable       *bool  `json:"enable"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ID = raw.ID
	p.Name = raw.Name
	p.Type = raw.Type
	p.APIKey = raw.APIKey
	p.Endpoint = raw.Endpoint
	if p.Endpoint == "" {
		p.Endpoint = raw.BaseURL
	}
	p.DefaultModel = raw.DefaultModel
	switch {
	case raw.Enabled != nil:
		p.Enabled = *raw.Enabled
	case raw.Enable != nil:
		p.Enabled = *raw.Enable
	default:
		p.Enabled = true
	}
	return nil
}

// FindProvider returns the provider with the given id, or nil.
func (a AIConfig) FindProvider(id string) *AIProvider {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil
	}
	for i := range a.Providers {
		if a.Providers[i].ID == trimmed {
			return &a.Providers[i]
		}
	}
	return nil
}

// FirstEnabledProvider returns the first enabled provider, or nil.
func (a AIConfig) FirstEnabledProvider() *AIProvider {
	for i := range a.Providers {
		if a.Providers[i].Enabled {
			return &a.Providers[i]
		}
	}
	return nil
}

// ResolveAssignment resolves a model assignment to its provider and model,
// falling back to the first enabled provider and its default model.
func (a AIConfig) ResolveAssignment(assignment *AIModelAssignment) (*AIProvider, string) {
	if assignment != nil {
		if provider := a.FindProvider(assignment.ProviderID); provider != nil && provider.Enabled {
			model := strings.TrimSpace(assignment.Model)
			if model == "" {
				model = provider.DefaultModel
			}
			return provider, model
		}
	}
	provider := a.FirstEnabledProvider()
	if provider == nil {
		return nil, ""
	}
	return provider, provider.DefaultModel
}

// DefaultFullConfig seeds the options row on first boot.
func DefaultFullConfig() FullConfig {
	return FullConfig{
		Site: SiteConfig{
			Name: "EchoDesk",
		},
		AI: AIConfig{
			Providers: []AIProvider{},
		},
		WuKong: WuKongOptions{
			SystemUID: "system",
		},
		Alert: AlertOptions{},
	}
}
