// Package ai calls the configured LLM providers for the two generation
// roles the platform needs: QA-pair authoring during document ingestion
// and staff selection during session assignment.
package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// ConfigFunc supplies the current AI configuration. Wired to
// configs.Service.AI in production; tests inject a literal.
type ConfigFunc func() (config.AIConfig, error)

// Client resolves model assignments against the runtime AI config and
// issues generation calls.
type Client struct {
	aiCfg ConfigFunc
	log   *zap.Logger
}

func NewClient(aiCfg ConfigFunc, log *zap.Logger) *Client {
	return &Client{aiCfg: aiCfg, log: log.Named("ai")}
}

const (
	qaGenerationMaxTokens   = 2000
	staffSelectionMaxTokens = 300
)

// GenerateQAPairs asks the QA-generation model to author question/answer
// pairs for the given document sections. Section numbers in the result are
// validated against the input; pairs pointing at unknown sections keep the
// pair but drop the section reference.
func (c *Client) GenerateQAPairs(ctx context.Context, sections []string) ([]GeneratedQA, error) {
	if len(sections) == 0 {
		return nil, nil
	}

	cfg, err := c.aiCfg()
	if err != nil {
		return nil, err
	}
	provider, model := cfg.ResolveAssignment(cfg.QAGenerationModel)
	if provider == nil {
		return nil, apperr.ConfigMissing("no enabled AI provider for QA generation")
	}

	systemPrompt, prompt := buildQAGenerationPrompt(sections)
	raw, err := generate(ctx, provider, model, systemPrompt, prompt, qaGenerationMaxTokens)
	if err != nil {
		return nil, apperr.Upstream(err, provider.Name)
	}

	var parsed struct {
		Pairs []GeneratedQA `json:"pairs"`
	}
	if err := unmarshalAIJSON(raw, &parsed); err != nil {
		return nil, apperr.Upstream(fmt.Errorf("%w: %s", err, truncateText(raw, 200)), provider.Name)
	}

	pairs := make([]GeneratedQA, 0, len(parsed.Pairs))
	for _, p := range parsed.Pairs {
		p.Question = strings.TrimSpace(p.Question)
		p.Answer = strings.TrimSpace(p.Answer)
		if p.Question == "" || p.Answer == "" {
			continue
		}
		if p.Section < 1 || p.Section > len(sections) {
			p.Section = 0
		}
		pairs = append(pairs, p)
	}

	c.log.Debug("generated qa pairs",
		zap.Int("sections", len(sections)),
		zap.Int("pairs", len(pairs)),
		zap.String("model", model))
	return pairs, nil
}

// SelectStaff asks the assignment model to pick one staff member from the
// candidate list. The rule's provider/model override wins over the global
// assignment-model role. A selection naming an id outside the candidate
// list is an error so the caller can fall back to load balancing.
func (c *Client) SelectStaff(ctx context.Context, req SelectStaffRequest) (*StaffSelection, error) {
	if len(req.Candidates) == 0 {
		return nil, apperr.InvalidPayload("no candidate staff to select from")
	}

	cfg, err := c.aiCfg()
	if err != nil {
		return nil, err
	}

	provider, model := c.resolveSelectionModel(cfg, req)
	if provider == nil {
		return nil, apperr.ConfigMissing("no enabled AI provider for staff selection")
	}

	systemPrompt, prompt := buildStaffSelectionPrompt(req.RulePrompt, req.VisitorMessage, req.Candidates)
	raw, err := generate(ctx, provider, model, systemPrompt, prompt, staffSelectionMaxTokens)
	if err != nil {
		return nil, apperr.Upstream(err, provider.Name)
	}

	var parsed struct {
		SelectedStaffID string `json:"selected_staff_id"`
		Reasoning       string `json:"reasoning"`
	}
	if err := unmarshalAIJSON(raw, &parsed); err != nil {
		return nil, apperr.Upstream(fmt.Errorf("%w: %s", err, truncateText(raw, 200)), provider.Name)
	}

	selected := strings.TrimSpace(parsed.SelectedStaffID)
	if !candidateExists(req.Candidates, selected) {
		return nil, apperr.Upstream(fmt.Errorf("model selected unknown staff %q", selected), provider.Name)
	}

	c.log.Debug("staff selected",
		zap.String("staff_id", selected),
		zap.Int("candidates", len(req.Candidates)),
		zap.String("model", model))

	return &StaffSelection{
		StaffID:     selected,
		Reasoning:   strings.TrimSpace(parsed.Reasoning),
		Model:       model,
		Prompt:      prompt,
		RawResponse: raw,
	}, nil
}

// resolveSelectionModel prefers the rule's explicit provider/model pair,
// then the global assignment-model role.
func (c *Client) resolveSelectionModel(cfg config.AIConfig, req SelectStaffRequest) (*config.AIProvider, string) {
	if strings.TrimSpace(req.ProviderID) != "" {
		if provider := cfg.FindProvider(req.ProviderID); provider != nil && provider.Enabled {
			model := strings.TrimSpace(req.Model)
			if model == "" {
				model = provider.DefaultModel
			}
			return provider, model
		}
		c.log.Warn("rule AI provider unavailable, falling back to assignment model",
			zap.String("provider_id", req.ProviderID))
	}
	return cfg.ResolveAssignment(cfg.AssignmentModel)
}

func candidateExists(candidates []CandidateStaff, id string) bool {
	if id == "" {
		return false
	}
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}
