// Package llm adapts the primary/fallback language-model providers behind
// one interface: text generation and vision analysis with per-call
// deadlines, automatic failover, and structured-response parsing.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
)

// Hint selects the response structure the model is instructed to follow.
type Hint string

const (
	HintGeneral               Hint = "general"
	HintDifferentialDiagnosis Hint = "differential-diagnosis"
	HintTreatmentPlanning     Hint = "treatment-planning"
	HintImageAnalysis         Hint = "image-analysis"
	HintEmergencyAssessment   Hint = "emergency-assessment"
	HintDrugTherapy           Hint = "drug-therapy"
	HintResearchAnalysis      Hint = "research-analysis"
	HintPatientEducation      Hint = "patient-education"
	HintSpecialtyConsultation Hint = "specialty-consultation"
)

// Disclaimer is appended to model output when configuration requires it.
const Disclaimer = "This analysis is for healthcare professional decision support only " +
	"and is not a substitute for clinical judgment or direct patient evaluation."

// Result is one parsed model response.
type Result struct {
	Raw             string         `json:"-"`
	Structured      map[string]any `json:"structured,omitempty"`
	IsStructured    bool           `json:"isStructured"`
	Summary         string         `json:"summary"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Safety          []string       `json:"safety,omitempty"`
	Evidence        []string       `json:"evidence,omitempty"`
	Confidence      float64        `json:"confidence"`
	Provider        string         `json:"provider"`
	Disclaimer      string         `json:"disclaimer,omitempty"`
}

// completer is the slice of the openai client the adapter uses; tests
// substitute stubs.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type provider struct {
	name   string
	client completer
	model  string
}

// Adapter is safe for concurrent use.
type Adapter struct {
	cfg       *config.LLMConfig
	providers []provider // preference order
	logger    *zap.Logger
	m         *metrics.Set
}

// NewAdapter builds clients for the configured providers. At least one
// provider must be configured.
func NewAdapter(cfg *config.LLMConfig, m *metrics.Set, logger *zap.Logger) (*Adapter, error) {
	a := &Adapter{cfg: cfg, logger: logger.Named("llm"), m: m}

	add := func(name string, pc *config.ProviderConfig) {
		if pc == nil || pc.Model == "" {
			return
		}
		cc := openai.DefaultConfig(pc.APIKey)
		if pc.BaseURL != "" {
			cc.BaseURL = pc.BaseURL
		}
		a.providers = append(a.providers, provider{
			name:   name,
			client: openai.NewClientWithConfig(cc),
			model:  pc.Model,
		})
	}

	if cfg.Preference == "fallback" {
		add("fallback", cfg.Fallback)
		add("primary", cfg.Primary)
	} else {
		add("primary", cfg.Primary)
		add("fallback", cfg.Fallback)
	}
	if len(a.providers) == 0 {
		return nil, apperr.New(apperr.CodeConfiguration, "no LLM provider configured")
	}
	return a, nil
}

// Generate runs text generation with failover and parses the output.
func (a *Adapter) Generate(ctx context.Context, prompt string, hint Hint) (*Result, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(hint)},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
	return a.complete(ctx, messages)
}

// AnalyzeImage runs vision analysis over normalized image bytes.
func (a *Adapter) AnalyzeImage(ctx context.Context, prompt string, imageBytes []byte, mime string) (*Result, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(imageBytes))
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(HintImageAnalysis)},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailAuto},
				},
			},
		},
	}
	return a.complete(ctx, messages)
}

// complete tries each provider in preference order; the first success
// wins. Both failing surfaces the last error, classified for the caller.
func (a *Adapter) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (*Result, error) {
	var lastErr error
	for _, p := range a.providers {
		start := time.Now()
		text, err := a.callOne(ctx, p, messages)
		if a.m != nil {
			a.m.LLMCallDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
			a.m.LLMCalls.WithLabelValues(p.name, callOutcome(err)).Inc()
		}
		if err != nil {
			lastErr = err
			a.logger.Warn("llm provider failed", zap.String("provider", p.name), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res := parseResponse(text)
		res.Provider = p.name
		if a.cfg.RequireDisclaimer {
			res.Disclaimer = Disclaimer
		}
		return res, nil
	}
	return nil, classifyLLMError(lastErr)
}

func (a *Adapter) callOne(ctx context.Context, p provider, messages []openai.ChatCompletionMessage) (string, error) {
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: a.cfg.Temperature,
		TopP:        a.cfg.TopP,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyLLMError(err error) error {
	if err == nil {
		err = errors.New("no provider available")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.CodeLLMTimeout, "language model call timed out")
	}
	return apperr.Wrap(err, apperr.CodeLLMUnavailable, "language model unavailable")
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// systemPrompt binds a response hint to its instruction block. The
// structure instruction asks for a JSON object so the structured parse
// path can fire; free-text answers still parse via the fallback scan.
func systemPrompt(hint Hint) string {
	base := "You are a clinical decision-support assistant for healthcare professionals. " +
		"Ground every statement in established medical evidence and state uncertainty explicitly. "

	var focus string
	switch hint {
	case HintDifferentialDiagnosis:
		focus = "Produce a ranked differential diagnosis with supporting and refuting findings for each candidate."
	case HintTreatmentPlanning:
		focus = "Lay out evidence-based treatment options with contraindications and monitoring requirements."
	case HintImageAnalysis:
		focus = "Describe visible findings systematically, then give an impression. Never identify the patient."
	case HintEmergencyAssessment:
		focus = "Assess acuity first. Lead with immediate actions and red flags requiring escalation."
	case HintDrugTherapy:
		focus = "Analyze the medication regimen for interactions, dosing concerns, and safer alternatives."
	case HintResearchAnalysis:
		focus = "Summarize the relevant evidence base, study quality, and applicability to the case."
	case HintPatientEducation:
		focus = "Explain in plain language a patient can understand, without losing clinical accuracy."
	case HintSpecialtyConsultation:
		focus = "Answer as the relevant specialist would in a formal consult note."
	default:
		focus = "Answer the clinical question directly and completely."
	}

	return base + focus + " Respond with a single JSON object with fields " +
		`"summary", "findings", "recommendations", "safety", "confidence".`
}
