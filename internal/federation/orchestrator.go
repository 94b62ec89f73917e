package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/audit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/hash"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/llm"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/phi"
)

const (
	// deadlineHeadroom is reserved from the request deadline so the merge
	// and response encoding still complete after slow upstreams.
	deadlineHeadroom = 2 * time.Second

	// defaultBranchTimeout bounds tool and model calls when the request
	// carries no deadline of its own.
	defaultBranchTimeout = 25 * time.Second

	// toolEvidenceConfidence is the fixed weight of one successful tool
	// source in the overall confidence mean.
	toolEvidenceConfidence = 0.75

	// lowConfidenceThreshold triggers the low-confidence safety alert.
	lowConfidenceThreshold = 0.6
)

// ToolCaller is the slice of the tool pool the orchestrator uses.
type ToolCaller interface {
	Call(ctx context.Context, tool, method string, params map[string]any) (json.RawMessage, error)
}

// ModelAdapter is the slice of the LLM adapter the orchestrator uses.
type ModelAdapter interface {
	Generate(ctx context.Context, prompt string, hint llm.Hint) (*llm.Result, error)
	AnalyzeImage(ctx context.Context, prompt string, imageBytes []byte, mime string) (*llm.Result, error)
}

// Orchestrator runs the synthesis pipeline. It is safe for concurrent
// use; each Synthesize call is independent.
type Orchestrator struct {
	pool     ToolCaller
	model    ModelAdapter
	scrubber *phi.Scrubber
	sink     *audit.Sink
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator wires the pipeline's dependencies.
func NewOrchestrator(pool ToolCaller, model ModelAdapter, scrubber *phi.Scrubber, sink *audit.Sink, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		model:    model,
		scrubber: scrubber,
		sink:     sink,
		logger:   logger.Named("federation"),
		tracer:   otel.Tracer("medintel-gateway/federation"),
		now:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Synthesize runs the full pipeline. Upstream failures are partial: the
// failing source is recorded in the bundle and synthesis continues. Only
// when every source and the model fail does the response degrade to the
// fixed safety shape, which is still a well-formed response rather than an error.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (*SynthesizedResponse, error) {
	ctx, span := o.tracer.Start(ctx, "federation.synthesize",
		trace.WithAttributes(
			attribute.String("specialty", string(req.Intent.Specialty)),
			attribute.String("urgency", req.Intent.Urgency.String()),
			attribute.Int("required_tools", len(req.Intent.RequiredTools)),
		))
	defer span.End()

	start := o.now()
	plan := buildPlan(req)
	bundle := make(EvidenceBundle, len(plan)+1)
	var bundleMu sync.Mutex

	// Fan-out: entries never return errors into the group, so no failure
	// cancels the others; client disconnect still propagates through ctx.
	var g errgroup.Group
	for _, entry := range plan {
		entry := entry
		g.Go(func() error {
			ev := o.callTool(ctx, entry)
			bundleMu.Lock()
			bundle[entry.Tool] = ev
			bundleMu.Unlock()
			return nil
		})
	}

	// Image branch runs parallel to the fan-out.
	var visionRes *llm.Result
	if req.Image != nil {
		g.Go(func() error {
			vr, imgEv := o.imageBranch(ctx, req)
			bundleMu.Lock()
			if imgEv != nil {
				bundle["imaging"] = *imgEv
			}
			bundleMu.Unlock()
			visionRes = vr
			return nil
		})
	}
	_ = g.Wait()

	// Model call with whatever deadline remains.
	prompt := buildPrompt(req, bundle)
	llmRes, llmErr := o.model.Generate(ctx, prompt, hintFor(req.Intent))
	if llmErr != nil {
		o.logger.Warn("model synthesis failed", zap.Error(llmErr))
	}

	resp := o.merge(req, bundle, llmRes, visionRes)
	o.scrubOutbound(resp)

	duration := o.now().Sub(start)
	o.auditQuery(req, resp, duration, llmErr)
	span.SetAttributes(attribute.Float64("confidence", resp.Confidence))
	return resp, nil
}

// callTool issues one plan entry with its derived deadline. Failures are
// recorded, never raised.
func (o *Orchestrator) callTool(ctx context.Context, entry planEntry) Evidence {
	cctx, cancel := o.branchContext(ctx)
	defer cancel()

	ctx, span := o.tracer.Start(cctx, "federation.tool."+entry.Tool)
	defer span.End()

	start := o.now()
	raw, err := o.pool.Call(ctx, entry.Tool, entry.Method, entry.Params)
	if err != nil {
		span.SetAttributes(attribute.String("error_code", string(apperr.CodeOf(err))))
		return Evidence{Err: &ToolError{Code: string(apperr.CodeOf(err)), Message: err.Error()}}
	}
	return Evidence{Result: &ToolResult{
		Data:       raw,
		Duration:   o.now().Sub(start),
		Confidence: toolEvidenceConfidence,
	}}
}

// imageBranch runs vision analysis and the imaging provider in parallel
// and returns both outcomes.
func (o *Orchestrator) imageBranch(ctx context.Context, req Request) (*llm.Result, *Evidence) {
	cctx, cancel := o.branchContext(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		vr     *llm.Result
		vErr   error
		toolEv Evidence
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		prompt := fmt.Sprintf("Analyze this %s medical image (%dx%d). Clinical context: %s",
			req.Image.Format, req.Image.Width, req.Image.Height, req.Query)
		vr, vErr = o.model.AnalyzeImage(cctx, prompt, req.Image.Content, req.Image.MIME())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := o.now()
		raw, err := o.pool.Call(cctx, "imaging", "analyze", map[string]any{
			"path":   req.Image.Path,
			"format": req.Image.Format,
			"width":  req.Image.Width,
			"height": req.Image.Height,
		})
		if err != nil {
			toolEv = Evidence{Err: &ToolError{Code: string(apperr.CodeOf(err)), Message: err.Error()}}
			return
		}
		toolEv = Evidence{Result: &ToolResult{
			Data:       raw,
			Duration:   o.now().Sub(start),
			Confidence: toolEvidenceConfidence,
		}}
	}()
	wg.Wait()

	if vErr != nil {
		o.logger.Warn("vision analysis failed", zap.Error(vErr))
		vr = nil
	}
	return vr, &toolEv
}

// branchContext derives a child deadline: request deadline minus the
// merge headroom, or the default branch timeout when the request carries
// none.
func (o *Orchestrator) branchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		d := deadline.Add(-deadlineHeadroom)
		if d.After(o.now()) {
			return context.WithDeadline(ctx, d)
		}
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithTimeout(ctx, defaultBranchTimeout)
}

// buildPrompt assembles the fixed-section user prompt: patient context,
// per-source evidence under uppercased headers, the conversation tail,
// and the query last.
func buildPrompt(req Request, bundle EvidenceBundle) string {
	var b strings.Builder

	if len(req.PatientContext) > 0 {
		b.WriteString("PATIENT CONTEXT:\n")
		if pc, err := json.Marshal(req.PatientContext); err == nil {
			b.Write(pc)
		}
		b.WriteString("\n\n")
	}

	for _, source := range sortedSources(bundle) {
		ev := bundle[source]
		if ev.Result == nil {
			continue
		}
		b.WriteString("=== ")
		b.WriteString(strings.ToUpper(source))
		b.WriteString(" ===\n")
		b.Write(ev.Result.Data)
		b.WriteString("\n\n")
	}

	if len(req.History) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		for _, m := range req.History {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("CLINICAL QUESTION:\n")
	b.WriteString(req.Query)
	return b.String()
}

// merge combines model output, evidence, and the image branch into the
// response. Iteration orders are fixed so identical inputs and evidence
// yield identical payloads.
func (o *Orchestrator) merge(req Request, bundle EvidenceBundle, llmRes, visionRes *llm.Result) *SynthesizedResponse {
	resp := &SynthesizedResponse{
		SourceConfidences: map[string]float64{},
		ToolsUsed:         []string{},
		Timestamp:         o.now(),
		Intent:            req.Intent,
		Evidence:          bundle,
	}

	for _, source := range sortedSources(bundle) {
		ev := bundle[source]
		if ev.Result != nil {
			resp.ToolsUsed = append(resp.ToolsUsed, source)
			resp.SourceConfidences[source] = ev.Result.Confidence
		} else {
			resp.MissingSources = append(resp.MissingSources, source)
		}
	}

	if llmRes != nil {
		resp.Summary = llmRes.Summary
		resp.Analysis = llmRes.Structured
		resp.Recommendations = append(resp.Recommendations, llmRes.Recommendations...)
		for _, e := range llmRes.Evidence {
			resp.Findings = append(resp.Findings, Finding{Source: "model", Text: e})
		}
		for _, s := range llmRes.Safety {
			resp.Findings = append(resp.Findings, Finding{Source: "model", Text: s})
		}
		resp.SourceConfidences["model"] = llmRes.Confidence
		resp.Disclaimer = llmRes.Disclaimer
	}
	if visionRes != nil {
		if visionRes.Summary != "" {
			resp.Findings = append(resp.Findings, Finding{Source: "vision", Text: visionRes.Summary})
		}
		for _, e := range visionRes.Evidence {
			resp.Findings = append(resp.Findings, Finding{Source: "vision", Text: e})
		}
		resp.SourceConfidences["vision"] = visionRes.Confidence
	}

	if len(resp.SourceConfidences) == 0 {
		safety := SafetyResponse(req.Intent)
		safety.Evidence = bundle
		safety.MissingSources = resp.MissingSources
		safety.Timestamp = resp.Timestamp
		safety.SafetyAlerts = deriveAlerts(req, safety)
		return safety
	}

	total := 0.0
	for _, source := range sortedConfidenceKeys(resp.SourceConfidences) {
		total += resp.SourceConfidences[source]
	}
	resp.Confidence = total / float64(len(resp.SourceConfidences))

	if len(resp.MissingSources) > 0 && resp.Summary != "" {
		resp.Summary += fmt.Sprintf(" (Note: %s unavailable for this analysis.)",
			strings.Join(resp.MissingSources, ", "))
	}

	resp.SafetyAlerts = deriveAlerts(req, resp)
	return resp
}

// deriveAlerts applies the fixed alert rules, emergency first.
func deriveAlerts(req Request, resp *SynthesizedResponse) []SafetyAlert {
	var alerts []SafetyAlert
	if req.Intent.Urgency.String() == "critical" {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertEmergency,
			Level:   LevelCritical,
			Message: "This query indicates a potential medical emergency.",
			Action:  "Call emergency services or go to the nearest emergency room immediately",
		})
	}
	if req.Image != nil {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertImageAnalysis,
			Level:   LevelHigh,
			Message: "Automated image analysis requires confirmation by a qualified clinician.",
		})
	}
	if planIncludesDrugInteractions(req) {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertMedicationSafety,
			Level:   LevelHigh,
			Message: "Verify all medication interactions against the patient's full regimen.",
		})
	}
	if resp.Confidence < lowConfidenceThreshold {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertLowConfidence,
			Level:   LevelMedium,
			Message: "Confidence in this analysis is limited; corroborate with additional sources.",
		})
	}
	return alerts
}

func planIncludesDrugInteractions(req Request) bool {
	for _, e := range buildPlan(req) {
		if e.Tool == "knowledge-base" && e.Method == "drugInteractions" {
			return true
		}
	}
	return false
}

// scrubOutbound applies the PHI scrubber to every free-text field before
// the response leaves the orchestrator.
func (o *Orchestrator) scrubOutbound(resp *SynthesizedResponse) {
	if o.scrubber == nil {
		return
	}
	resp.Summary, _ = o.scrubber.ScrubString(resp.Summary)
	for i := range resp.Findings {
		resp.Findings[i].Text, _ = o.scrubber.ScrubString(resp.Findings[i].Text)
	}
	for i := range resp.Recommendations {
		resp.Recommendations[i], _ = o.scrubber.ScrubString(resp.Recommendations[i])
	}
	if resp.Analysis != nil {
		if scrubbed, ok := o.scrubber.ScrubValue(resp.Analysis).(map[string]any); ok {
			resp.Analysis = scrubbed
		}
	}
}

func (o *Orchestrator) auditQuery(req Request, resp *SynthesizedResponse, duration time.Duration, llmErr error) {
	if o.sink == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	severity := audit.SeverityInfo
	if resp.Summary == safetySummary && llmErr != nil {
		outcome = audit.OutcomeFailure
		severity = audit.SeverityWarning
	}
	tags := make([]string, 0, len(req.Intent.Intents))
	for _, t := range req.Intent.Intents {
		tags = append(tags, string(t))
	}
	o.sink.Emit(audit.Record{
		Kind:        audit.KindMedicalQuery,
		Severity:    severity,
		SessionHash: hash.ShortIdentifier(req.SessionID),
		Resource:    "federation",
		Action:      "synthesize",
		Outcome:     outcome,
		Fields: map[string]any{
			"intents":    tags,
			"tools":      resp.ToolsUsed,
			"missing":    resp.MissingSources,
			"durationMs": duration.Milliseconds(),
			"confidence": resp.Confidence,
			"hasImage":   req.Image != nil,
		},
	})
}

func sortedSources(bundle EvidenceBundle) []string {
	out := make([]string, 0, len(bundle))
	for k := range bundle {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedConfidenceKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
