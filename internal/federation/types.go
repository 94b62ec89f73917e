// Package federation implements the synthesis pipeline: it plans tool
// calls from an intent analysis, fans them out in parallel, consults the
// language model, and merges everything into one deterministic response.
package federation

import (
	"encoding/json"
	"time"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/imaging"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
)

// Message is one turn of the recent conversation tail.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything the orchestrator needs. Query and
// PatientContext arrive already scrubbed by the HTTP layer.
type Request struct {
	Query          string
	Intent         intent.Analysis
	Image          *imaging.Artifact
	PatientContext map[string]any
	History        []Message
	SessionID      string
}

// ToolResult is one successful evidence source. On the wire the duration
// is an integer millisecond count.
type ToolResult struct {
	Data       json.RawMessage
	Duration   time.Duration
	Confidence float64
}

type toolResultWire struct {
	Data       json.RawMessage `json:"data"`
	DurationMS int64           `json:"durationMs"`
	Confidence float64         `json:"confidence"`
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolResultWire{
		Data:       r.Data,
		DurationMS: r.Duration.Milliseconds(),
		Confidence: r.Confidence,
	})
}

func (r *ToolResult) UnmarshalJSON(b []byte) error {
	var w toolResultWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Data = w.Data
	r.Duration = time.Duration(w.DurationMS) * time.Millisecond
	r.Confidence = w.Confidence
	return nil
}

// ToolError records a failed source; the failure is partial, never fatal
// to the request.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Evidence is the outcome for one source: exactly one of Result or Err is
// set.
type Evidence struct {
	Result *ToolResult `json:"result,omitempty"`
	Err    *ToolError  `json:"error,omitempty"`
}

// EvidenceBundle maps source name to its outcome. A missing key means the
// source was never attempted.
type EvidenceBundle map[string]Evidence

// Finding is one merged observation tagged with its origin.
type Finding struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// SafetyAlert kinds and levels.
const (
	AlertEmergency        = "emergency"
	AlertImageAnalysis    = "image-analysis"
	AlertMedicationSafety = "medication-safety"
	AlertLowConfidence    = "low-confidence"

	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
)

// SafetyAlert is derived purely from the intent analysis and the merged
// response, never from raw upstream text.
type SafetyAlert struct {
	Kind    string `json:"kind"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// SynthesizedResponse is the merged output returned to the client.
type SynthesizedResponse struct {
	Summary           string             `json:"summary"`
	Analysis          map[string]any     `json:"analysis,omitempty"`
	Findings          []Finding          `json:"findings,omitempty"`
	Recommendations   []string           `json:"recommendations,omitempty"`
	SafetyAlerts      []SafetyAlert      `json:"safetyAlerts,omitempty"`
	Confidence        float64            `json:"confidence"`
	SourceConfidences map[string]float64 `json:"sourceConfidences,omitempty"`
	ToolsUsed         []string           `json:"toolsUsed"`
	MissingSources    []string           `json:"missingSources,omitempty"`
	Evidence          EvidenceBundle     `json:"evidence,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Disclaimer        string             `json:"disclaimer,omitempty"`
	Intent            intent.Analysis    `json:"intent"`
}
