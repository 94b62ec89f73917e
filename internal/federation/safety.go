package federation

import (
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/llm"
)

// safetySummary is the literal summary of the degraded response returned
// when no evidence source and no model result is available.
const safetySummary = "Medical analysis unavailable"

// safetyRecommendations is the fixed recommendation list of the degraded
// response.
var safetyRecommendations = []string{
	"Please consult with a healthcare professional",
	"If this is a medical emergency, call emergency services immediately",
	"Do not make treatment decisions based on this system while it is degraded",
}

// SafetyResponse builds the fixed-shape degraded response. It is a
// well-formed SynthesizedResponse: the platform never succeeds silently
// on nothing, but it never hides the failure either.
func SafetyResponse(a intent.Analysis) *SynthesizedResponse {
	return &SynthesizedResponse{
		Summary:           safetySummary,
		Recommendations:   append([]string(nil), safetyRecommendations...),
		Confidence:        0,
		SourceConfidences: map[string]float64{},
		ToolsUsed:         []string{},
		Disclaimer:        llm.Disclaimer,
		Intent:            a,
	}
}
