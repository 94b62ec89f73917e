package federation

import (
	"sort"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/llm"
)

// planEntry is one (tool, method, params) triple bound for the fan-out.
type planEntry struct {
	Tool   string
	Method string
	Params map[string]any
}

// buildPlan maps the required-tools set onto concrete calls. The imaging
// provider is excluded here; it runs on the image branch. Entries come
// out sorted by tool name so the fan-out order is deterministic.
func buildPlan(req Request) []planEntry {
	var plan []planEntry
	for _, tool := range req.Intent.RequiredTools {
		switch tool {
		case "literature-index":
			plan = append(plan, planEntry{
				Tool:   tool,
				Method: "search",
				Params: map[string]any{
					"query":      req.Query,
					"specialty":  string(req.Intent.Specialty),
					"maxResults": 5,
				},
			})
		case "citations":
			plan = append(plan, planEntry{
				Tool:   tool,
				Method: "search",
				Params: map[string]any{"query": req.Query, "maxResults": 5},
			})
		case "clinical-trials":
			plan = append(plan, planEntry{
				Tool:   tool,
				Method: "search",
				Params: map[string]any{
					"condition":       req.Query,
					"recruitingOnly":  true,
					"patientCriteria": req.PatientContext,
				},
			})
		case "knowledge-base":
			entry := planEntry{Tool: tool, Method: "guidelines", Params: map[string]any{"topic": req.Query}}
			if req.Intent.HasIntent(intent.TagDrugInteraction) {
				entry.Method = "drugInteractions"
				entry.Params = map[string]any{
					"query":       req.Query,
					"medications": medicationsFrom(req.PatientContext),
				}
			}
			plan = append(plan, entry)
		}
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Tool < plan[j].Tool })
	return plan
}

func medicationsFrom(pc map[string]any) []string {
	if pc == nil {
		return nil
	}
	for _, key := range []string{"medications", "currentMedications"} {
		list, ok := pc[key].([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// hintFor chooses the response-structure hint from the intent analysis,
// most specific first.
func hintFor(a intent.Analysis) llm.Hint {
	switch {
	case a.HasIntent(intent.TagEmergencyAssessment):
		return llm.HintEmergencyAssessment
	case a.Flags.HasImageUpload:
		return llm.HintImageAnalysis
	case a.HasIntent(intent.TagDrugInteraction):
		return llm.HintDrugTherapy
	case a.HasIntent(intent.TagDifferentialDiagnosis):
		return llm.HintDifferentialDiagnosis
	case a.HasIntent(intent.TagTreatmentOptions):
		return llm.HintTreatmentPlanning
	case a.HasIntent(intent.TagLiteratureSearch), a.HasIntent(intent.TagClinicalTrials), a.HasIntent(intent.TagRareDisease):
		return llm.HintResearchAnalysis
	case a.Specialty != intent.SpecialtyGeneral:
		return llm.HintSpecialtyConsultation
	default:
		return llm.HintGeneral
	}
}
