package llm

import (
	"encoding/json"
	"strings"
)

// expectedFields are the structured-payload fields the prompt asks for;
// each present field raises the structured confidence score.
var expectedFields = []string{"summary", "findings", "recommendations", "safety", "confidence"}

// medicalKeywords drive the text-path confidence score: the more of them
// an unstructured answer covers, the more it reads like a clinical
// assessment rather than a refusal or filler.
var medicalKeywords = []string{
	"diagnosis", "treatment", "symptom", "patient", "clinical",
	"medication", "risk", "evidence", "recommend", "assessment",
}

func parseResponse(text string) *Result {
	res := &Result{Raw: text}

	if obj, ok := extractJSONObject(text); ok {
		res.IsStructured = true
		res.Structured = obj
		res.Summary = stringField(obj, "summary")
		res.Recommendations = stringListField(obj, "recommendations")
		res.Safety = stringListField(obj, "safety")
		res.Evidence = stringListField(obj, "evidence")
		if res.Evidence == nil {
			res.Evidence = stringListField(obj, "findings")
		}

		conf := 0.5
		for _, f := range expectedFields {
			if _, ok := obj[f]; ok {
				conf += 0.1
			}
		}
		if conf > 1 {
			conf = 1
		}
		res.Confidence = conf
		return res
	}

	extractSections(text, res)

	lower := strings.ToLower(text)
	covered := 0
	for _, kw := range medicalKeywords {
		if strings.Contains(lower, kw) {
			covered++
		}
	}
	conf := 0.3 + 0.5*float64(covered)/float64(len(medicalKeywords))
	if conf > 0.8 {
		conf = 0.8
	}
	res.Confidence = conf
	return res
}

// extractJSONObject finds the longest balanced top-level {...} span that
// decodes to an object. String literals and escapes inside the candidate
// are honored so braces in prose do not break the balance count.
func extractJSONObject(text string) (map[string]any, bool) {
	bestStart, bestEnd := -1, -1
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if inString {
				continue
			}
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if inString || depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if i-start > bestEnd-bestStart {
					bestStart, bestEnd = start, i
				}
				start = -1
			}
		}
	}

	if bestStart < 0 {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text[bestStart:bestEnd+1]), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// sectionMarkers route a sentence into a section on the text-extraction
// path. First match wins; unmatched leading sentences feed the summary.
var sectionMarkers = []struct {
	words  []string
	target func(*Result, string)
}{
	{
		words:  []string{"recommend", "should", "consider", "advise", "suggested"},
		target: func(r *Result, s string) { r.Recommendations = append(r.Recommendations, s) },
	},
	{
		words:  []string{"warning", "caution", "risk", "seek immediate", "emergency", "contraindicated", "urgent"},
		target: func(r *Result, s string) { r.Safety = append(r.Safety, s) },
	},
	{
		words:  []string{"study", "studies", "trial", "evidence", "literature", "research shows"},
		target: func(r *Result, s string) { r.Evidence = append(r.Evidence, s) },
	},
}

// extractSections derives summary/recommendations/safety/evidence from
// free text by sentence scan.
func extractSections(text string, res *Result) {
	var summary []string
	for _, sentence := range splitSentences(text) {
		lower := strings.ToLower(sentence)
		routed := false
		for _, m := range sectionMarkers {
			for _, w := range m.words {
				if strings.Contains(lower, w) {
					m.target(res, sentence)
					routed = true
					break
				}
			}
			if routed {
				break
			}
		}
		if !routed && len(summary) < 3 {
			summary = append(summary, sentence)
		}
	}
	res.Summary = strings.Join(summary, " ")
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(cur.String()); s != "" && s != "." {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func stringListField(obj map[string]any, key string) []string {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			switch item := e.(type) {
			case string:
				out = append(out, item)
			case map[string]any:
				// Models often emit objects; keep their primary text.
				for _, k := range []string{"text", "description", "finding", "recommendation"} {
					if s, ok := item[k].(string); ok {
						out = append(out, s)
						break
					}
				}
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}
