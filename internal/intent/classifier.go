// Package intent implements the deterministic query classifier: given the
// normalized query text, uploaded-file descriptors, and optional patient
// context, it derives the intent tags, specialty, urgency, required tool
// providers, and a bounded confidence score.
package intent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
)

// FileDescriptor identifies one uploaded file by its original name and
// declared MIME type.
type FileDescriptor struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
}

// Flags are derived from the raw query and carried on the analysis for
// downstream prompt assembly and transparency.
type Flags struct {
	HasImageUpload    bool `json:"hasImageUpload"`
	HasSymptoms       bool `json:"hasSymptoms"`
	HasMedications    bool `json:"hasMedications"`
	HasTimeReference  bool `json:"hasTimeReference"`
	HasUrgencyWord    bool `json:"hasUrgencyWord"`
	HasImageReference bool `json:"hasImageReference"`
}

// Analysis is the classifier output.
type Analysis struct {
	Intents       []Tag     `json:"intents"`
	Specialty     Specialty `json:"specialty"`
	Urgency       Urgency   `json:"urgency"`
	RequiredTools []string  `json:"requiredTools"`
	Confidence    float64   `json:"confidence"`
	Flags         Flags     `json:"flags"`
}

// HasIntent reports whether the analysis detected the given tag.
func (a Analysis) HasIntent(tag Tag) bool {
	for _, t := range a.Intents {
		if t == tag {
			return true
		}
	}
	return false
}

var (
	nonAlnum        = regexp.MustCompile(`[^a-z0-9]+`)
	symptomWords    = []string{"pain", "fever", "cough", "fatigue", "nausea", "symptom", "ache", "swelling"}
	medicationWords = []string{"medication", "drug", "prescribed", "dose", "dosage", "mg", "tablet"}
	timeWords       = []string{"days", "weeks", "months", "years", "hours", "since", "ago", "chronic", "acute"}
	urgencyWords    = []string{"urgent", "emergency", "critical", "severe", "immediately", "asap"}
	imageRefWords   = []string{"image", "scan", "photo", "picture", "xray", "x ray", "mri", "radiograph", "attached"}
)

// Classifier is a pure, table-driven classifier; construction is the only
// place configuration may extend the vocabulary.
type Classifier struct {
	rules []rule
}

// NewClassifier builds the classifier from the built-in vocabulary plus
// any configuration-supplied tags.
func NewClassifier(extra []config.IntentConfig) *Classifier {
	rules := append([]rule(nil), defaultRules...)
	for _, ec := range extra {
		if ec.Tag == "" || len(ec.Keywords) == 0 {
			continue
		}
		rules = append(rules, rule{
			tag:       Tag(ec.Tag),
			keywords:  normalizeAll(ec.Keywords),
			specialty: Specialty(ec.Specialty),
			urgency:   ParseUrgency(ec.Urgency),
			tools:     ec.Tools,
		})
	}
	return &Classifier{rules: rules}
}

// Normalize lowercases the text and collapses every non-alphanumeric run
// to a single space.
func Normalize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, Normalize(s))
	}
	return out
}

// Classify runs the full algorithm. availableTools is the live pool
// membership the required-tools set is projected onto; patientContext is
// already scrubbed.
func (c *Classifier) Classify(query string, files []FileDescriptor, patientContext map[string]any, availableTools []string) Analysis {
	text := Normalize(query)

	a := Analysis{
		Specialty: SpecialtyGeneral,
		Urgency:   UrgencyLow,
		Flags: Flags{
			HasImageUpload:    len(files) > 0,
			HasSymptoms:       containsAny(text, symptomWords),
			HasMedications:    containsAny(text, medicationWords) || hasMedicationContext(patientContext),
			HasTimeReference:  containsAny(text, timeWords),
			HasUrgencyWord:    containsAny(text, urgencyWords),
			HasImageReference: containsAny(text, imageRefWords),
		},
	}

	specialties := map[Specialty]int{}
	urgency := UrgencyLow
	toolSet := map[string]struct{}{}
	imageIntent := false

	// Step 1–2: file scan. A DICOM marker wins outright and short-circuits
	// the remaining descriptors.
	if tag, spec, ok := classifyFiles(files); ok {
		imageIntent = true
		a.Intents = append(a.Intents, tag)
		specialties[spec]++
		if u := urgencyForTag(c.rules, tag); u > urgency {
			urgency = u
		}
		for _, t := range toolsForTag(c.rules, tag) {
			toolSet[t] = struct{}{}
		}
	} else if len(files) > 0 {
		// An image with no filename hint is still a distinct, terminal
		// image intent.
		imageIntent = true
		a.Intents = append(a.Intents, TagMedicalImageAnalysis)
		for _, t := range toolsForTag(c.rules, TagMedicalImageAnalysis) {
			toolSet[t] = struct{}{}
		}
		toolSet["imaging"] = struct{}{}
	}

	// Step 3: text pass. Keep every tag with score > 0, sorted by score
	// descending; equal scores keep vocabulary order for determinism.
	type scored struct {
		r     rule
		score float64
	}
	var hits []scored
	for _, r := range c.rules {
		matches := 0
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		hits = append(hits, scored{r: r, score: float64(matches) / float64(len(r.keywords))})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	matchedKeywords := 0
	for _, h := range hits {
		if !hasTag(a.Intents, h.r.tag) {
			a.Intents = append(a.Intents, h.r.tag)
		}
		specialties[h.r.specialty]++
		if h.r.urgency > urgency {
			urgency = h.r.urgency
		}
		for _, t := range h.r.tools {
			toolSet[t] = struct{}{}
		}
		for _, kw := range h.r.keywords {
			if strings.Contains(text, kw) {
				matchedKeywords++
			}
		}
	}

	if len(a.Intents) == 0 {
		a.Intents = append(a.Intents, TagGeneralMedicalQuery)
		for _, t := range toolsForTag(c.rules, TagGeneralMedicalQuery) {
			toolSet[t] = struct{}{}
		}
	}

	// Step 4: specialty resolution by fixed priority.
	for _, s := range specialtyPriority {
		if s == SpecialtyGeneral {
			break
		}
		if specialties[s] > 0 {
			a.Specialty = s
			break
		}
	}

	// Step 5–6.
	a.Urgency = urgency
	a.RequiredTools = projectTools(toolSet, availableTools)

	// Step 7: bounded confidence sum clamped to [0,1].
	conf := 0.0
	if len(hits) > 0 || imageIntent {
		conf += 0.4
	}
	if imageIntent && a.Flags.HasImageReference {
		conf += 0.2
	}
	if len(a.Intents) >= 2 {
		conf += 0.1
	}
	words := len(strings.Fields(text))
	if words > 0 {
		density := float64(matchedKeywords) / float64(words)
		if density > 1 {
			density = 1
		}
		conf += 0.3 * density
	}
	if conf > 1 {
		conf = 1
	}
	a.Confidence = conf

	return a
}

// classifyFiles applies the image-first rule then the filename heuristics.
func classifyFiles(files []FileDescriptor) (Tag, Specialty, bool) {
	for _, f := range files {
		name := strings.ToLower(f.Filename)
		if strings.HasSuffix(name, ".dcm") || strings.Contains(strings.ToLower(f.MIME), "dicom") {
			return TagRadiologyAnalysis, SpecialtyRadiology, true
		}
	}
	for _, f := range files {
		name := Normalize(f.Filename)
		tokens := strings.Fields(name)
		for _, h := range fileHints {
			if h.tokenOnly {
				for _, tok := range tokens {
					if tok == h.fragment {
						return h.tag, h.specialty, true
					}
				}
				continue
			}
			if strings.Contains(name, h.fragment) {
				return h.tag, h.specialty, true
			}
		}
	}
	return "", SpecialtyGeneral, false
}

// projectTools intersects the required set with the live pool membership,
// sorted for stable output. An empty availableTools means no projection
// (the caller has no pool, e.g. in tests).
func projectTools(required map[string]struct{}, available []string) []string {
	var avail map[string]struct{}
	if available != nil {
		avail = make(map[string]struct{}, len(available))
		for _, t := range available {
			avail[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(required))
	for t := range required {
		if avail != nil {
			if _, ok := avail[t]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func urgencyForTag(rules []rule, tag Tag) Urgency {
	for _, r := range rules {
		if r.tag == tag {
			return r.urgency
		}
	}
	return UrgencyMedium
}

func toolsForTag(rules []rule, tag Tag) []string {
	for _, r := range rules {
		if r.tag == tag {
			return r.tools
		}
	}
	return nil
}

func hasTag(tags []Tag, tag Tag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func hasMedicationContext(pc map[string]any) bool {
	if pc == nil {
		return false
	}
	for _, key := range []string{"medications", "currentMedications", "drugs"} {
		if v, ok := pc[key]; ok && v != nil {
			if list, ok := v.([]any); ok {
				return len(list) > 0
			}
			return true
		}
	}
	return false
}
