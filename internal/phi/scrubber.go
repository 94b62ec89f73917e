// Package phi detects and redacts protected health information in free
// text and structured payloads. Detection is a single regex pass over a
// fixed pattern table; structured records are walked recursively with a
// field-name denylist. Scrubbing is pure and idempotent: the replacement
// token never matches any pattern, so scrub(scrub(x)) == scrub(x).
package phi

import (
	"regexp"
	"strings"
)

// DefaultToken is the replacement for every detected value.
const DefaultToken = "[REDACTED]"

// Category classifies the kind of identifier found.
type Category string

const (
	CategorySSN        Category = "ssn"
	CategoryPhone      Category = "phone"
	CategoryEmail      Category = "email"
	CategoryMRN        Category = "mrn"
	CategoryDate       Category = "date"
	CategoryAddress    Category = "address"
	CategoryZIP        Category = "zip"
	CategoryCreditCard Category = "creditCard"
	// CategoryName is a best-effort TitleCase bigram match. It is advisory:
	// strict scrub guarantees exclude it.
	CategoryName Category = "name"
)

// Report counts detections per category for one scrub pass.
type Report map[Category]int

// Found reports whether any category fired.
func (r Report) Found() bool { return len(r) > 0 }

// Categories returns the categories that fired, unordered.
func (r Report) Categories() []Category {
	out := make([]Category, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	return out
}

type pattern struct {
	category Category
	regex    *regexp.Regexp
}

// defaultDenylist lists structured-field names whose values are replaced
// wholesale, regardless of content. Comparison is case-insensitive.
var defaultDenylist = []string{
	"email", "phone", "ssn", "mrn",
	"firstname", "lastname", "fullname",
	"address", "zipcode", "patientid", "userid",
	"ip", "useragent",
}

// Scrubber redacts PHI from strings and structured values. Construct with
// NewScrubber; the zero value is not usable.
type Scrubber struct {
	token    string
	patterns []pattern
	denylist map[string]struct{}
}

// Option configures a Scrubber.
type Option func(*Scrubber)

// WithToken overrides the replacement token.
func WithToken(token string) Option {
	return func(s *Scrubber) { s.token = token }
}

// WithFieldAliases extends the structured-field denylist.
func WithFieldAliases(aliases []string) Option {
	return func(s *Scrubber) {
		for _, a := range aliases {
			s.denylist[normalizeKey(a)] = struct{}{}
		}
	}
}

// NewScrubber builds a scrubber with the fixed pattern table and the
// default field denylist.
func NewScrubber(opts ...Option) *Scrubber {
	s := &Scrubber{
		token:    DefaultToken,
		denylist: make(map[string]struct{}, len(defaultDenylist)),
	}
	for _, k := range defaultDenylist {
		s.denylist[k] = struct{}{}
	}

	// Order matters: longer, more specific patterns run before the ones
	// they could partially overlap (card before phone, SSN before ZIP).
	s.patterns = []pattern{
		{CategoryCreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
		{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{CategoryMRN, regexp.MustCompile(`(?i)\b(?:mrn|medical record(?:\s+number)?)[:#\s]*\d{6,12}\b`)},
		{CategoryPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?[2-9]\d{2}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{CategoryDate, regexp.MustCompile(`\b(?:\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|(?:19|20)\d{2}-\d{1,2}-\d{1,2})\b`)},
		{CategoryAddress, regexp.MustCompile(`(?i)\b\d+\s+(?:[A-Za-z]+\s+){0,3}(?:street|avenue|boulevard|lane|drive|court|place|road|way|st|ave|blvd|ln|dr|ct|pl|rd)\b\.?`)},
		{CategoryZIP, regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)},
		{CategoryName, regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`)},
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScrubString returns a redacted copy of input and a report of what fired.
func (s *Scrubber) ScrubString(input string) (string, Report) {
	report := Report{}
	result := input
	for _, p := range s.patterns {
		matches := p.regex.FindAllStringIndex(result, -1)
		if len(matches) == 0 {
			continue
		}
		report[p.category] += len(matches)
		result = p.regex.ReplaceAllString(result, s.token)
	}
	return result, report
}

// Scrub is ScrubString without the report.
func (s *Scrubber) Scrub(input string) string {
	out, _ := s.ScrubString(input)
	return out
}

// ScrubValue recursively redacts a structured value. Values of denylisted
// field names are replaced wholesale with the token; string leaves pass
// through the string rule. The input is never mutated.
func (s *Scrubber) ScrubValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if s.isDenied(key) {
				out[key] = s.token
				continue
			}
			out[key] = s.ScrubValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = s.ScrubValue(inner)
		}
		return out
	case string:
		return s.Scrub(v)
	default:
		return v
	}
}

// ScrubMap is ScrubValue specialized to the map shape most payloads use.
func (s *Scrubber) ScrubMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return s.ScrubValue(m).(map[string]any)
}

func (s *Scrubber) isDenied(key string) bool {
	_, ok := s.denylist[normalizeKey(key)]
	return ok
}

// normalizeKey lowercases and strips separators so "patient_id", "patientId"
// and "patient-id" all hit the same denylist entry.
func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
