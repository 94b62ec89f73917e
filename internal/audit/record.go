package audit

import (
	"time"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tokens"
)

// Kind classifies an audit record.
type Kind string

const (
	KindAccess           Kind = "access"
	KindDataModification Kind = "data-modification"
	KindMedicalQuery     Kind = "medical-query"
	KindSecurityEvent    Kind = "security-event"
	KindHTTP             Kind = "http"
	// KindDropped replaces the original kind when the queue was full; the
	// original severity is preserved.
	KindDropped Kind = "audit-dropped"
)

// Severity grades a record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Record is one append-only audit event. Records are immutable once
// emitted; the sink assigns ID and Timestamp when absent. SessionHash must
// be a hashed identifier, never a raw session id.
type Record struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        Kind           `json:"kind"`
	Severity    Severity       `json:"severity"`
	SessionHash string         `json:"sessionHash,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Outcome     Outcome        `json:"outcome,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`

	// Encrypted replaces Fields on the wire for medical-query records when
	// the sink carries a payload cipher.
	Encrypted *tokens.EncryptedPayload `json:"encrypted,omitempty"`
}
