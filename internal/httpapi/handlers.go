package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/federation"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/imaging"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
)

var errInvalidTimeframe = apperr.New(apperr.CodeInvalidField, "timeframe must be one of 1h, 24h, 7d, 30d")

// chatInput is the parsed, scrubbed body of a chat-style request.
type chatInput struct {
	Message        string
	PatientContext map[string]any
	History        []federation.Message
	Image          *imaging.Artifact
	Files          []intent.FileDescriptor
}

// handleMedicalChat is the federated chat endpoint: multipart with a
// `message` field, optional patient context, conversation history, and an
// optional medical image.
func (s *Server) handleMedicalChat(w http.ResponseWriter, r *http.Request) {
	snap, _ := sessionFrom(r.Context())

	in, err := s.parseChatInput(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.synthesizeAndRespond(w, r, snap.ID, in, "medical-chat")
}

func (s *Server) handleDifferentialDiagnosis(w http.ResponseWriter, r *http.Request) {
	snap, _ := sessionFrom(r.Context())

	var body struct {
		ClinicalData any `json:"clinicalData"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeInvalidField, "malformed request body"))
		return
	}
	if body.ClinicalData == nil {
		writeError(w, apperr.New(apperr.CodeMissingField, "clinicalData is required"))
		return
	}

	in := &chatInput{
		Message: "differential diagnosis for: " + asText(body.ClinicalData),
	}
	s.scrubInput(in)
	s.synthesizeAndRespond(w, r, snap.ID, in, "differential-diagnosis")
}

func (s *Server) handleClinicalTrials(w http.ResponseWriter, r *http.Request) {
	snap, _ := sessionFrom(r.Context())

	var body struct {
		Condition       string         `json:"condition"`
		PatientCriteria map[string]any `json:"patientCriteria"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeInvalidField, "malformed request body"))
		return
	}
	if strings.TrimSpace(body.Condition) == "" {
		writeError(w, apperr.New(apperr.CodeMissingField, "condition is required"))
		return
	}

	in := &chatInput{
		Message:        "find recruiting clinical trial options for " + body.Condition,
		PatientContext: body.PatientCriteria,
	}
	s.scrubInput(in)
	s.synthesizeAndRespond(w, r, snap.ID, in, "clinical-trials")
}

func (s *Server) handleDrugInteractions(w http.ResponseWriter, r *http.Request) {
	snap, _ := sessionFrom(r.Context())

	var body struct {
		Medications []string `json:"medications"`
		NewDrug     string   `json:"newDrug"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeInvalidField, "malformed request body"))
		return
	}
	if len(body.Medications) == 0 {
		writeError(w, apperr.New(apperr.CodeMissingField, "medications is required"))
		return
	}

	message := "check drug interaction for " + strings.Join(body.Medications, ", ")
	if body.NewDrug != "" {
		message += " when adding " + body.NewDrug
	}
	meds := make([]any, 0, len(body.Medications))
	for _, m := range body.Medications {
		meds = append(meds, m)
	}
	in := &chatInput{
		Message:        message,
		PatientContext: map[string]any{"medications": meds},
	}
	s.scrubInput(in)
	s.synthesizeAndRespond(w, r, snap.ID, in, "drug-interactions")
}

func (s *Server) handleImageAnalysis(w http.ResponseWriter, r *http.Request) {
	snap, _ := sessionFrom(r.Context())

	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, err)
		return
	}
	file, header, err := r.FormFile("medicalImage")
	if err != nil {
		writeError(w, apperr.New(apperr.CodeMissingField, "medicalImage file is required"))
		return
	}
	defer file.Close()

	in := &chatInput{Message: r.FormValue("clinicalContext")}
	if in.Message == "" {
		in.Message = "analyze this medical image"
	}
	if opts := r.FormValue("analysisOptions"); opts != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(opts), &m); err != nil {
			writeError(w, apperr.New(apperr.CodeInvalidField, "analysisOptions must be a JSON object"))
			return
		}
		in.PatientContext = m
	}
	s.scrubInput(in)

	if err := s.attachImage(r, in, file, header, snap.ID); err != nil {
		writeError(w, err)
		return
	}
	s.synthesizeAndRespond(w, r, snap.ID, in, "image-analysis")
}

// synthesizeAndRespond classifies, orchestrates, records usage, and
// encodes. Shared by every medical endpoint.
func (s *Server) synthesizeAndRespond(w http.ResponseWriter, r *http.Request, sessionID string, in *chatInput, resource string) {
	analysis := s.classifier.Classify(in.Message, in.Files, in.PatientContext, s.pool.Connected())

	resp, err := s.orchestrator.Synthesize(r.Context(), federation.Request{
		Query:          in.Message,
		Intent:         analysis,
		Image:          in.Image,
		PatientContext: in.PatientContext,
		History:        in.History,
		SessionID:      sessionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.sessions.RecordUsage(sessionID, resp.ToolsUsed, []string{resource})
	writeJSON(w, http.StatusOK, resp)
}

// parseChatInput handles both multipart (with optional image) and plain
// JSON chat bodies, scrubbing all free text on the way in.
func (s *Server) parseChatInput(w http.ResponseWriter, r *http.Request) (*chatInput, error) {
	in := &chatInput{}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := s.parseMultipart(w, r); err != nil {
			return nil, err
		}
		in.Message = r.FormValue("message")
		if pc := r.FormValue("patientContext"); pc != "" {
			if err := json.Unmarshal([]byte(pc), &in.PatientContext); err != nil {
				return nil, apperr.New(apperr.CodeInvalidField, "patientContext must be a JSON object")
			}
		}
		if ch := r.FormValue("conversationHistory"); ch != "" {
			if err := json.Unmarshal([]byte(ch), &in.History); err != nil {
				return nil, apperr.New(apperr.CodeInvalidField, "conversationHistory must be a JSON array")
			}
		}

		if file, header, err := r.FormFile("medicalImage"); err == nil {
			defer file.Close()
			if strings.TrimSpace(in.Message) == "" {
				return nil, apperr.New(apperr.CodeMissingField, "message is required")
			}
			s.scrubInput(in)
			snap, _ := sessionFrom(r.Context())
			if err := s.attachImage(r, in, file, header, snap.ID); err != nil {
				return nil, err
			}
			return in, nil
		}
	} else {
		var body struct {
			Message             string               `json:"message"`
			PatientContext      map[string]any       `json:"patientContext"`
			ConversationHistory []federation.Message `json:"conversationHistory"`
		}
		if err := decodeJSONBody(w, r, &body); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInvalidField, "malformed request body")
		}
		in.Message = body.Message
		in.PatientContext = body.PatientContext
		in.History = body.ConversationHistory
	}

	if strings.TrimSpace(in.Message) == "" {
		return nil, apperr.New(apperr.CodeMissingField, "message is required")
	}
	s.scrubInput(in)
	return in, nil
}

// scrubInput applies the PHI scrubber to every inbound free-text field
// and bounds the history tail.
func (s *Server) scrubInput(in *chatInput) {
	if len(in.History) > maxHistoryMessages {
		in.History = in.History[len(in.History)-maxHistoryMessages:]
	}
	if s.scrubber == nil {
		return
	}
	in.Message = s.scrubber.Scrub(in.Message)
	if in.PatientContext != nil {
		in.PatientContext = s.scrubber.ScrubMap(in.PatientContext)
	}
	for i := range in.History {
		in.History[i].Content = s.scrubber.Scrub(in.History[i].Content)
	}
}

// parseMultipart bounds and parses a multipart body. The hard byte cap is
// the image limit plus slack for the text fields.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	maxBytes := int64(s.cfg.Image.MaxSizeMB)<<20 + maxJSONBody
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Newf(apperr.CodePayloadTooLarge, "request exceeds the %d MiB limit", s.cfg.Image.MaxSizeMB)
		}
		return apperr.Wrap(err, apperr.CodeInvalidField, "malformed multipart body")
	}
	return nil
}

// attachImage runs the preprocessor on the uploaded file and records the
// file descriptor for intent classification.
func (s *Server) attachImage(r *http.Request, in *chatInput, file multipart.File, header *multipart.FileHeader, sessionID string) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInvalidImage, "could not read uploaded image")
	}

	mime := header.Header.Get("Content-Type")
	in.Files = append(in.Files, intent.FileDescriptor{Filename: header.Filename, MIME: mime})

	art, err := s.preproc.Process(r.Context(), data, mime, header.Filename, sessionID)
	if err != nil {
		return err
	}
	in.Image = art
	return nil
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
