package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
)

var allTools = []string{"literature-index", "citations", "clinical-trials", "knowledge-base", "imaging"}

func TestClassifyScenarios(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name          string
		query         string
		files         []FileDescriptor
		wantIntents   []Tag
		wantSpecialty Specialty
		wantUrgency   Urgency
		wantTools     []string
	}{
		{
			name:          "chest pain evaluation",
			query:         "evaluate 45-year-old female with chest pain",
			wantIntents:   []Tag{TagSymptomAnalysis, TagCardiologyAnalysis},
			wantSpecialty: SpecialtyCardiology,
			wantUrgency:   UrgencyHigh,
			wantTools:     []string{"knowledge-base", "literature-index"},
		},
		{
			name:          "emergency wording",
			query:         "patient unconscious with seizure, critical",
			wantIntents:   []Tag{TagEmergencyAssessment, TagNeurologyAnalysis},
			wantSpecialty: SpecialtyEmergency,
			wantUrgency:   UrgencyCritical,
		},
		{
			name:          "drug interactions",
			query:         "check drug interaction between warfarin and new medication",
			wantIntents:   []Tag{TagDrugInteraction},
			wantSpecialty: SpecialtyPharmacology,
			wantUrgency:   UrgencyHigh,
			wantTools:     []string{"knowledge-base"},
		},
		{
			name:          "trial search",
			query:         "find recruiting clinical trial phase 3 enrollment",
			wantIntents:   []Tag{TagClinicalTrials},
			wantSpecialty: SpecialtyResearch,
			wantUrgency:   UrgencyLow,
			wantTools:     []string{"clinical-trials"},
		},
		{
			name:          "no medical keywords",
			query:         "hello there",
			wantIntents:   []Tag{TagGeneralMedicalQuery},
			wantSpecialty: SpecialtyGeneral,
			wantUrgency:   UrgencyLow,
			wantTools:     []string{"literature-index"},
		},
		{
			name:          "xray filename drives radiology",
			query:         "evaluate for pneumonia",
			files:         []FileDescriptor{{Filename: "chest_xray.png", MIME: "image/png"}},
			wantIntents:   []Tag{TagRadiologyAnalysis, TagSymptomAnalysis},
			wantSpecialty: SpecialtyRadiology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.query, tt.files, nil, allTools)
			for _, want := range tt.wantIntents {
				assert.True(t, got.HasIntent(want), "expected intent %s, got %v", want, got.Intents)
			}
			assert.Equal(t, tt.wantSpecialty, got.Specialty)
			if tt.wantUrgency != 0 || tt.wantSpecialty == SpecialtyGeneral {
				assert.Equal(t, tt.wantUrgency, got.Urgency)
			}
			for _, tool := range tt.wantTools {
				assert.Contains(t, got.RequiredTools, tool)
			}
		})
	}
}

func TestDICOMShortCircuit(t *testing.T) {
	c := NewClassifier(nil)

	// The DICOM marker wins even when a later filename suggests another
	// specialty.
	files := []FileDescriptor{
		{Filename: "series_001.dcm", MIME: "application/dicom"},
		{Filename: "skin_lesion.jpg", MIME: "image/jpeg"},
	}
	got := c.Classify("review this study", files, nil, allTools)
	assert.True(t, got.HasIntent(TagRadiologyAnalysis))
	assert.False(t, got.HasIntent(TagDermatologyAnalysis))
	assert.Equal(t, SpecialtyRadiology, got.Specialty)
}

func TestImageWithoutHintIsTerminalImageIntent(t *testing.T) {
	c := NewClassifier(nil)

	got := c.Classify("please review", []FileDescriptor{{Filename: "IMG_4021.png", MIME: "image/png"}}, nil, allTools)
	assert.True(t, got.HasIntent(TagMedicalImageAnalysis))
	assert.Contains(t, got.RequiredTools, "imaging")
}

func TestShortTokenHeuristicsDoNotMisfire(t *testing.T) {
	c := NewClassifier(nil)

	// "ct" must match as a filename token, not inside arbitrary words.
	got := c.Classify("review", []FileDescriptor{{Filename: "doctor_notes_picture.png", MIME: "image/png"}}, nil, allTools)
	assert.False(t, got.HasIntent(TagRadiologyAnalysis))

	got = c.Classify("review", []FileDescriptor{{Filename: "abdomen_ct_axial.png", MIME: "image/png"}}, nil, allTools)
	assert.True(t, got.HasIntent(TagRadiologyAnalysis))
}

func TestToolsProjectedOntoAvailable(t *testing.T) {
	c := NewClassifier(nil)

	got := c.Classify("find literature and studies on statin myopathy", nil, nil, []string{"literature-index"})
	assert.Equal(t, []string{"literature-index"}, got.RequiredTools, "citations is required but not available")
}

func TestConfidenceBoundsAndTerms(t *testing.T) {
	c := NewClassifier(nil)

	none := c.Classify("hello there friend", nil, nil, allTools)
	assert.Less(t, none.Confidence, 0.5)

	rich := c.Classify(
		"differential diagnosis for chest pain with fever, check drug interaction, attached xray image scan",
		[]FileDescriptor{{Filename: "chest_xray.png", MIME: "image/png"}},
		nil, allTools)
	assert.GreaterOrEqual(t, rich.Confidence, 0.5)
	assert.LessOrEqual(t, rich.Confidence, 1.0)
	assert.True(t, rich.Flags.HasImageReference)
	assert.True(t, rich.Flags.HasImageUpload)
}

func TestFlags(t *testing.T) {
	c := NewClassifier(nil)

	got := c.Classify("severe chest pain for 3 days, on 20mg statin", nil,
		map[string]any{"medications": []any{"atorvastatin"}}, allTools)
	assert.True(t, got.Flags.HasSymptoms)
	assert.True(t, got.Flags.HasMedications)
	assert.True(t, got.Flags.HasTimeReference)
	assert.True(t, got.Flags.HasUrgencyWord)
	assert.False(t, got.Flags.HasImageUpload)
}

func TestDeterminism(t *testing.T) {
	c := NewClassifier(nil)
	query := "differential diagnosis for rash and fever with recent medication change"
	files := []FileDescriptor{{Filename: "skin_rash.jpg", MIME: "image/jpeg"}}

	first := c.Classify(query, files, nil, allTools)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, c.Classify(query, files, nil, allTools))
	}
}

func TestConfiguredExtraTag(t *testing.T) {
	c := NewClassifier([]config.IntentConfig{{
		Tag:       "VETERINARY_QUERY",
		Keywords:  []string{"canine", "feline"},
		Specialty: "general",
		Urgency:   "low",
		Tools:     []string{"literature-index"},
	}})

	got := c.Classify("canine dermatitis treatment", nil, nil, allTools)
	require.True(t, got.HasIntent(Tag("VETERINARY_QUERY")))
	assert.True(t, got.HasIntent(TagTreatmentOptions))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "evaluate 45 year old female", Normalize("Evaluate 45-year-old FEMALE!"))
	assert.Equal(t, "", Normalize("  --  "))
}
