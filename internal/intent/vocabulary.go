package intent

// Tag is one entry of the closed intent vocabulary. New tags enter only
// through configuration, never by hard-coding call sites.
type Tag string

const (
	TagRadiologyAnalysis     Tag = "RADIOLOGY_ANALYSIS"
	TagDermatologyAnalysis   Tag = "DERMATOLOGY_ANALYSIS"
	TagPathologyAnalysis     Tag = "PATHOLOGY_ANALYSIS"
	TagMedicalImageAnalysis  Tag = "MEDICAL_IMAGE_ANALYSIS"
	TagDifferentialDiagnosis Tag = "DIFFERENTIAL_DIAGNOSIS"
	TagSymptomAnalysis       Tag = "SYMPTOM_ANALYSIS"
	TagTreatmentOptions      Tag = "TREATMENT_OPTIONS"
	TagDrugInteraction       Tag = "DRUG_INTERACTION"
	TagLiteratureSearch      Tag = "LITERATURE_SEARCH"
	TagClinicalTrials        Tag = "CLINICAL_TRIALS"
	TagGuidelinesLookup      Tag = "GUIDELINES_LOOKUP"
	TagRareDisease           Tag = "RARE_DISEASE"
	TagEmergencyAssessment   Tag = "EMERGENCY_ASSESSMENT"
	TagCardiologyAnalysis    Tag = "CARDIOLOGY_ANALYSIS"
	TagNeurologyAnalysis     Tag = "NEUROLOGY_ANALYSIS"
	TagOncologyAnalysis      Tag = "ONCOLOGY_ANALYSIS"
	TagGeneralMedicalQuery   Tag = "GENERAL_MEDICAL_QUERY"
)

// Specialty is the closed clinical-specialty set.
type Specialty string

const (
	SpecialtyCardiology   Specialty = "cardiology"
	SpecialtyNeurology    Specialty = "neurology"
	SpecialtyOncology     Specialty = "oncology"
	SpecialtyRadiology    Specialty = "radiology"
	SpecialtyDermatology  Specialty = "dermatology"
	SpecialtyPathology    Specialty = "pathology"
	SpecialtyEmergency    Specialty = "emergency_medicine"
	SpecialtyPharmacology Specialty = "pharmacology"
	SpecialtyResearch     Specialty = "research"
	SpecialtyGenetics     Specialty = "genetics"
	SpecialtyGeneral      Specialty = "general"
)

// specialtyPriority resolves ties deterministically: the most specific
// non-general specialty wins, in this fixed order.
var specialtyPriority = []Specialty{
	SpecialtyEmergency,
	SpecialtyCardiology,
	SpecialtyNeurology,
	SpecialtyOncology,
	SpecialtyRadiology,
	SpecialtyDermatology,
	SpecialtyPathology,
	SpecialtyPharmacology,
	SpecialtyGenetics,
	SpecialtyResearch,
	SpecialtyGeneral,
}

// Urgency orders strictly: critical > high > medium > low.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyCritical:
		return "critical"
	case UrgencyHigh:
		return "high"
	case UrgencyMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalJSON renders the urgency as its string form.
func (u Urgency) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

// ParseUrgency maps a string form back to its level; unknown input is low.
func ParseUrgency(s string) Urgency {
	switch s {
	case "critical":
		return UrgencyCritical
	case "high":
		return UrgencyHigh
	case "medium":
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// rule binds one tag to its trigger keywords, specialty, urgency, and the
// tool providers able to serve it. Keywords are matched as substrings of
// the normalized query.
type rule struct {
	tag       Tag
	keywords  []string
	specialty Specialty
	urgency   Urgency
	tools     []string
}

// defaultRules is the built-in vocabulary. Tool names come from the
// closed provider set; the classifier projects them onto the providers
// actually connected at call time.
var defaultRules = []rule{
	{
		tag:       TagEmergencyAssessment,
		keywords:  []string{"emergency", "unconscious", "unresponsive", "seizure", "cardiac arrest", "anaphylaxis", "stroke", "not breathing", "severe bleeding", "overdose", "critical"},
		specialty: SpecialtyEmergency,
		urgency:   UrgencyCritical,
		tools:     []string{"knowledge-base", "literature-index"},
	},
	{
		tag:       TagCardiologyAnalysis,
		keywords:  []string{"chest pain", "palpitations", "arrhythmia", "heart", "cardiac", "myocardial", "angina", "hypertension", "ecg", "ekg"},
		specialty: SpecialtyCardiology,
		urgency:   UrgencyHigh,
		tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		tag:       TagNeurologyAnalysis,
		keywords:  []string{"headache", "migraine", "seizure", "numbness", "weakness", "neurological", "tremor", "memory loss", "dizziness"},
		specialty: SpecialtyNeurology,
		urgency:   UrgencyHigh,
		tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		tag:       TagOncologyAnalysis,
		keywords:  []string{"cancer", "tumor", "oncology", "malignant", "metastasis", "chemotherapy", "radiation therapy", "biopsy result"},
		specialty: SpecialtyOncology,
		urgency:   UrgencyHigh,
		tools:     []string{"literature-index", "clinical-trials", "knowledge-base"},
	},
	{
		tag:       TagDifferentialDiagnosis,
		keywords:  []string{"differential", "diagnosis", "diagnose", "what could cause", "rule out", "workup"},
		specialty: SpecialtyGeneral,
		urgency:   UrgencyMedium,
		tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		tag:       TagSymptomAnalysis,
		keywords:  []string{"symptom", "pain", "fever", "cough", "fatigue", "nausea", "presenting with", "complains of", "evaluate"},
		specialty: SpecialtyGeneral,
		urgency:   UrgencyMedium,
		tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		tag:       TagTreatmentOptions,
		keywords:  []string{"treatment", "therapy", "management", "intervention", "treat", "prognosis"},
		specialty: SpecialtyGeneral,
		urgency:   UrgencyMedium,
		tools:     []string{"knowledge-base", "literature-index"},
	},
	{
		tag:       TagDrugInteraction,
		keywords:  []string{"drug interaction", "medication", "contraindication", "dosage", "side effect", "adverse", "prescribed", "pharmacology"},
		specialty: SpecialtyPharmacology,
		urgency:   UrgencyHigh,
		tools:     []string{"knowledge-base"},
	},
	{
		tag:       TagLiteratureSearch,
		keywords:  []string{"literature", "studies", "research", "evidence", "publication", "pubmed", "meta analysis", "systematic review"},
		specialty: SpecialtyResearch,
		urgency:   UrgencyLow,
		tools:     []string{"literature-index", "citations"},
	},
	{
		tag:       TagClinicalTrials,
		keywords:  []string{"clinical trial", "trial", "enrollment", "eligibility", "recruiting", "phase"},
		specialty: SpecialtyResearch,
		urgency:   UrgencyLow,
		tools:     []string{"clinical-trials"},
	},
	{
		tag:       TagGuidelinesLookup,
		keywords:  []string{"guideline", "protocol", "standard of care", "recommendation", "best practice"},
		specialty: SpecialtyGeneral,
		urgency:   UrgencyLow,
		tools:     []string{"knowledge-base", "literature-index"},
	},
	{
		tag:       TagRareDisease,
		keywords:  []string{"rare disease", "orphan", "genetic disorder", "syndrome", "hereditary", "mutation"},
		specialty: SpecialtyGenetics,
		urgency:   UrgencyMedium,
		tools:     []string{"literature-index", "clinical-trials"},
	},
	{
		tag:       TagRadiologyAnalysis,
		keywords:  []string{"xray", "x ray", "radiograph", "ct scan", "mri", "ultrasound", "imaging study", "radiology"},
		specialty: SpecialtyRadiology,
		urgency:   UrgencyMedium,
		tools:     []string{"imaging", "literature-index"},
	},
	{
		tag:       TagDermatologyAnalysis,
		keywords:  []string{"rash", "lesion", "mole", "skin", "dermatology", "eczema", "psoriasis", "melanoma"},
		specialty: SpecialtyDermatology,
		urgency:   UrgencyMedium,
		tools:     []string{"imaging", "literature-index"},
	},
	{
		tag:       TagPathologyAnalysis,
		keywords:  []string{"pathology", "histology", "biopsy", "specimen", "cytology", "stain"},
		specialty: SpecialtyPathology,
		urgency:   UrgencyMedium,
		tools:     []string{"imaging", "literature-index"},
	},
	{
		tag:       TagGeneralMedicalQuery,
		keywords:  []string{"what is", "explain", "tell me about", "information", "overview"},
		specialty: SpecialtyGeneral,
		urgency:   UrgencyLow,
		tools:     []string{"literature-index"},
	},
}

// fileHint maps a filename fragment to an image intent. Short fragments
// match whole filename tokens; longer ones match as substrings.
type fileHint struct {
	fragment  string
	tokenOnly bool
	tag       Tag
	specialty Specialty
}

var fileHints = []fileHint{
	{fragment: "xray", tag: TagRadiologyAnalysis, specialty: SpecialtyRadiology},
	{fragment: "ct", tokenOnly: true, tag: TagRadiologyAnalysis, specialty: SpecialtyRadiology},
	{fragment: "mri", tokenOnly: true, tag: TagRadiologyAnalysis, specialty: SpecialtyRadiology},
	{fragment: "fundus", tag: TagRadiologyAnalysis, specialty: SpecialtyRadiology},
	{fragment: "oct", tokenOnly: true, tag: TagRadiologyAnalysis, specialty: SpecialtyRadiology},
	{fragment: "dermoscopy", tag: TagDermatologyAnalysis, specialty: SpecialtyDermatology},
	{fragment: "skin", tag: TagDermatologyAnalysis, specialty: SpecialtyDermatology},
	{fragment: "pathology", tag: TagPathologyAnalysis, specialty: SpecialtyPathology},
	{fragment: "biopsy", tag: TagPathologyAnalysis, specialty: SpecialtyPathology},
}
