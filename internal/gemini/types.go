package gemini

import (
	"fmt"
	"strings"
)

// StructuralAnalysis is the primary analysis result. Every field is required;
// a response missing any of them is rejected with a SchemaError.
type StructuralAnalysis struct {
	Title                 string   `json:"title"`
	PatentNumber          string   `json:"patentNumber"`
	Inventors             []string `json:"inventors"`
	Abstract              string   `json:"abstract"`
	KeyComponents         []string `json:"keyComponents"`
	StructuralDescription string   `json:"structuralDescription"`
	CoreInnovation        string   `json:"coreInnovation"`
	VideoPrompt           string   `json:"visualPrompt"`
}

// LegalAnalysis classifies described parts into claim-protected and generic,
// with a narrative risk summary. Produced independently of StructuralAnalysis.
type LegalAnalysis struct {
	ProtectedParts   []string `json:"protectedParts"`
	UnprotectedParts []string `json:"unprotectedParts"`
	RiskSummary      string   `json:"riskAssessment"`
}

// SchemaError indicates an analysis response that parsed as JSON but did not
// satisfy the expected schema.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("analysis response missing required fields: %s", strings.Join(e.Missing, ", "))
}

func (a StructuralAnalysis) missingFields() []string {
	var missing []string
	if strings.TrimSpace(a.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(a.PatentNumber) == "" {
		missing = append(missing, "patentNumber")
	}
	if len(a.Inventors) == 0 {
		missing = append(missing, "inventors")
	}
	if strings.TrimSpace(a.Abstract) == "" {
		missing = append(missing, "abstract")
	}
	if len(a.KeyComponents) == 0 {
		missing = append(missing, "keyComponents")
	}
	if strings.TrimSpace(a.StructuralDescription) == "" {
		missing = append(missing, "structuralDescription")
	}
	if strings.TrimSpace(a.CoreInnovation) == "" {
		missing = append(missing, "coreInnovation")
	}
	if strings.TrimSpace(a.VideoPrompt) == "" {
		missing = append(missing, "visualPrompt")
	}
	return missing
}
