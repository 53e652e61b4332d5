package sessions

import (
	"time"

	"patent-backend/internal/gemini"
)

// Session holds everything derived from one uploaded patent document:
// the rasterized pages, the analysis results as they stream in, and the
// state of any generation task running against them.
type Session struct {
	ID         string
	Generation uint64

	FileName  string
	PDFKey    string
	PageCount int
	PageKeys  []string

	FigureIndices []int
	Analysis      *gemini.StructuralAnalysis
	Legal         *gemini.LegalAnalysis

	VideoAssetKey string
	ModelURL      string
	ModelProgress int

	IsAnalyzing       bool
	IsLegalAnalyzing  bool
	IsVideoGenerating bool
	IsModelGenerating bool

	LastError         string
	CredentialInvalid bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
