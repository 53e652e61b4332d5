package patents

import (
	"fmt"
	"time"

	"patent-backend/internal/gemini"
	"patent-backend/internal/sessions"
)

type sessionResponse struct {
	SessionID     string   `json:"sessionId"`
	FileName      string   `json:"fileName"`
	PageCount     int      `json:"pageCount"`
	PageURLs      []string `json:"pageUrls"`
	FigureIndices []int    `json:"figureIndices,omitempty"`

	Analysis      *gemini.StructuralAnalysis `json:"analysis,omitempty"`
	LegalAnalysis *gemini.LegalAnalysis      `json:"legalAnalysis,omitempty"`

	VideoURL      string `json:"videoUrl,omitempty"`
	ModelURL      string `json:"modelUrl,omitempty"`
	ModelProgress int    `json:"modelProgress"`

	IsAnalyzing       bool `json:"isAnalyzing"`
	IsLegalAnalyzing  bool `json:"isLegalAnalyzing"`
	IsVideoGenerating bool `json:"isVideoGenerating"`
	IsModelGenerating bool `json:"isModelGenerating"`

	Error             string `json:"error,omitempty"`
	CredentialInvalid bool   `json:"credentialInvalid"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toResponse(s sessions.Session, baseURL string) sessionResponse {
	pageURLs := make([]string, 0, s.PageCount)
	for i := 0; i < s.PageCount; i++ {
		pageURLs = append(pageURLs, fmt.Sprintf("%s/api/v1/patents/%s/pages/%d", baseURL, s.ID, i))
	}

	resp := sessionResponse{
		SessionID:         s.ID,
		FileName:          s.FileName,
		PageCount:         s.PageCount,
		PageURLs:          pageURLs,
		FigureIndices:     s.FigureIndices,
		Analysis:          s.Analysis,
		LegalAnalysis:     s.Legal,
		ModelURL:          s.ModelURL,
		ModelProgress:     s.ModelProgress,
		IsAnalyzing:       s.IsAnalyzing,
		IsLegalAnalyzing:  s.IsLegalAnalyzing,
		IsVideoGenerating: s.IsVideoGenerating,
		IsModelGenerating: s.IsModelGenerating,
		Error:             s.LastError,
		CredentialInvalid: s.CredentialInvalid,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if s.VideoAssetKey != "" {
		resp.VideoURL = fmt.Sprintf("%s/api/v1/patents/%s/assets/video", baseURL, s.ID)
	}
	return resp
}
