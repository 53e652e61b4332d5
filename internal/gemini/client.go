// Package gemini implements the three patent-analysis requests against the
// Gemini generateContent API: figure classification, structural analysis,
// and legal-risk analysis. Requests carry the page images inline and ask for
// a JSON response constrained by a schema.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"patent-backend/internal/shared/apierr"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// legalPageLimit bounds the legal-analysis request to the leading pages,
// where claims and description text concentrate.
const legalPageLimit = 5

// Client calls the Gemini analysis API.
type Client struct {
	apiKey     string
	flashModel string
	proModel   string
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Gemini client. The flash model serves the fast
// figure classification; the pro model serves the two reasoning requests.
func NewClient(apiKey, flashModel, proModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(flashModel) == "" || strings.TrimSpace(proModel) == "" {
		return nil, fmt.Errorf("GEMINI_FLASH_MODEL and GEMINI_PRO_MODEL are required")
	}
	return &Client{
		apiKey:     apiKey,
		flashModel: flashModel,
		proModel:   proModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 180 * time.Second},
	}, nil
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

const (
	figuresSchema = `{"type":"OBJECT","properties":{"figureIndices":{"type":"ARRAY","items":{"type":"INTEGER"}}}}`

	structureSchema = `{"type":"OBJECT","properties":{
"title":{"type":"STRING"},
"patentNumber":{"type":"STRING"},
"inventors":{"type":"ARRAY","items":{"type":"STRING"}},
"abstract":{"type":"STRING"},
"keyComponents":{"type":"ARRAY","items":{"type":"STRING"}},
"structuralDescription":{"type":"STRING"},
"coreInnovation":{"type":"STRING"},
"visualPrompt":{"type":"STRING"}},
"required":["title","patentNumber","inventors","abstract","keyComponents","structuralDescription","coreInnovation","visualPrompt"]}`

	legalSchema = `{"type":"OBJECT","properties":{
"protectedParts":{"type":"ARRAY","items":{"type":"STRING"}},
"unprotectedParts":{"type":"ARRAY","items":{"type":"STRING"}},
"riskAssessment":{"type":"STRING"}}}`
)

// ClassifyFigures returns the 0-based indices of pages containing a visual
// technical drawing. A malformed or empty model answer degrades to an empty
// set; only transport-level failures surface as errors.
func (c *Client) ClassifyFigures(ctx context.Context, images [][]byte) ([]int, error) {
	parts := imageParts(images)
	parts = append(parts, part{Text: figuresPrompt})

	raw, err := c.generate(ctx, c.flashModel, parts, figuresSchema)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		FigureIndices []int `json:"figureIndices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return []int{}, nil
	}

	indices := make([]int, 0, len(parsed.FigureIndices))
	for _, idx := range parsed.FigureIndices {
		if idx >= 0 && idx < len(images) {
			indices = append(indices, idx)
		}
	}
	return indices, nil
}

// AnalyzeStructure extracts patent metadata, the core innovation, a
// structural description, and a video-generation prompt from the full page
// sequence. All fields are required.
func (c *Client) AnalyzeStructure(ctx context.Context, images [][]byte) (StructuralAnalysis, error) {
	parts := imageParts(images)
	parts = append(parts, part{Text: structurePrompt})

	raw, err := c.generate(ctx, c.proModel, parts, structureSchema)
	if err != nil {
		return StructuralAnalysis{}, err
	}

	var analysis StructuralAnalysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return StructuralAnalysis{}, fmt.Errorf("parse structural analysis: %w", err)
	}
	if missing := analysis.missingFields(); len(missing) > 0 {
		return StructuralAnalysis{}, &SchemaError{Missing: missing}
	}
	return analysis, nil
}

// AnalyzeLegalRisk classifies described parts into claim-protected and
// generic over the first pages of the document. claimsText, when available,
// rides along as an extra text part to sharpen the classification.
func (c *Client) AnalyzeLegalRisk(ctx context.Context, images [][]byte, claimsText string) (LegalAnalysis, error) {
	bounded := images
	if len(bounded) > legalPageLimit {
		bounded = bounded[:legalPageLimit]
	}
	parts := imageParts(bounded)
	if strings.TrimSpace(claimsText) != "" {
		parts = append(parts, part{Text: "Extracted claims and description text:\n" + claimsText})
	}
	parts = append(parts, part{Text: legalPrompt})

	raw, err := c.generate(ctx, c.proModel, parts, legalSchema)
	if err != nil {
		return LegalAnalysis{}, err
	}

	var analysis LegalAnalysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return LegalAnalysis{}, fmt.Errorf("parse legal analysis: %w", err)
	}
	if strings.TrimSpace(analysis.RiskSummary) == "" {
		return LegalAnalysis{}, &SchemaError{Missing: []string{"riskAssessment"}}
	}
	return analysis, nil
}

func (c *Client) generate(ctx context.Context, model string, parts []part, schema string) (json.RawMessage, error) {
	reqBody := generateRequest{
		Contents: []content{{Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   json.RawMessage(schema),
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiErrorFromBody("gemini", resp.StatusCode, body)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini response has no candidates")
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("gemini returned non-JSON payload")
	}
	return json.RawMessage(text), nil
}

func imageParts(images [][]byte) []part {
	parts := make([]part, 0, len(images)+2)
	for _, img := range images {
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: "image/jpeg",
				Data:     base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	return parts
}

func apiErrorFromBody(provider string, status int, body []byte) error {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return &apierr.Error{
			Provider:   provider,
			HTTPStatus: status,
			Code:       parsed.Error.Status,
			Message:    parsed.Error.Message,
		}
	}
	return &apierr.Error{
		Provider:   provider,
		HTTPStatus: status,
		Message:    strings.TrimSpace(string(body)),
	}
}
