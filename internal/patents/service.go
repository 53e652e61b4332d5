package patents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"patent-backend/internal/extract"
	"patent-backend/internal/gemini"
	"patent-backend/internal/meshy"
	"patent-backend/internal/raster"
	"patent-backend/internal/sessions"
	"patent-backend/internal/shared/apierr"
	"patent-backend/internal/shared/metrics"
	"patent-backend/internal/shared/storage/object"
	"patent-backend/internal/shared/telemetry"
	"patent-backend/internal/shared/util"
)

const (
	stageFigures   = "figures"
	stageStructure = "structure"
	stageLegal     = "legal"
)

// Analyzer runs the three document analysis stages.
type Analyzer interface {
	ClassifyFigures(ctx context.Context, images [][]byte) ([]int, error)
	AnalyzeStructure(ctx context.Context, images [][]byte) (gemini.StructuralAnalysis, error)
	AnalyzeLegalRisk(ctx context.Context, images [][]byte, claimsText string) (gemini.LegalAnalysis, error)
}

// VideoSynthesizer runs a walkthrough video generation task to completion
// and returns the storage key of the downloaded asset.
type VideoSynthesizer interface {
	Synthesize(ctx context.Context, sessionID, prompt string) (string, error)
}

// ModelReconstructor runs image-to-3D tasks to completion.
type ModelReconstructor interface {
	CreateFromImage(ctx context.Context, apiKey, imageURL string) (string, error)
	CreateFromImages(ctx context.Context, apiKey string, imageURLs []string) (string, error)
	WaitForModel(ctx context.Context, apiKey, taskID string, kind meshy.TaskKind, progress func(int)) (string, error)
}

// Rasterizer converts a PDF into page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte) ([]raster.PageImage, error)
}

// Service contains business logic for patent analysis sessions.
type Service struct {
	Sessions *sessions.Store
	Store    object.ObjectStore
	Raster   Rasterizer
	Analyzer Analyzer
	Video    VideoSynthesizer
	Models   ModelReconstructor

	// PublicBaseURL is this server's externally reachable address; page
	// image URLs handed to the reconstruction provider are built from it.
	PublicBaseURL string

	// MeshyAPIKey is the server-side fallback credential. Requests may carry
	// their own key; with neither present, reconstruction fails closed.
	MeshyAPIKey string
}

// Upload ingests a patent PDF: stores it, rasterizes its pages, and kicks
// off the three analysis stages asynchronously. A non-empty sessionID renews
// that session, discarding in-flight results from its previous document.
func (s *Service) Upload(ctx context.Context, sessionID, fileName string, file io.Reader) (sessions.Session, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return sessions.Session{}, ErrInvalidUpload
	}
	if !strings.HasSuffix(strings.ToLower(fileName), ".pdf") && http.DetectContentType(data) != "application/pdf" {
		return sessions.Session{}, ErrInvalidUpload
	}

	renew := sessionID != ""
	if renew {
		if _, err := s.Sessions.Get(sessionID); err != nil {
			return sessions.Session{}, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	pdfKey, _, _, err := s.Store.Save(ctx, sessionID, fileName, bytes.NewReader(data))
	if err != nil {
		return sessions.Session{}, fmt.Errorf("store pdf: %w", err)
	}

	pages, err := s.Raster.Rasterize(ctx, data)
	if err != nil {
		return sessions.Session{}, err
	}

	pageKeys := make([]string, 0, len(pages))
	images := make([][]byte, 0, len(pages))
	prefix := util.HashSessionKey(sessionID)
	for _, page := range pages {
		key := fmt.Sprintf("%s/pages/%d.jpg", prefix, page.Index)
		if _, err := s.Store.SaveWithKey(ctx, key, "image/jpeg", bytes.NewReader(page.Data)); err != nil {
			return sessions.Session{}, fmt.Errorf("store page %d: %w", page.Index, err)
		}
		pageKeys = append(pageKeys, key)
		images = append(images, page.Data)
	}

	claimsText, err := extract.ClaimsText(data, raster.MaxPages)
	if err != nil {
		// Legal analysis degrades to images only.
		telemetry.Warn("upload.claims_extraction_failed", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"session_id": sessionID,
			"error":      err.Error(),
		})
		claimsText = ""
	}

	fresh := sessions.Session{
		ID:               sessionID,
		FileName:         fileName,
		PDFKey:           pdfKey,
		PageCount:        len(pages),
		PageKeys:         pageKeys,
		IsAnalyzing:      true,
		IsLegalAnalyzing: true,
	}

	var session sessions.Session
	if renew {
		session, err = s.Sessions.Renew(sessionID, fresh)
		if err != nil {
			return sessions.Session{}, err
		}
	} else {
		session = s.Sessions.Create(fresh)
	}

	metrics.IncUpload()
	telemetry.Info("upload.accepted", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": sessionID,
		"file_name":  fileName,
		"page_count": len(pages),
	})

	bg := backgroundWithRequestID(ctx)
	go s.runFigureStage(bg, sessionID, session.Generation, images)
	go s.runStructureStage(bg, sessionID, session.Generation, images)
	go s.runLegalStage(bg, sessionID, session.Generation, images, claimsText)

	return session, nil
}

// Get returns a snapshot of the session.
func (s *Service) Get(sessionID string) (sessions.Session, error) {
	return s.Sessions.Get(sessionID)
}

// StartVideo kicks off walkthrough video synthesis from the structural
// analysis's scene prompt.
func (s *Service) StartVideo(ctx context.Context, sessionID string) (sessions.Session, error) {
	session, err := s.Sessions.Get(sessionID)
	if err != nil {
		return sessions.Session{}, err
	}
	if session.Analysis == nil {
		return sessions.Session{}, ErrAnalysisIncomplete
	}

	// The in-progress check runs inside the patch so two concurrent starts
	// cannot both arm the flag.
	armed := false
	err = s.Sessions.Patch(sessionID, session.Generation, func(sess *sessions.Session) {
		if sess.IsVideoGenerating {
			return
		}
		armed = true
		sess.IsVideoGenerating = true
		sess.VideoAssetKey = ""
		sess.LastError = ""
	})
	if err != nil {
		return sessions.Session{}, err
	}
	if !armed {
		return sessions.Session{}, ErrTaskInProgress
	}

	started, err := s.Sessions.Get(sessionID)
	if err != nil {
		return sessions.Session{}, err
	}

	go s.runVideoTask(backgroundWithRequestID(ctx), sessionID, session.Generation, session.Analysis.VideoPrompt)

	return started, nil
}

// StartModel kicks off 3D reconstruction from the selected page images.
// apiKey, when non-empty, overrides the server's configured credential.
func (s *Service) StartModel(ctx context.Context, sessionID, apiKey string, pageIndices []int) (sessions.Session, error) {
	session, err := s.Sessions.Get(sessionID)
	if err != nil {
		return sessions.Session{}, err
	}
	if len(pageIndices) == 0 {
		return sessions.Session{}, ErrNoPagesSelected
	}
	for _, idx := range pageIndices {
		if idx < 0 || idx >= session.PageCount {
			return sessions.Session{}, ErrBadPageIndex
		}
	}

	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = strings.TrimSpace(s.MeshyAPIKey)
	}
	if key == "" {
		return sessions.Session{}, ErrMeshyKeyRequired
	}

	imageURLs := make([]string, 0, len(pageIndices))
	for _, idx := range pageIndices {
		imageURLs = append(imageURLs, fmt.Sprintf("%s/api/v1/patents/%s/pages/%d", s.PublicBaseURL, sessionID, idx))
	}

	armed := false
	err = s.Sessions.Patch(sessionID, session.Generation, func(sess *sessions.Session) {
		if sess.IsModelGenerating {
			return
		}
		armed = true
		sess.IsModelGenerating = true
		sess.ModelURL = ""
		sess.ModelProgress = 0
		sess.LastError = ""
	})
	if err != nil {
		return sessions.Session{}, err
	}
	if !armed {
		return sessions.Session{}, ErrTaskInProgress
	}

	started, err := s.Sessions.Get(sessionID)
	if err != nil {
		return sessions.Session{}, err
	}

	go s.runModelTask(backgroundWithRequestID(ctx), sessionID, session.Generation, key, imageURLs)

	return started, nil
}

func (s *Service) runFigureStage(ctx context.Context, sessionID string, generation uint64, images [][]byte) {
	startedAt := time.Now().UTC()
	indices, err := s.Analyzer.ClassifyFigures(ctx, images)
	if err != nil {
		// Without a figure set every page stays selectable, so this stage
		// never surfaces an error to the client unless the credential is bad.
		s.failStage(ctx, sessionID, generation, stageFigures, err, startedAt)
		return
	}
	s.completeStage(ctx, sessionID, generation, stageFigures, startedAt, func(sess *sessions.Session) {
		sess.FigureIndices = indices
	})
}

func (s *Service) runStructureStage(ctx context.Context, sessionID string, generation uint64, images [][]byte) {
	startedAt := time.Now().UTC()
	analysis, err := s.Analyzer.AnalyzeStructure(ctx, images)
	if err != nil {
		s.failStage(ctx, sessionID, generation, stageStructure, err, startedAt)
		return
	}
	s.completeStage(ctx, sessionID, generation, stageStructure, startedAt, func(sess *sessions.Session) {
		sess.Analysis = &analysis
		sess.IsAnalyzing = false
	})
}

func (s *Service) runLegalStage(ctx context.Context, sessionID string, generation uint64, images [][]byte, claimsText string) {
	startedAt := time.Now().UTC()
	legal, err := s.Analyzer.AnalyzeLegalRisk(ctx, images, claimsText)
	if err != nil {
		s.failStage(ctx, sessionID, generation, stageLegal, err, startedAt)
		return
	}
	s.completeStage(ctx, sessionID, generation, stageLegal, startedAt, func(sess *sessions.Session) {
		sess.Legal = &legal
		sess.IsLegalAnalyzing = false
	})
}

func (s *Service) completeStage(ctx context.Context, sessionID string, generation uint64, stage string, startedAt time.Time, apply func(*sessions.Session)) {
	err := s.Sessions.Patch(sessionID, generation, apply)
	if err != nil {
		s.logDiscarded(ctx, sessionID, stage, err)
		return
	}
	metrics.IncStageCompleted()
	metrics.ObserveStageDurationMs(float64(time.Since(startedAt).Milliseconds()))
	telemetry.Info("analysis.stage", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"session_id":  sessionID,
		"stage":       stage,
		"status":      "completed",
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})
}

func (s *Service) failStage(ctx context.Context, sessionID string, generation uint64, stage string, stageErr error, startedAt time.Time) {
	metrics.IncStageFailed()
	metrics.ObserveStageDurationMs(float64(time.Since(startedAt).Milliseconds()))
	telemetry.Error("analysis.stage", map[string]any{
		"request_id":  requestIDFromContext(ctx),
		"session_id":  sessionID,
		"stage":       stage,
		"status":      "failed",
		"error":       stageErr.Error(),
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})

	if isCredentialFailure(stageErr) {
		s.markCredentialFailure(ctx, sessionID, generation)
		return
	}

	var patch func(*sessions.Session)
	switch stage {
	case stageFigures:
		// Log-only: all pages remain selectable.
		return
	case stageStructure:
		patch = func(sess *sessions.Session) {
			sess.IsAnalyzing = false
			sess.LastError = "Main Analysis failed: " + sanitizeError(stageErr)
		}
	case stageLegal:
		patch = func(sess *sessions.Session) {
			sess.IsLegalAnalyzing = false
			sess.LastError = "Legal Analysis failed: " + sanitizeError(stageErr)
		}
	}
	if err := s.Sessions.Patch(sessionID, generation, patch); err != nil {
		s.logDiscarded(ctx, sessionID, stage, err)
	}
}

func (s *Service) runVideoTask(ctx context.Context, sessionID string, generation uint64, prompt string) {
	assetKey, err := s.Video.Synthesize(ctx, sessionID, prompt)
	if err != nil {
		s.failTask(ctx, sessionID, generation, "video", err, func(sess *sessions.Session) {
			sess.IsVideoGenerating = false
			sess.LastError = "Video generation failed: " + sanitizeError(err)
		})
		return
	}
	err = s.Sessions.Patch(sessionID, generation, func(sess *sessions.Session) {
		sess.IsVideoGenerating = false
		sess.VideoAssetKey = assetKey
	})
	if err != nil {
		s.logDiscarded(ctx, sessionID, "video", err)
		return
	}
	telemetry.Info("generation.task", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": sessionID,
		"task":       "video",
		"status":     "completed",
	})
}

func (s *Service) runModelTask(ctx context.Context, sessionID string, generation uint64, apiKey string, imageURLs []string) {
	kind := meshy.KindSingleImage
	var taskID string
	var err error
	if len(imageURLs) == 1 {
		taskID, err = s.Models.CreateFromImage(ctx, apiKey, imageURLs[0])
	} else {
		kind = meshy.KindMultiImage
		taskID, err = s.Models.CreateFromImages(ctx, apiKey, imageURLs)
	}
	if err != nil {
		s.failTask(ctx, sessionID, generation, "model", err, func(sess *sessions.Session) {
			sess.IsModelGenerating = false
			sess.LastError = "3D generation failed: " + sanitizeError(err)
		})
		return
	}

	progress := func(pct int) {
		patchErr := s.Sessions.Patch(sessionID, generation, func(sess *sessions.Session) {
			sess.ModelProgress = pct
		})
		if patchErr != nil {
			s.logDiscarded(ctx, sessionID, "model", patchErr)
		}
	}

	modelURL, err := s.Models.WaitForModel(ctx, apiKey, taskID, kind, progress)
	if err != nil {
		s.failTask(ctx, sessionID, generation, "model", err, func(sess *sessions.Session) {
			sess.IsModelGenerating = false
			sess.LastError = "3D generation failed: " + sanitizeError(err)
		})
		return
	}

	err = s.Sessions.Patch(sessionID, generation, func(sess *sessions.Session) {
		sess.IsModelGenerating = false
		sess.ModelURL = modelURL
		sess.ModelProgress = 100
	})
	if err != nil {
		s.logDiscarded(ctx, sessionID, "model", err)
		return
	}
	telemetry.Info("generation.task", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": sessionID,
		"task":       "model",
		"status":     "completed",
	})
}

func (s *Service) failTask(ctx context.Context, sessionID string, generation uint64, task string, taskErr error, patch func(*sessions.Session)) {
	telemetry.Error("generation.task", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": sessionID,
		"task":       task,
		"status":     "failed",
		"error":      taskErr.Error(),
	})
	if isCredentialFailure(taskErr) {
		s.markCredentialFailure(ctx, sessionID, generation)
		return
	}
	if err := s.Sessions.Patch(sessionID, generation, patch); err != nil {
		s.logDiscarded(ctx, sessionID, task, err)
	}
}

// markCredentialFailure halts everything running for the session: a bad key
// will fail every subsequent call the same way.
func (s *Service) markCredentialFailure(ctx context.Context, sessionID string, generation uint64) {
	err := s.Sessions.Patch(sessionID, generation, func(sess *sessions.Session) {
		sess.CredentialInvalid = true
		sess.IsAnalyzing = false
		sess.IsLegalAnalyzing = false
		sess.IsVideoGenerating = false
		sess.IsModelGenerating = false
		sess.LastError = "API key is invalid or expired"
	})
	if err != nil {
		s.logDiscarded(ctx, sessionID, "credential", err)
	}
}

func (s *Service) logDiscarded(ctx context.Context, sessionID, stage string, err error) {
	if errors.Is(err, sessions.ErrStaleGeneration) {
		telemetry.Info("analysis.result_discarded", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"session_id": sessionID,
			"stage":      stage,
		})
		return
	}
	telemetry.Error("analysis.patch_failed", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"session_id": sessionID,
		"stage":      stage,
		"error":      err.Error(),
	})
}

func isCredentialFailure(err error) bool {
	if apierr.IsCredential(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "requested entity")
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 100
	if len(msg) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
