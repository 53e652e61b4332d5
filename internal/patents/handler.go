package patents

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"patent-backend/internal/raster"
	"patent-backend/internal/sessions"
	"patent-backend/internal/shared/server/middleware"
	"patent-backend/internal/shared/server/respond"
)

const maxUploadSize = 20 << 20 // 20MB

// Handler wires HTTP handlers to the patents service.
type Handler struct {
	Svc  *Service
	poll *pollLimiter
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{
		Svc:  svc,
		poll: newPollLimiter(pollLimitWindow, nil),
	}
}

// RegisterRoutes attaches patent routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/patents", h.upload)
	rg.GET("/patents/:id", h.get)
	rg.POST("/patents/:id/video", h.startVideo)
	rg.POST("/patents/:id/model", h.startModel)
	rg.GET("/patents/:id/pages/:index", h.servePage)
	rg.GET("/patents/:id/assets/:kind", h.serveAsset)
}

func (h *Handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	sessionID := strings.TrimSpace(c.PostForm("sessionId"))

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	session, err := h.Svc.Upload(ctx, sessionID, fileHeader.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidUpload):
			respond.Error(c, http.StatusBadRequest, "validation_error", ErrInvalidUpload.Error(), nil)
		case errors.Is(err, raster.ErrNoPages):
			respond.Error(c, http.StatusBadRequest, "validation_error", "the PDF contains no renderable pages", nil)
		case errors.Is(err, sessions.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to process upload", nil)
		}
		return
	}

	respond.JSON(c, http.StatusAccepted, toResponse(session, h.Svc.PublicBaseURL))
}

func (h *Handler) get(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.poll.Allow(c.ClientIP(), sessionID) {
		c.Header("Retry-After", strconv.Itoa(h.poll.RetryAfterSeconds()))
		respond.Error(c, http.StatusTooManyRequests, "poll_too_fast", "polling too frequently", nil)
		return
	}

	session, err := h.Svc.Get(sessionID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch session", nil)
		}
		return
	}

	respond.JSON(c, http.StatusOK, toResponse(session, h.Svc.PublicBaseURL))
}

func (h *Handler) startVideo(c *gin.Context) {
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	session, err := h.Svc.StartVideo(ctx, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		case errors.Is(err, ErrAnalysisIncomplete):
			respond.Error(c, http.StatusConflict, "analysis_incomplete", ErrAnalysisIncomplete.Error(), nil)
		case errors.Is(err, ErrTaskInProgress):
			respond.Error(c, http.StatusConflict, "task_in_progress", ErrTaskInProgress.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start video generation", nil)
		}
		return
	}

	respond.JSON(c, http.StatusAccepted, toResponse(session, h.Svc.PublicBaseURL))
}

type startModelRequest struct {
	PageIndices []int `json:"pageIndices"`
}

func (h *Handler) startModel(c *gin.Context) {
	var req startModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	apiKey := strings.TrimSpace(c.GetHeader("X-Meshy-Key"))

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	session, err := h.Svc.StartModel(ctx, c.Param("id"), apiKey, req.PageIndices)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		case errors.Is(err, ErrNoPagesSelected):
			respond.Error(c, http.StatusBadRequest, "validation_error", ErrNoPagesSelected.Error(), nil)
		case errors.Is(err, ErrBadPageIndex):
			respond.Error(c, http.StatusBadRequest, "validation_error", ErrBadPageIndex.Error(), nil)
		case errors.Is(err, ErrMeshyKeyRequired):
			respond.Error(c, http.StatusUnauthorized, "credential_required", ErrMeshyKeyRequired.Error(), nil)
		case errors.Is(err, ErrTaskInProgress):
			respond.Error(c, http.StatusConflict, "task_in_progress", ErrTaskInProgress.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start 3d reconstruction", nil)
		}
		return
	}

	respond.JSON(c, http.StatusAccepted, toResponse(session, h.Svc.PublicBaseURL))
}

func (h *Handler) servePage(c *gin.Context) {
	session, err := h.Svc.Get(c.Param("id"))
	if err != nil {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= len(session.PageKeys) {
		respond.Error(c, http.StatusNotFound, "not_found", "page not found", nil)
		return
	}

	h.serveObject(c, session.PageKeys[index], "image/jpeg")
}

func (h *Handler) serveAsset(c *gin.Context) {
	session, err := h.Svc.Get(c.Param("id"))
	if err != nil {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return
	}

	switch c.Param("kind") {
	case "video":
		if session.VideoAssetKey == "" {
			respond.Error(c, http.StatusNotFound, "not_found", "no video has been generated", nil)
			return
		}
		h.serveObject(c, session.VideoAssetKey, "video/mp4")
	default:
		respond.Error(c, http.StatusNotFound, "not_found", "unknown asset kind", nil)
	}
}

func (h *Handler) serveObject(c *gin.Context, storageKey, contentType string) {
	body, err := h.Svc.Store.Open(c.Request.Context(), storageKey)
	if err != nil {
		respond.Error(c, http.StatusNotFound, "not_found", "object not found", nil)
		return
	}
	defer body.Close()

	// Stream straight from the store; generated videos do not fit comfortably
	// in a per-request buffer.
	c.DataFromReader(http.StatusOK, -1, contentType, body, nil)
}
