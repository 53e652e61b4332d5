package server

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"patent-backend/internal/gemini"
	"patent-backend/internal/meshy"
	"patent-backend/internal/patents"
	"patent-backend/internal/raster"
	"patent-backend/internal/sessions"
	"patent-backend/internal/shared/config"
	"patent-backend/internal/shared/metrics"
	"patent-backend/internal/shared/server/middleware"
	"patent-backend/internal/shared/server/respond"
	"patent-backend/internal/shared/storage/object"
	localstore "patent-backend/internal/shared/storage/object/local"
	s3store "patent-backend/internal/shared/storage/object/s3"
	"patent-backend/internal/video"
)

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
		middleware.RateLimit(rateLimitConfig()),
	)

	// Dependencies
	var store object.ObjectStore
	if cfg.ObjectStoreType == "s3" {
		s3, err := s3store.New(context.Background(), cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			log.Printf("failed to initialize s3 store, falling back to local: %v", err)
			store = localstore.New(cfg.LocalStoreDir)
		} else {
			store = s3
		}
	} else {
		store = localstore.New(cfg.LocalStoreDir)
	}

	analyzer, err := gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiFlashModel, cfg.GeminiProModel)
	if err != nil {
		log.Fatalf("gemini client: %v", err)
	}
	videoMgr, err := video.NewManager(cfg.GeminiAPIKey, cfg.VeoModel, store, cfg.VideoPollInterval, cfg.VideoPollAttempts)
	if err != nil {
		log.Fatalf("video manager: %v", err)
	}
	meshyClient := meshy.NewClient(cfg.MeshyBaseURL, cfg.MeshyPollInterval, cfg.MeshyPollAttempts, cfg.MeshyMultiPollAttempts)

	svc := &patents.Service{
		Sessions:      sessions.NewStore(),
		Store:         store,
		Raster:        raster.New(),
		Analyzer:      analyzer,
		Video:         videoMgr,
		Models:        meshyClient,
		PublicBaseURL: cfg.PublicBaseURL,
		MeshyAPIKey:   cfg.MeshyAPIKey,
	}
	handler := patents.NewHandler(svc)

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/metrics", metrics.Handler())
	handler.RegisterRoutes(api)

	return r
}

func rateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		GroupFor: func(c *gin.Context) string {
			path := c.FullPath()
			method := c.Request.Method
			switch {
			case method == http.MethodPost && path == "/api/v1/patents":
				return "UPLOAD"
			case method == http.MethodPost && (path == "/api/v1/patents/:id/video" || path == "/api/v1/patents/:id/model"):
				return "GENERATE"
			case method == http.MethodGet && path == "/api/v1/patents/:id":
				return "POLLING"
			}
			return ""
		},
		Rules: map[string]middleware.RateLimitRule{
			"UPLOAD":   {Rate: 0.2, Burst: 3},
			"GENERATE": {Rate: 0.1, Burst: 2},
			"POLLING":  {Rate: 2, Burst: 10},
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
