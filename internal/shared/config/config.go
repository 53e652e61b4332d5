package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	// PublicBaseURL is the externally reachable base URL of this API. Page
	// image URLs handed to the 3D reconstruction service are built from it.
	PublicBaseURL string

	GeminiAPIKey     string
	GeminiFlashModel string
	GeminiProModel   string
	VeoModel         string

	MeshyAPIKey  string
	MeshyBaseURL string

	VideoPollInterval time.Duration
	VideoPollAttempts int
	MeshyPollInterval time.Duration
	MeshyPollAttempts int
	// MeshyMultiPollAttempts bounds multi-image reconstruction, which runs
	// longer than the single-image flow.
	MeshyMultiPollAttempts int

	Env string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	geminiKey := os.Getenv("GEMINI_API_KEY")

	if env == "production" && geminiKey == "" {
		log.Printf("GEMINI_API_KEY is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		GeminiAPIKey:     geminiKey,
		GeminiFlashModel: getEnv("GEMINI_FLASH_MODEL", "gemini-2.5-flash"),
		GeminiProModel:   getEnv("GEMINI_PRO_MODEL", "gemini-3-pro-preview"),
		VeoModel:         getEnv("VEO_MODEL", "veo-3.1-fast-generate-preview"),

		MeshyAPIKey:  os.Getenv("MESHY_API_KEY"),
		MeshyBaseURL: strings.TrimRight(getEnv("MESHY_BASE_URL", "https://api.meshy.ai"), "/"),

		VideoPollInterval:      getDurationSeconds("VIDEO_POLL_SECONDS", 10),
		VideoPollAttempts:      getInt("VIDEO_POLL_ATTEMPTS", 90),
		MeshyPollInterval:      getDurationSeconds("MESHY_POLL_SECONDS", 3),
		MeshyPollAttempts:      getInt("MESHY_POLL_ATTEMPTS", 120),
		MeshyMultiPollAttempts: getInt("MESHY_MULTI_POLL_ATTEMPTS", 200),

		Env: env,
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getDurationSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getInt(key, defSeconds)) * time.Second
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
