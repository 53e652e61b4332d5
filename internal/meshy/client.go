// Package meshy manages image-to-3D reconstruction tasks against the Meshy
// task API: submit a single- or multi-image job, then poll the task until a
// terminal state with a bounded attempt budget.
package meshy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"patent-backend/internal/shared/apierr"
	"patent-backend/internal/shared/metrics"
	"patent-backend/internal/shared/telemetry"
)

const (
	defaultBaseURL = "https://api.meshy.ai"

	singleImagePath = "/openapi/v1/image-to-3d"
	multiImagePath  = "/openapi/v1/multi-image-to-3d"

	aiModel = "meshy-4"
)

// Task terminal states reported by the remote queue.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusExpired   = "EXPIRED"
)

// TaskKind selects the poll budget: multi-image reconstruction runs longer
// than the single-image flow.
type TaskKind int

const (
	KindSingleImage TaskKind = iota
	KindMultiImage
)

var (
	// ErrProtocol indicates a 2xx response missing the task identifier, or a
	// SUCCEEDED task missing the model locator.
	ErrProtocol = errors.New("meshy api returned an incomplete response")

	// ErrTimeout indicates the polling attempt budget was exhausted.
	ErrTimeout = errors.New("3d generation timed out")
)

// SubmissionError carries a non-2xx task submission failure.
type SubmissionError struct {
	Status  int
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("meshy submission failed (%d): %s", e.Status, e.Message)
}

// GenerationError carries the remote task's failure message.
type GenerationError struct {
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("3d generation failed: %s", e.Message)
}

// Client calls the Meshy task API. The credential is supplied per call so a
// user-provided key can override the server's own.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	interval      time.Duration
	attempts      int
	multiAttempts int
}

// NewClient constructs a Client. baseURL may point at a same-origin relay
// when the provider does not permit direct calls.
func NewClient(baseURL string, interval time.Duration, attempts, multiAttempts int) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if attempts <= 0 {
		attempts = 120
	}
	if multiAttempts <= 0 {
		multiAttempts = 200
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		interval:      interval,
		attempts:      attempts,
		multiAttempts: multiAttempts,
	}
}

type singleImageRequest struct {
	ImageURL  string `json:"image_url"`
	EnablePBR bool   `json:"enable_pbr"`
	AIModel   string `json:"ai_model"`
}

type multiImageRequest struct {
	ImageURLs     []string `json:"image_urls"`
	EnablePBR     bool     `json:"enable_pbr"`
	ShouldRemesh  bool     `json:"should_remesh"`
	ShouldTexture bool     `json:"should_texture"`
	AIModel       string   `json:"ai_model"`
}

type submitResponse struct {
	Result string `json:"result"`
}

type taskStatus struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ModelURLs struct {
		GLB string `json:"glb"`
	} `json:"model_urls"`
	TaskError *struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

// CreateFromImage submits a single-image reconstruction task.
func (c *Client) CreateFromImage(ctx context.Context, apiKey, imageURL string) (string, error) {
	return c.submit(ctx, apiKey, singleImagePath, singleImageRequest{
		ImageURL:  imageURL,
		EnablePBR: true,
		AIModel:   aiModel,
	})
}

// CreateFromImages submits a multi-image reconstruction task with remeshing
// and texturing enabled.
func (c *Client) CreateFromImages(ctx context.Context, apiKey string, imageURLs []string) (string, error) {
	return c.submit(ctx, apiKey, multiImagePath, multiImageRequest{
		ImageURLs:     imageURLs,
		EnablePBR:     true,
		ShouldRemesh:  true,
		ShouldTexture: true,
		AIModel:       aiModel,
	})
}

func (c *Client) submit(ctx context.Context, apiKey, path string, body any) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", &apierr.Error{Provider: "meshy", HTTPStatus: http.StatusUnauthorized, Message: "api key is required"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", &apierr.Error{
				Provider:   "meshy",
				HTTPStatus: resp.StatusCode,
				Message:    extractErrorMessage(raw, resp.Status),
			}
		}
		return "", &SubmissionError{
			Status:  resp.StatusCode,
			Message: extractErrorMessage(raw, resp.Status),
		}
	}

	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode submission response: %w", err)
	}
	if parsed.Result == "" {
		return "", ErrProtocol
	}
	return parsed.Result, nil
}

// WaitForModel polls the task until terminal and returns the GLB locator.
// progress, when non-nil, receives percentage updates as they arrive.
// Transient poll failures are swallowed; only a terminal task state or the
// attempt budget ends the loop.
func (c *Client) WaitForModel(ctx context.Context, apiKey, taskID string, kind TaskKind, progress func(int)) (string, error) {
	maxAttempts := c.attempts
	pollPath := singleImagePath
	if kind == KindMultiImage {
		maxAttempts = c.multiAttempts
		pollPath = multiImagePath
	}
	startedAt := time.Now()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.interval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		metrics.IncTaskPoll()
		status, err := c.pollOnce(ctx, apiKey, pollPath, taskID)
		if err != nil {
			telemetry.Warn("meshy.poll_error", map[string]any{
				"task_id": taskID,
				"error":   err.Error(),
			})
			continue
		}

		if progress != nil {
			progress(status.Progress)
		}

		switch status.Status {
		case StatusSucceeded:
			if status.ModelURLs.GLB == "" {
				return "", ErrProtocol
			}
			metrics.ObserveTaskWaitMs(float64(time.Since(startedAt).Milliseconds()))
			return status.ModelURLs.GLB, nil
		case StatusFailed, StatusExpired:
			msg := "unknown error"
			if status.TaskError != nil && status.TaskError.Message != "" {
				msg = status.TaskError.Message
			}
			return "", &GenerationError{Message: msg}
		}
	}

	metrics.IncTaskTimeout()
	return "", ErrTimeout
}

func (c *Client) pollOnce(ctx context.Context, apiKey, pollPath, taskID string) (taskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pollPath+"/"+taskID, nil)
	if err != nil {
		return taskStatus{}, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return taskStatus{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return taskStatus{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return taskStatus{}, fmt.Errorf("check task status: %d", resp.StatusCode)
	}

	var status taskStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return taskStatus{}, fmt.Errorf("decode task status: %w", err)
	}
	return status, nil
}

// extractErrorMessage pulls a human-readable message from a JSON error body,
// falling back to the raw text, then to the HTTP status line.
func extractErrorMessage(body []byte, statusLine string) string {
	var parsed struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return statusLine
}
