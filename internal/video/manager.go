// Package video manages long-running video synthesis jobs: submit a
// generation request from a text prompt, poll the returned operation until
// it is terminal, then download the produced asset into the object store.
package video

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
	"patent-backend/internal/shared/storage/object"
	"patent-backend/internal/shared/telemetry"
	"patent-backend/internal/shared/util"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

var (
	// ErrProtocol indicates a 2xx submission response without an operation
	// handle, or a success status without the promised asset locator.
	ErrProtocol = errors.New("video api returned an incomplete response")

	// ErrMissingOutput indicates the operation finished without a video URI.
	ErrMissingOutput = errors.New("video generation completed, but no video link was returned; the prompt may have been filtered")

	// ErrTimeout indicates the polling attempt budget was exhausted.
	ErrTimeout = errors.New("video generation timed out")
)

// GenerationError carries an explicit operation-level failure verbatim.
type GenerationError struct {
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("video generation failed: %s", e.Message)
}

// DownloadError indicates a non-2xx response while fetching a finished asset.
type DownloadError struct {
	Status int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to fetch video file: status %d", e.Status)
}

// Manager submits and tracks video generation operations.
type Manager struct {
	apiKey      string
	model       string
	baseURL     string
	store       object.ObjectStore
	httpClient  *http.Client
	interval    time.Duration
	maxAttempts int
}

// NewManager constructs a Manager. interval and maxAttempts bound the
// polling loop; maxAttempts <= 0 falls back to a generous default rather
// than polling forever.
func NewManager(apiKey, model string, store object.ObjectStore, interval time.Duration, maxAttempts int) (*Manager, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for video synthesis")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("VEO_MODEL is required")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 90
	}
	return &Manager{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		store:       store,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		interval:    interval,
		maxAttempts: maxAttempts,
	}, nil
}

type submitRequest struct {
	Instances  []submitInstance `json:"instances"`
	Parameters submitParameters `json:"parameters"`
}

type submitInstance struct {
	Prompt string `json:"prompt"`
}

type submitParameters struct {
	SampleCount int    `json:"sampleCount"`
	Resolution  string `json:"resolution"`
	AspectRatio string `json:"aspectRatio"`
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Metadata *struct {
		State string `json:"state"`
	} `json:"metadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GeneratedVideos []struct {
			Video struct {
				URI string `json:"uri"`
			} `json:"video"`
		} `json:"generatedVideos"`
	} `json:"response"`
}

// Synthesize runs the full submit/poll/download cycle and returns the
// object-store key of the downloaded video.
func (m *Manager) Synthesize(ctx context.Context, sessionID, prompt string) (string, error) {
	startedAt := time.Now()

	op, err := m.submit(ctx, prompt)
	if err != nil {
		return "", err
	}
	telemetry.Info("video.submitted", map[string]any{
		"session_id": sessionID,
		"operation":  op,
	})

	uri, err := m.waitForVideo(ctx, sessionID, op)
	if err != nil {
		return "", err
	}

	assetKey, err := m.download(ctx, sessionID, uri)
	if err != nil {
		return "", err
	}

	metrics.ObserveTaskWaitMs(float64(time.Since(startedAt).Milliseconds()))
	return assetKey, nil
}

func (m *Manager) submit(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(submitRequest{
		Instances: []submitInstance{{Prompt: prompt}},
		Parameters: submitParameters{
			SampleCount: 1,
			Resolution:  "1080p",
			AspectRatio: "16:9",
		},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predictLongRunning?key=%s", m.baseURL, m.model, m.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", submitError(resp.StatusCode, body)
	}

	var op operation
	if err := json.Unmarshal(body, &op); err != nil {
		return "", fmt.Errorf("decode operation: %w", err)
	}
	if op.Name == "" {
		return "", ErrProtocol
	}
	return op.Name, nil
}

func (m *Manager) waitForVideo(ctx context.Context, sessionID, opName string) (string, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.interval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		metrics.IncTaskPoll()
		op, err := m.pollOnce(ctx, opName)
		if err != nil {
			// Transient poll failures are retried; only a terminal
			// operation state or the attempt budget ends the loop.
			telemetry.Warn("video.poll_error", map[string]any{
				"session_id": sessionID,
				"operation":  opName,
				"error":      err.Error(),
			})
			continue
		}

		if !op.Done {
			state := ""
			if op.Metadata != nil {
				state = op.Metadata.State
			}
			telemetry.Info("video.polling", map[string]any{
				"session_id": sessionID,
				"operation":  opName,
				"state":      state,
			})
			continue
		}

		if op.Error != nil {
			return "", &GenerationError{Message: op.Error.Message}
		}
		if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video.URI == "" {
			return "", ErrMissingOutput
		}
		return op.Response.GeneratedVideos[0].Video.URI, nil
	}

	metrics.IncTaskTimeout()
	return "", ErrTimeout
}

func (m *Manager) pollOnce(ctx context.Context, opName string) (operation, error) {
	url := fmt.Sprintf("%s/v1beta/%s?key=%s", m.baseURL, strings.TrimPrefix(opName, "/"), m.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return operation{}, err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return operation{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return operation{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return operation{}, fmt.Errorf("poll operation: status %d", resp.StatusCode)
	}

	var op operation
	if err := json.Unmarshal(body, &op); err != nil {
		return operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

func (m *Manager) download(ctx context.Context, sessionID, uri string) (string, error) {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri+sep+"key="+m.apiKey, nil)
	if err != nil {
		return "", err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &DownloadError{Status: resp.StatusCode}
	}

	assetKey := util.HashSessionKey(sessionID) + "/generated/walkthrough.mp4"
	if _, err := m.store.SaveWithKey(ctx, assetKey, "video/mp4", resp.Body); err != nil {
		return "", fmt.Errorf("store video asset: %w", err)
	}
	return assetKey, nil
}

func submitError(status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return &apierr.Error{
			Provider:   "veo",
			HTTPStatus: status,
			Code:       parsed.Error.Status,
			Message:    parsed.Error.Message,
		}
	}
	return &apierr.Error{
		Provider:   "veo",
		HTTPStatus: status,
		Message:    strings.TrimSpace(string(body)),
	}
}
