package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Save(ctx context.Context, sessionID, fileName string, r io.Reader) (string, int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, "", err
	}
	key := sessionID + "/" + fileName
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return key, int64(len(data)), "application/octet-stream", nil
}

func (s *memStore) SaveWithKey(ctx context.Context, storageKey, contentType string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.objects[storageKey] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

func (s *memStore) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[storageKey]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type veoFixture struct {
	mu            sync.Mutex
	serverURL     string
	pollResponses []map[string]any
	pollCount     int
	downloadHits  int
	downloadCode  int
}

func (f *veoFixture) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(r.URL.Path, ":predictLongRunning"):
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-1"})
	case strings.HasPrefix(r.URL.Path, "/v1beta/operations/"):
		idx := f.pollCount
		if idx >= len(f.pollResponses) {
			idx = len(f.pollResponses) - 1
		}
		f.pollCount++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.pollResponses[idx])
	case strings.HasPrefix(r.URL.Path, "/files/"):
		f.downloadHits++
		if f.downloadCode != 0 {
			w.WriteHeader(f.downloadCode)
			return
		}
		_, _ = w.Write([]byte("mp4-bytes"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestManager(t *testing.T, fixture *veoFixture, store *memStore, maxAttempts int) *Manager {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(fixture.handler))
	t.Cleanup(server.Close)
	fixture.mu.Lock()
	fixture.serverURL = server.URL
	fixture.mu.Unlock()

	m, err := NewManager("test-key", "veo-test", store, time.Millisecond, maxAttempts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.baseURL = server.URL
	return m
}

func TestSynthesizeDownloadsExactlyOnce(t *testing.T) {
	fixture := &veoFixture{}
	store := newMemStore()
	m := newTestManager(t, fixture, store, 10)

	pending := map[string]any{"done": false, "metadata": map[string]any{"state": "RUNNING"}}
	fixture.mu.Lock()
	fixture.pollResponses = []map[string]any{
		pending, pending, pending,
		{
			"done": true,
			"response": map[string]any{
				"generatedVideos": []map[string]any{
					{"video": map[string]any{"uri": fixture.serverURL + "/files/X"}},
				},
			},
		},
	}
	fixture.mu.Unlock()

	assetKey, err := m.Synthesize(context.Background(), "session-1", "show the rotor turning")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if assetKey == "" {
		t.Fatalf("expected asset key")
	}

	fixture.mu.Lock()
	downloads := fixture.downloadHits
	polls := fixture.pollCount
	fixture.mu.Unlock()
	if downloads != 1 {
		t.Fatalf("expected exactly 1 download fetch, got %d", downloads)
	}
	if polls != 4 {
		t.Fatalf("expected 4 polls, got %d", polls)
	}

	body, err := store.Open(context.Background(), assetKey)
	if err != nil {
		t.Fatalf("open stored asset: %v", err)
	}
	data, _ := io.ReadAll(body)
	if string(data) != "mp4-bytes" {
		t.Fatalf("unexpected stored bytes: %q", data)
	}
}

func TestSynthesizeOperationErrorIsGenerationError(t *testing.T) {
	fixture := &veoFixture{}
	fixture.pollResponses = []map[string]any{
		{"done": true, "error": map[string]any{"code": 3, "message": "prompt rejected"}},
	}
	m := newTestManager(t, fixture, newMemStore(), 5)

	_, err := m.Synthesize(context.Background(), "session-1", "prompt")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if !strings.Contains(genErr.Message, "prompt rejected") {
		t.Fatalf("expected verbatim message, got %q", genErr.Message)
	}
}

func TestSynthesizeDoneWithoutURIIsMissingOutput(t *testing.T) {
	fixture := &veoFixture{}
	fixture.pollResponses = []map[string]any{
		{"done": true, "response": map[string]any{"generatedVideos": []map[string]any{}}},
	}
	m := newTestManager(t, fixture, newMemStore(), 5)

	_, err := m.Synthesize(context.Background(), "session-1", "prompt")
	if !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}

func TestSynthesizeExhaustedBudgetIsTimeout(t *testing.T) {
	fixture := &veoFixture{}
	fixture.pollResponses = []map[string]any{
		{"done": false},
	}
	m := newTestManager(t, fixture, newMemStore(), 3)

	_, err := m.Synthesize(context.Background(), "session-1", "prompt")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSynthesizeDownloadFailureCarriesStatus(t *testing.T) {
	fixture := &veoFixture{downloadCode: http.StatusForbidden}
	store := newMemStore()
	m := newTestManager(t, fixture, store, 5)

	fixture.mu.Lock()
	fixture.pollResponses = []map[string]any{
		{
			"done": true,
			"response": map[string]any{
				"generatedVideos": []map[string]any{
					{"video": map[string]any{"uri": fixture.serverURL + "/files/X"}},
				},
			},
		},
	}
	fixture.mu.Unlock()

	_, err := m.Synthesize(context.Background(), "session-1", "prompt")
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %v", err)
	}
	if dlErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 status, got %d", dlErr.Status)
	}
}

func TestNewManagerRequiresCredential(t *testing.T) {
	if _, err := NewManager("", "veo-test", newMemStore(), time.Second, 5); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
