package meshy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"patent-backend/internal/shared/apierr"
)

type meshyFixture struct {
	mu            sync.Mutex
	submitStatus  int
	submitBody    string
	pollResponses []string
	pollIndex     int
	lastAuth      string
	lastSubmit    map[string]any
}

func (f *meshyFixture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")

		if r.Method == http.MethodPost {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode submit body: %v", err)
			}
			f.lastSubmit = body
			if f.submitStatus != 0 && f.submitStatus != http.StatusOK {
				w.WriteHeader(f.submitStatus)
			}
			w.Write([]byte(f.submitBody))
			return
		}

		if f.pollIndex >= len(f.pollResponses) {
			t.Errorf("unexpected poll after %d responses", len(f.pollResponses))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := f.pollResponses[f.pollIndex]
		f.pollIndex++
		w.Write([]byte(resp))
	}
}

func newTestClient(t *testing.T, fixture *meshyFixture) *Client {
	t.Helper()
	srv := httptest.NewServer(fixture.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Millisecond, 10, 12)
}

func TestCreateFromImageSendsCredentialAndPayload(t *testing.T) {
	fixture := &meshyFixture{submitBody: `{"result":"task-123"}`}
	c := newTestClient(t, fixture)

	taskID, err := c.CreateFromImage(t.Context(), "test-key", "https://example.com/page-3.jpg")
	if err != nil {
		t.Fatalf("CreateFromImage: %v", err)
	}
	if taskID != "task-123" {
		t.Fatalf("taskID = %q, want task-123", taskID)
	}
	if fixture.lastAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", fixture.lastAuth)
	}
	if got := fixture.lastSubmit["image_url"]; got != "https://example.com/page-3.jpg" {
		t.Errorf("image_url = %v", got)
	}
	if got := fixture.lastSubmit["ai_model"]; got != "meshy-4" {
		t.Errorf("ai_model = %v", got)
	}
}

func TestCreateFromImagesSendsAllURLs(t *testing.T) {
	fixture := &meshyFixture{submitBody: `{"result":"task-multi"}`}
	c := newTestClient(t, fixture)

	urls := []string{"https://example.com/page-0.jpg", "https://example.com/page-4.jpg"}
	taskID, err := c.CreateFromImages(t.Context(), "test-key", urls)
	if err != nil {
		t.Fatalf("CreateFromImages: %v", err)
	}
	if taskID != "task-multi" {
		t.Fatalf("taskID = %q", taskID)
	}
	sent, ok := fixture.lastSubmit["image_urls"].([]any)
	if !ok || len(sent) != 2 {
		t.Fatalf("image_urls = %v", fixture.lastSubmit["image_urls"])
	}
}

func TestSubmitRejectedCarriesMessage(t *testing.T) {
	fixture := &meshyFixture{
		submitStatus: http.StatusPaymentRequired,
		submitBody:   `{"message":"insufficient credits"}`,
	}
	c := newTestClient(t, fixture)

	_, err := c.CreateFromImage(t.Context(), "test-key", "https://example.com/page-0.jpg")
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
	if subErr.Status != http.StatusPaymentRequired || subErr.Message != "insufficient credits" {
		t.Errorf("got %d %q", subErr.Status, subErr.Message)
	}
}

func TestSubmitUnauthorizedIsCredentialError(t *testing.T) {
	fixture := &meshyFixture{
		submitStatus: http.StatusUnauthorized,
		submitBody:   `{"message":"invalid api key"}`,
	}
	c := newTestClient(t, fixture)

	_, err := c.CreateFromImage(t.Context(), "bad-key", "https://example.com/page-0.jpg")
	if !apierr.IsCredential(err) {
		t.Fatalf("err = %v, want credential error", err)
	}
}

func TestSubmitMissingTaskIDIsProtocolError(t *testing.T) {
	fixture := &meshyFixture{submitBody: `{}`}
	c := newTestClient(t, fixture)

	_, err := c.CreateFromImage(t.Context(), "test-key", "https://example.com/page-0.jpg")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestSubmitWithoutKeyFailsClosed(t *testing.T) {
	fixture := &meshyFixture{submitBody: `{"result":"task-123"}`}
	c := newTestClient(t, fixture)

	_, err := c.CreateFromImage(t.Context(), "  ", "https://example.com/page-0.jpg")
	if !apierr.IsCredential(err) {
		t.Fatalf("err = %v, want credential error", err)
	}
	if fixture.lastSubmit != nil {
		t.Error("request was sent despite missing key")
	}
}

func TestWaitForModelReportsProgressUntilSucceeded(t *testing.T) {
	fixture := &meshyFixture{
		pollResponses: []string{
			`{"status":"QUEUED","progress":0}`,
			`{"status":"IN_PROGRESS","progress":10}`,
			`{"status":"IN_PROGRESS","progress":90}`,
			`{"status":"SUCCEEDED","progress":100,"model_urls":{"glb":"https://assets.example.com/model.glb"}}`,
		},
	}
	c := newTestClient(t, fixture)

	var seen []int
	url, err := c.WaitForModel(t.Context(), "test-key", "task-123", KindSingleImage, func(p int) {
		seen = append(seen, p)
	})
	if err != nil {
		t.Fatalf("WaitForModel: %v", err)
	}
	if url != "https://assets.example.com/model.glb" {
		t.Fatalf("url = %q", url)
	}
	want := []int{0, 10, 90, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress updates = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress updates = %v, want %v", seen, want)
		}
	}
}

func TestWaitForModelFailedCarriesTaskError(t *testing.T) {
	fixture := &meshyFixture{
		pollResponses: []string{
			`{"status":"FAILED","progress":40,"task_error":{"message":"bad mesh"}}`,
		},
	}
	c := newTestClient(t, fixture)

	_, err := c.WaitForModel(t.Context(), "test-key", "task-123", KindSingleImage, nil)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if genErr.Message != "bad mesh" {
		t.Errorf("message = %q", genErr.Message)
	}
}

func TestWaitForModelSucceededWithoutModelIsProtocolError(t *testing.T) {
	fixture := &meshyFixture{
		pollResponses: []string{
			`{"status":"SUCCEEDED","progress":100,"model_urls":{}}`,
		},
	}
	c := newTestClient(t, fixture)

	_, err := c.WaitForModel(t.Context(), "test-key", "task-123", KindSingleImage, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestWaitForModelExhaustedBudgetIsTimeout(t *testing.T) {
	responses := make([]string, 10)
	for i := range responses {
		responses[i] = `{"status":"IN_PROGRESS","progress":50}`
	}
	fixture := &meshyFixture{pollResponses: responses}
	c := newTestClient(t, fixture)

	_, err := c.WaitForModel(t.Context(), "test-key", "task-123", KindSingleImage, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWaitForModelHonorsContextCancel(t *testing.T) {
	fixture := &meshyFixture{
		pollResponses: []string{`{"status":"IN_PROGRESS","progress":5}`},
	}
	srv := httptest.NewServer(fixture.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, time.Minute, 10, 12)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForModel(ctx, "test-key", "task-123", KindSingleImage, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForModel did not return after cancel")
	}
}
