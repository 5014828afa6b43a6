package engine_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/backend/comfyui"
)

func TestRunRetriesRequestDeadline(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"marked transient", fmt.Errorf("GET /history/p1: %w: %w", backend.ErrTransient, context.DeadlineExceeded)},
		{"unmarked", fmt.Errorf("await: %w", context.DeadlineExceeded)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedClient{errs: []error{tt.err}}
			eng, _ := newTestEngine(t, c, &recordingPublisher{}, testPolicy(3))
			job := makeJob("job-deadline")

			out := eng.Run(context.Background(), job)
			if !out.Succeeded() {
				t.Fatalf("expected success, got %+v", out.Err)
			}
			if job.Attempts != 2 {
				t.Errorf("attempts = %d, want 2", job.Attempts)
			}
		})
	}
}

const slowWorkflow = `{
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}, "_meta": {"title": "MCP_INPUT_PROMPT"}},
  "9": {"class_type": "SaveImage", "inputs": {}, "_meta": {"title": "MCP_OUTPUT_IMAGE"}}
}`

// slowFirstPrompt serves a ComfyUI API whose first /prompt call outlives the
// client's per-request timeout.
type slowFirstPrompt struct {
	mu      sync.Mutex
	prompts int
	delay   time.Duration
}

func (s *slowFirstPrompt) Prompts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts
}

func (s *slowFirstPrompt) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.prompts++
		first := s.prompts == 1
		s.mu.Unlock()
		if first {
			select {
			case <-time.After(s.delay):
			case <-r.Context().Done():
				return
			}
		}
		io.WriteString(w, `{"prompt_id": "p-1", "node_errors": {}}`)
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"p-1": {"status": {"status_str": "success", "completed": true},
			"outputs": {"9": {"images": [{"filename": "out.png", "type": "output"}]}}}}`)
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		io.WriteString(w, "PNG")
	})
	return mux
}

func TestRunComfyRequestTimeoutIsRetried(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sdxl.json"), []byte(slowWorkflow), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}

	fake := &slowFirstPrompt{delay: 300 * time.Millisecond}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := comfyui.New(srv.URL, comfyui.Options{
		WorkflowDir:  dir,
		PollInterval: 5 * time.Millisecond,
		HTTPClient:   &http.Client{Timeout: 100 * time.Millisecond},
	})

	policy := testPolicy(3)
	policy.Timeout = 10 * time.Second
	eng, _ := newTestEngine(t, c, &recordingPublisher{}, policy)
	job := makeJob("job-slow")

	out := eng.Run(context.Background(), job)
	if !out.Succeeded() {
		t.Fatalf("expected success after retry, got %+v", out.Err)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}
	if got := fake.Prompts(); got != 2 {
		t.Errorf("prompts = %d, want 2", got)
	}
}
