// testserver starts a genhub gateway in front of an in-process ComfyUI
// emulator for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/genhub/internal/api"
	"github.com/seantiz/genhub/internal/artifact"
	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/backend/comfyui"
	"github.com/seantiz/genhub/internal/dispatch"
	"github.com/seantiz/genhub/internal/engine"
	"github.com/seantiz/genhub/internal/model"
	"github.com/seantiz/genhub/internal/retry"
	"github.com/seantiz/genhub/internal/store"
	"github.com/seantiz/genhub/internal/stream"
)

const generateWorkflow = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 0}, "_meta": {"title": "MCP_SEED"}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": 1024, "height": 1024}, "_meta": {"title": "MCP_RESOLUTION"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}, "_meta": {"title": "MCP_INPUT_PROMPT"}},
  "9": {"class_type": "SaveImage", "inputs": {}, "_meta": {"title": "MCP_OUTPUT_IMAGE"}}
}`

// failPrompt makes the emulator report an execution error.
const failPrompt = "fail"

// stubComfy emulates the subset of the ComfyUI HTTP API the client uses.
// Prompts complete after delay; a prompt whose text is failPrompt errors.
type stubComfy struct {
	delay time.Duration

	mu      sync.Mutex
	next    int
	prompts map[string]stubPrompt
}

type stubPrompt struct {
	queuedAt time.Time
	fail     bool
}

func (s *stubComfy) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /queue", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		pending := 0
		for _, p := range s.prompts {
			if time.Since(p.queuedAt) < s.delay {
				pending++
			}
		}
		s.mu.Unlock()
		fmt.Fprintf(w, `{"queue_running": [], "queue_pending": [%s]}`, strings.TrimSuffix(strings.Repeat("[],", pending), ","))
	})
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt map[string]struct {
				Inputs map[string]any `json:"inputs"`
				Meta   struct {
					Title string `json:"title"`
				} `json:"_meta"`
			} `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fail := false
		for _, n := range body.Prompt {
			if n.Meta.Title == "MCP_INPUT_PROMPT" && n.Inputs["text"] == failPrompt {
				fail = true
			}
		}

		s.mu.Lock()
		s.next++
		id := fmt.Sprintf("stub-%d", s.next)
		s.prompts[id] = stubPrompt{queuedAt: time.Now(), fail: fail}
		s.mu.Unlock()

		fmt.Fprintf(w, `{"prompt_id": %q, "node_errors": {}}`, id)
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.mu.Lock()
		p, ok := s.prompts[id]
		s.mu.Unlock()
		if !ok || time.Since(p.queuedAt) < s.delay {
			io.WriteString(w, `{}`)
			return
		}
		if p.fail {
			fmt.Fprintf(w, `{%q: {"status": {"status_str": "error", "completed": false}, "outputs": {}}}`, id)
			return
		}
		fmt.Fprintf(w, `{%q: {"status": {"status_str": "success", "completed": true},
			"outputs": {"9": {"images": [{"filename": "%s.png", "subfolder": "", "type": "output"}]}}}}`, id, id)
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		io.WriteString(w, "\x89PNG stub image "+r.URL.Query().Get("filename"))
	})
	return mux
}

func main() {
	addr := ":8080"
	if v := os.Getenv("GENHUB_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	workDir, err := os.MkdirTemp("", "genhub-testserver-*")
	if err != nil {
		log.Fatalf("failed to create work dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	workflows := filepath.Join(workDir, "workflows")
	outputs := filepath.Join(workDir, "outputs")
	if err := os.MkdirAll(workflows, 0o755); err != nil {
		log.Fatalf("failed to create workflow dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workflows, "sdxl.json"), []byte(generateWorkflow), 0o644); err != nil {
		log.Fatalf("failed to write workflow: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("failed to listen for emulator: %v", err)
	}
	comfy := &stubComfy{delay: 300 * time.Millisecond, prompts: make(map[string]stubPrompt)}
	go http.Serve(ln, comfy.handler())

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry(comfyui.Factory(comfyui.Options{
		WorkflowDir:  workflows,
		PollInterval: 50 * time.Millisecond,
		Logger:       logger,
	}))
	reg.AddRenderType(backend.RenderType{Name: "sdxl", Workflow: "sdxl.json", Mode: model.ModeImageGeneration, Default: true})
	if err := reg.Register(backend.Instance{
		Name:        "stub-comfy",
		BaseURL:     "http://" + ln.Addr().String(),
		RenderTypes: []string{"sdxl"},
		Active:      true,
	}); err != nil {
		log.Fatalf("failed to register backend: %v", err)
	}

	publicURL := "http://" + addr
	if strings.HasPrefix(addr, ":") {
		publicURL = "http://localhost" + addr
	}
	sink, err := artifact.NewDir(outputs, publicURL+"/outputs")
	if err != nil {
		log.Fatalf("failed to prepare output dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := stream.NewRegistry(time.Minute, logger)
	go streams.Run(ctx, 5*time.Second)

	policy := retry.Policy{MaxAttempts: 2, Backoff: retry.BackoffConstant, BaseDelay: 100 * time.Millisecond, Timeout: 30 * time.Second}
	eng := engine.NewEngine(db, reg, streams, sink, policy, logger)
	disp := dispatch.New(reg, time.Second, logger)

	srv := api.NewServer(api.Options{
		Addr:            addr,
		PublicURL:       publicURL,
		OutputDir:       outputs,
		DeliveryTimeout: time.Minute,
	}, db, reg, disp, eng, streams, logger)

	logger.Info("testserver: starting", "addr", addr, "comfyui", ln.Addr().String())
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}
