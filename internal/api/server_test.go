package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/genhub/internal/artifact"
	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/dispatch"
	"github.com/seantiz/genhub/internal/engine"
	"github.com/seantiz/genhub/internal/model"
	"github.com/seantiz/genhub/internal/retry"
	"github.com/seantiz/genhub/internal/store"
	"github.com/seantiz/genhub/internal/stream"
)

// fakeClient is a scriptable backend client.
type fakeClient struct {
	mu        sync.Mutex
	depth     int
	probeErr  error
	hang      bool
	release   chan struct{}
	err       error
	submitted []model.Request
}

func (f *fakeClient) QueueDepth(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth, f.probeErr
}

func (f *fakeClient) Submit(ctx context.Context, req model.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return "ref", nil
}

func (f *fakeClient) Await(ctx context.Context, ref string) (backend.Output, error) {
	f.mu.Lock()
	release, hang, err := f.release, f.hang, f.err
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return backend.Output{}, ctx.Err()
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return backend.Output{}, ctx.Err()
		}
	}
	if err != nil {
		return backend.Output{}, err
	}
	return backend.Output{Filename: "out.png", ContentType: "image/png", Data: []byte("PNG")}, nil
}

func (f *fakeClient) Requests() []model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Request(nil), f.submitted...)
}

type harness struct {
	srv      *Server
	store    store.Store
	registry *backend.Registry
	streams  *stream.Registry
	engine   *engine.Engine
	clients  map[string]*fakeClient
}

type harnessOptions struct {
	jobTimeout      time.Duration
	deliveryTimeout time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.jobTimeout == 0 {
		opts.jobTimeout = 5 * time.Second
	}
	if opts.deliveryTimeout == 0 {
		opts.deliveryTimeout = 5 * time.Second
	}

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := &harness{store: s, clients: make(map[string]*fakeClient)}

	h.registry = backend.NewRegistry(func(inst backend.Instance) backend.Client {
		c, ok := h.clients[inst.Name]
		if !ok {
			c = &fakeClient{}
			h.clients[inst.Name] = c
		}
		return c
	})
	h.registry.AddRenderType(backend.RenderType{Name: "sdxl", Workflow: "sdxl.json", Mode: model.ModeImageGeneration, Default: true})
	h.registry.AddRenderType(backend.RenderType{Name: "flux", Workflow: "flux.json", Mode: model.ModeImageGeneration})
	h.registry.AddRenderType(backend.RenderType{Name: "upscale", Workflow: "upscale.json", Mode: model.ModeUpscale})

	outputDir := t.TempDir()
	sink, err := artifact.NewDir(outputDir, "http://hub.test/outputs")
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	h.streams = stream.NewRegistry(time.Minute, logger)
	policy := retry.Policy{MaxAttempts: 2, Backoff: retry.BackoffConstant, BaseDelay: time.Millisecond, Timeout: opts.jobTimeout}
	h.engine = engine.NewEngine(s, h.registry, h.streams, sink, policy, logger)
	t.Cleanup(h.engine.Wait)

	disp := dispatch.New(h.registry, 100*time.Millisecond, logger)
	h.srv = NewServer(Options{
		Addr:            ":0",
		OutputDir:       outputDir,
		DeliveryTimeout: opts.deliveryTimeout,
		ProbeTimeout:    100 * time.Millisecond,
	}, s, h.registry, disp, h.engine, h.streams, logger)
	return h
}

// addBackend registers an instance served by the given fake client.
func (h *harness) addBackend(t *testing.T, name string, c *fakeClient, renderTypes ...string) {
	t.Helper()
	h.clients[name] = c
	if err := h.registry.Register(backend.Instance{Name: name, BaseURL: "http://" + name, RenderTypes: renderTypes, Active: true}); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newHarness(t, harnessOptions{}).srv
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}
