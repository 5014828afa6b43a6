package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/model"
)

type stubClient struct {
	depth int
	err   error
}

func (s *stubClient) QueueDepth(ctx context.Context) (int, error) {
	return s.depth, s.err
}

func (s *stubClient) Submit(ctx context.Context, req model.Request) (string, error) {
	return "ref", nil
}

func (s *stubClient) Await(ctx context.Context, ref string) (backend.Output, error) {
	return backend.Output{}, nil
}

func newTestRegistry(clients map[string]*stubClient) *backend.Registry {
	return backend.NewRegistry(func(inst backend.Instance) backend.Client {
		if c, ok := clients[inst.Name]; ok {
			return c
		}
		return &stubClient{}
	})
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := newTestRegistry(nil)

	for _, name := range []string{"c", "a", "b"} {
		if err := reg.Register(backend.Instance{Name: name, BaseURL: "http://" + name, RenderTypes: []string{"sdxl"}, Active: true}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].Name != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].Name, want)
		}
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := newTestRegistry(nil)
	inst := backend.Instance{Name: "gpu-a", BaseURL: "http://a", RenderTypes: []string{"sdxl"}}

	if err := reg.Register(inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(inst); !errors.Is(err, backend.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestRegistryListCompatible(t *testing.T) {
	reg := newTestRegistry(nil)
	instances := []backend.Instance{
		{Name: "a", RenderTypes: []string{"sdxl"}, Active: true},
		{Name: "b", RenderTypes: []string{"flux"}, Active: true},
		{Name: "c", RenderTypes: []string{"sdxl", "flux"}, Active: false},
		{Name: "d", RenderTypes: []string{"flux", "sdxl"}, Active: true},
	}
	for _, inst := range instances {
		if err := reg.Register(inst); err != nil {
			t.Fatalf("Register(%s): %v", inst.Name, err)
		}
	}

	got := reg.ListCompatible("sdxl")
	if len(got) != 2 {
		t.Fatalf("expected 2 compatible instances, got %d", len(got))
	}
	if got[0].Name != "a" || got[1].Name != "d" {
		t.Errorf("compatible = [%s %s], want [a d]", got[0].Name, got[1].Name)
	}

	if got := reg.ListCompatible("unknown"); len(got) != 0 {
		t.Errorf("expected no instances for unknown type, got %d", len(got))
	}
}

func TestRegistryDeregisterAndReregister(t *testing.T) {
	reg := newTestRegistry(nil)
	for _, name := range []string{"a", "b"} {
		reg.Register(backend.Instance{Name: name, RenderTypes: []string{"sdxl"}, Active: true})
	}

	if err := reg.Deregister("a"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := reg.Deregister("a"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := reg.Register(backend.Instance{Name: "a", RenderTypes: []string{"sdxl"}, Active: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := reg.ListCompatible("sdxl")
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "a" {
		t.Errorf("expected re-registered instance last, got %+v", got)
	}
}

func TestRegistrySetActive(t *testing.T) {
	reg := newTestRegistry(nil)
	reg.Register(backend.Instance{Name: "a", RenderTypes: []string{"sdxl"}, Active: true})

	if err := reg.SetActive("a", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if got := reg.ListCompatible("sdxl"); len(got) != 0 {
		t.Errorf("inactive instance listed as compatible")
	}
	if err := reg.SetActive("missing", true); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryReturnsCopies(t *testing.T) {
	reg := newTestRegistry(nil)
	reg.Register(backend.Instance{Name: "a", RenderTypes: []string{"sdxl"}, Active: true})

	got, _ := reg.Get("a")
	got.RenderTypes[0] = "mutated"

	again, _ := reg.Get("a")
	if again.RenderTypes[0] != "sdxl" {
		t.Errorf("registry state mutated through returned instance")
	}
}

func TestRegistryLoadOf(t *testing.T) {
	probeErr := errors.New("connection refused")
	reg := newTestRegistry(map[string]*stubClient{
		"busy": {depth: 4},
		"down": {err: probeErr},
	})
	reg.Register(backend.Instance{Name: "busy", RenderTypes: []string{"sdxl"}, Active: true})
	reg.Register(backend.Instance{Name: "down", RenderTypes: []string{"sdxl"}, Active: true})

	busy, _ := reg.Get("busy")
	depth, err := reg.LoadOf(context.Background(), busy)
	if err != nil {
		t.Fatalf("LoadOf: %v", err)
	}
	if depth != 4 {
		t.Errorf("depth = %d, want 4", depth)
	}

	down, _ := reg.Get("down")
	if _, err := reg.LoadOf(context.Background(), down); !errors.Is(err, probeErr) {
		t.Errorf("expected probe error, got %v", err)
	}

	if _, err := reg.LoadOf(context.Background(), backend.Instance{Name: "gone"}); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryRenderTypes(t *testing.T) {
	reg := newTestRegistry(nil)
	reg.AddRenderType(backend.RenderType{Name: "sdxl", Workflow: "sdxl.json", Mode: model.ModeImageGeneration})
	reg.AddRenderType(backend.RenderType{Name: "flux", Workflow: "flux.json", Mode: model.ModeImageGeneration, Default: true})
	reg.AddRenderType(backend.RenderType{Name: "ultimate", Workflow: "up.json", Mode: model.ModeUpscale})

	rt, ok := reg.DefaultRenderType(model.ModeImageGeneration)
	if !ok || rt.Name != "flux" {
		t.Errorf("default generation type = %q, want flux", rt.Name)
	}
	rt, ok = reg.DefaultRenderType(model.ModeUpscale)
	if !ok || rt.Name != "ultimate" {
		t.Errorf("default upscale type = %q, want fallback ultimate", rt.Name)
	}
	if _, ok := reg.DefaultRenderType("video"); ok {
		t.Errorf("expected no default for unknown mode")
	}

	if got := reg.RenderTypes(model.ModeImageGeneration); len(got) != 2 {
		t.Errorf("expected 2 generation types, got %d", len(got))
	}
	if got := reg.RenderTypes(""); len(got) != 3 {
		t.Errorf("expected 3 render types, got %d", len(got))
	}
}
