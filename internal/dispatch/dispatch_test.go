package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/dispatch"
)

type fakeSource struct {
	instances []backend.Instance
	loads     map[string]int
	failing   map[string]bool
	hanging   map[string]bool
}

func (f *fakeSource) ListCompatible(jobType string) []backend.Instance {
	var out []backend.Instance
	for _, inst := range f.instances {
		if inst.Serves(jobType) {
			out = append(out, inst)
		}
	}
	return out
}

func (f *fakeSource) LoadOf(ctx context.Context, inst backend.Instance) (int, error) {
	if f.hanging[inst.Name] {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.failing[inst.Name] {
		return 0, errors.New("connection refused")
	}
	return f.loads[inst.Name], nil
}

func instances(names ...string) []backend.Instance {
	out := make([]backend.Instance, len(names))
	for i, n := range names {
		out[i] = backend.Instance{Name: n, RenderTypes: []string{"sdxl"}, Active: true}
	}
	return out
}

func newDispatcher(src dispatch.Source) *dispatch.Dispatcher {
	return dispatch.New(src, 50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSelectLowestLoadTieBreaksByRegistrationOrder(t *testing.T) {
	src := &fakeSource{
		instances: instances("a", "b", "c", "d"),
		loads:     map[string]int{"a": 3, "b": 1, "c": 4, "d": 1},
	}

	got, err := newDispatcher(src).Select(context.Background(), "sdxl")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
}

func TestSelectDeterministic(t *testing.T) {
	src := &fakeSource{
		instances: instances("a", "b", "c"),
		loads:     map[string]int{"a": 2, "b": 2, "c": 2},
	}
	d := newDispatcher(src)

	for range 20 {
		got, err := d.Select(context.Background(), "sdxl")
		require.NoError(t, err)
		assert.Equal(t, "a", got.Name)
	}
}

func TestSelectSkipsFailedProbes(t *testing.T) {
	src := &fakeSource{
		instances: instances("a", "b", "c"),
		loads:     map[string]int{"a": 0, "b": 5, "c": 7},
		failing:   map[string]bool{"a": true},
		hanging:   map[string]bool{"b": true},
	}

	start := time.Now()
	got, err := newDispatcher(src).Select(context.Background(), "sdxl")
	require.NoError(t, err)
	assert.Equal(t, "c", got.Name)
	assert.Less(t, time.Since(start), time.Second, "hanging probe must be bounded")
}

func TestSelectNoCompatibleBackend(t *testing.T) {
	src := &fakeSource{instances: instances("a")}

	_, err := newDispatcher(src).Select(context.Background(), "flux")
	assert.ErrorIs(t, err, dispatch.ErrNoCompatibleBackend)
}

func TestSelectBackendUnavailable(t *testing.T) {
	src := &fakeSource{
		instances: instances("a", "b"),
		failing:   map[string]bool{"a": true},
		hanging:   map[string]bool{"b": true},
	}

	_, err := newDispatcher(src).Select(context.Background(), "sdxl")
	assert.ErrorIs(t, err, dispatch.ErrBackendUnavailable)
}

func TestSelectWithRegistry(t *testing.T) {
	reg := backend.NewRegistry(func(inst backend.Instance) backend.Client {
		return depthClient(map[string]int{"gpu-a": 2, "gpu-b": 0}[inst.Name])
	})
	require.NoError(t, reg.Register(backend.Instance{Name: "gpu-a", RenderTypes: []string{"sdxl"}, Active: true}))
	require.NoError(t, reg.Register(backend.Instance{Name: "gpu-b", RenderTypes: []string{"sdxl"}, Active: true}))

	got, err := newDispatcher(reg).Select(context.Background(), "sdxl")
	require.NoError(t, err)
	assert.Equal(t, "gpu-b", got.Name)
}
