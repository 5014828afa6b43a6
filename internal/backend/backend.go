package backend

import (
	"context"
	"errors"
	"slices"

	"github.com/seantiz/genhub/internal/model"
)

var (
	// ErrTransient marks adapter failures worth another attempt, such as an
	// empty response returned while the backend is still flushing outputs.
	ErrTransient = errors.New("transient backend error")

	// ErrPermanent marks adapter failures that will not go away on retry,
	// such as a workflow missing a required node.
	ErrPermanent = errors.New("permanent backend error")

	// ErrNotFound is returned when an instance is not registered.
	ErrNotFound = errors.New("backend instance not found")

	// ErrDuplicate is returned when registering a name twice.
	ErrDuplicate = errors.New("backend instance already registered")
)

// Client is the capability the hub needs from one backend instance. The wire
// protocol behind it is the adapter's business.
type Client interface {
	// QueueDepth reports how many jobs the instance is running or holding.
	QueueDepth(ctx context.Context) (int, error)

	// Submit queues the request and returns the backend's reference for it.
	Submit(ctx context.Context, req model.Request) (string, error)

	// Await blocks until the referenced job finishes and returns its output.
	Await(ctx context.Context, ref string) (Output, error)
}

// ClientFactory builds the client used to reach an instance.
type ClientFactory func(Instance) Client

// Output is the artifact produced by a finished backend job.
type Output struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Instance is one backend engine in the fleet.
type Instance struct {
	Name        string   `json:"name" validate:"required,max=128"`
	BaseURL     string   `json:"base_url" validate:"required,url"`
	RenderTypes []string `json:"render_types" validate:"required,min=1,dive,required"`
	Active      bool     `json:"active"`
}

// Serves reports whether the instance's capability set contains jobType.
func (i Instance) Serves(jobType string) bool {
	return slices.Contains(i.RenderTypes, jobType)
}

func (i Instance) clone() Instance {
	i.RenderTypes = slices.Clone(i.RenderTypes)
	return i
}

// RenderType is a named workflow a backend may be capable of running. The
// render type name is the job type used for routing.
type RenderType struct {
	Name     string `json:"name" yaml:"name"`
	Workflow string `json:"workflow" yaml:"workflow"`
	Mode     string `json:"mode" yaml:"mode"`
	Default  bool   `json:"default" yaml:"default"`
}
