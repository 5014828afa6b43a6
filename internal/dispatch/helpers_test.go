package dispatch_test

import (
	"context"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/model"
)

type depthClient int

func (d depthClient) QueueDepth(ctx context.Context) (int, error) { return int(d), nil }

func (d depthClient) Submit(ctx context.Context, req model.Request) (string, error) { return "", nil }

func (d depthClient) Await(ctx context.Context, ref string) (backend.Output, error) {
	return backend.Output{}, nil
}
