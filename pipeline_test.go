package aerys

import (
	"context"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestRunPipelineOrdersMiddlewaresOutsideIn(t *testing.T) {
	var trace []string

	record := func(tag string) Middleware {
		return func(ctx context.Context, req *InternalRequest, next func(context.Context, *InternalRequest) (*Response, error)) (*Response, error) {
			trace = append(trace, tag+":enter")
			resp, err := next(ctx, req)
			trace = append(trace, tag+":exit")
			return resp, err
		}
	}

	clock := NewTicker()
	defer clock.Stop()

	req := &InternalRequest{
		Middlewares: []Middleware{record("outer"), record("inner")},
		Responder: func(ctx context.Context, req *InternalRequest) (*Response, error) {
			trace = append(trace, "responder")
			return NewResponse(clock), nil
		},
	}

	resp, err := RunPipeline(context.Background(), req)
	assert.NoErr(t, err)
	assert.NotNil(t, resp)
	assert.Eq(t, []string{"outer:enter", "inner:enter", "responder", "inner:exit", "outer:exit"}, trace)
}

func TestRunPipelineMiddlewareCanShortCircuit(t *testing.T) {
	clock := NewTicker()
	defer clock.Stop()

	shortCircuited := NewResponse(clock)
	shortCircuited.SetStatus(403)

	called := false
	req := &InternalRequest{
		Middlewares: []Middleware{
			func(ctx context.Context, req *InternalRequest, next func(context.Context, *InternalRequest) (*Response, error)) (*Response, error) {
				return shortCircuited, nil
			},
		},
		Responder: func(ctx context.Context, req *InternalRequest) (*Response, error) {
			called = true
			return NewResponse(clock), nil
		},
	}

	resp, err := RunPipeline(context.Background(), req)
	assert.NoErr(t, err)
	assert.False(t, called)
	assert.Eq(t, 403, resp.Status)
}
