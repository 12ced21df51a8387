package aerys

import "context"

// RunPipeline executes middlewares[0] wrapping middlewares[1] wrapping ...
// wrapping responder: each middleware may call next to
// invoke the remainder of the chain and receive its Response, or short-
// circuit by returning one of its own. The outermost stage's Response is
// canonical.
func RunPipeline(ctx context.Context, req *InternalRequest) (*Response, error) {
	chain := terminalNext(req.Responder)
	for i := len(req.Middlewares) - 1; i >= 0; i-- {
		mw := req.Middlewares[i]
		next := chain
		chain = func(ctx context.Context, req *InternalRequest) (*Response, error) {
			return mw(ctx, req, next)
		}
	}
	req.MiddlewareIndex = 0
	return chain(ctx, req)
}
