package aerys

import "context"

// HttpDriver is the polymorphic connection driver,
// implemented by the http1 and http2 packages. It owns the parse/serialize
// state machine for its protocol: it produces InternalRequest values (via
// Serve) and consumes response chunks produced by the codec for each one.
type HttpDriver interface {
	// Serve drives the connection until it closes or ctx is canceled,
	// calling dispatch for each parsed InternalRequest. dispatch runs the
	// full middleware/responder pipeline (RunPipeline) and returns the
	// canonical Response; Serve is responsible for running it through the
	// response codec and writing it back in the correct order (request
	// order for HTTP/1 pipelining, per-stream order for HTTP/2). Serve may
	// call dispatch for multiple in-flight requests concurrently.
	Serve(ctx context.Context, client *Client, dispatch func(context.Context, *InternalRequest) (*Response, error)) error

	// Protocol identifies the driver ("1.1", "1.0", or "2.0").
	Protocol() string

	// Goaway begins a graceful shutdown: stop accepting new streams/
	// requests on this connection, but let in-flight ones finish.
	Goaway()
}
