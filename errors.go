package aerys

import "github.com/pkg/errors"

// ClientException signals a peer-induced fault: disconnect, reset, or an
// aborted stream. It is not a programmer error and is logged at info level.
type ClientException struct {
	cause error
}

func NewClientException(msg string) *ClientException {
	return &ClientException{cause: errors.New(msg)}
}

func WrapClientException(err error) *ClientException {
	return &ClientException{cause: errors.WithStack(err)}
}

func (e *ClientException) Error() string { return "client exception: " + e.cause.Error() }
func (e *ClientException) Unwrap() error { return e.cause }

// ClientSizeException signals that a body or query exceeded a configured
// limit. Unlike ClientException this may be recovered by the consumer
// raising the limit (the body-upgrade path) and resuming.
type ClientSizeException struct {
	cause     error
	Limit     int64
	Delivered int64
}

func NewClientSizeException(msg string, limit, delivered int64) *ClientSizeException {
	return &ClientSizeException{cause: errors.New(msg), Limit: limit, Delivered: delivered}
}

func (e *ClientSizeException) Error() string { return "client size exception: " + e.cause.Error() }
func (e *ClientSizeException) Unwrap() error { return e.cause }

// ProtocolError signals malformed bytes or an illegal state transition.
// Handling is protocol-specific: a 4xx on HTTP/1, RST_STREAM/GOAWAY on
// HTTP/2, a close code on WebSocket.
type ProtocolError struct {
	cause error
	// Status is the suggested HTTP/1 status code, when applicable.
	Status int
	// CloseCode is the suggested WebSocket close code, when applicable.
	CloseCode int
}

func NewProtocolError(msg string, status int) *ProtocolError {
	return &ProtocolError{cause: errors.New(msg), Status: status}
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.cause.Error() }
func (e *ProtocolError) Unwrap() error { return e.cause }

// FilterException signals that a middleware or codec filter raised.
type FilterException struct {
	cause     error
	FilterKey string
}

func NewFilterException(key string, err error) *FilterException {
	return &FilterException{cause: errors.WithStack(err), FilterKey: key}
}

func (e *FilterException) Error() string {
	return "filter exception in " + e.FilterKey + ": " + e.cause.Error()
}
func (e *FilterException) Unwrap() error { return e.cause }

// InternalError signals a programmer or environmental fault (deflate init
// failure, invalid configuration). Logged at error level; the response is a
// generic 500.
type InternalError struct {
	cause error
}

func NewInternalError(msg string) *InternalError {
	return &InternalError{cause: errors.New(msg)}
}

func WrapInternalError(err error) *InternalError {
	return &InternalError{cause: errors.WithStack(err)}
}

func (e *InternalError) Error() string { return "internal error: " + e.cause.Error() }
func (e *InternalError) Unwrap() error { return e.cause }

// ErrUnknownOption is returned by Options.GetOption (and
// InternalRequest.GetOption) for an unrecognized name.
var ErrUnknownOption = errors.New("aerys: unknown option")

// ErrResponseEnded is the programmer error raised when a Response is
// written to after End, or ended again with a non-empty argument.
var ErrResponseEnded = errors.New("aerys: response already ended")
