package proxywrap

import (
	"errors"
	"fmt"
)

var (
	// ErrNonProxyConnection is reported in strict mode when the first bytes
	// of a connection cannot begin a PROXY header.
	ErrNonProxyConnection = errors.New("proxywrap: non-PROXY protocol connection")

	// ErrMalformedHeader is reported in strict mode when a PROXY signature
	// matched but the rest of the header does not parse.
	ErrMalformedHeader = errors.New("proxywrap: PROXY protocol malformed header")

	// ErrHeaderTooLong is reported when more than MaxHeaderLen bytes
	// accumulated without the header resolving. Fatal in both modes.
	ErrHeaderTooLong = errors.New("proxywrap: PROXY header too long")

	// ErrInterceptTimeout is reported when the configured timeout expired
	// before enough bytes arrived to resolve the header. Fatal in both modes.
	ErrInterceptTimeout = errors.New("proxywrap: timed out waiting for PROXY header")

	// ErrListenerClosed is returned by Accept after the listener closed.
	ErrListenerClosed = errors.New("proxywrap: listener closed")
)

// RejectError is delivered to the error observer when interception
// terminates a connection. It wraps one of the sentinel errors above and
// carries the offending bytes for context.
type RejectError struct {
	Reason error
	Header []byte // bytes accumulated when the connection was rejected
}

func (e *RejectError) Error() string {
	if len(e.Header) == 0 {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %q", e.Reason.Error(), e.Header)
}

func (e *RejectError) Unwrap() error {
	return e.Reason
}
