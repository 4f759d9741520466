package proxywrap

// Per-connection interception: buffer the first bytes of a connection until
// a PROXY header is confirmed present or absent, then splice whatever was
// not consumed back into the normal read path.

import (
	"errors"
	"net"
	"os"
	"time"
)

type interceptState int

const (
	stateAccumulating interceptState = iota
	stateResolvedProxy
	stateResolvedNone
	stateFailedStrict
	stateFailedTooLong
	stateFailedTimeout
	stateRestored
)

// connState is the mutable detection state for one connection. It is owned
// exclusively by that connection's interceptor goroutine and destroyed once
// restoration completes.
type connState struct {
	buf    []byte  // bytes accumulated while unresolved, capped at MaxHeaderLen
	events []error // terminal notifications recorded while accumulating
	state  interceptState
}

type interceptor struct {
	conn *Conn
	opts Options
	dec  Decoder

	st       connState
	hdr      *Header
	consumed int
	reject   error // set on FAILED_* transitions
}

func newInterceptor(cw *Conn, opts Options) *interceptor {
	dec := opts.Decoder
	if dec == nil {
		dec = DecodeHeader
	}
	return &interceptor{conn: cw, opts: opts, dec: dec}
}

// run drives the state machine to RESTORED. On success the wrapped
// connection serves the remainder and replays recorded notifications; a
// non-nil return means the connection must be closed without ever reaching
// downstream consumers.
func (it *interceptor) run() error {
	chunk := make([]byte, 256)
	for it.st.state == stateAccumulating {
		n, err := it.conn.conn.Read(chunk)
		if n > 0 {
			it.consume(chunk[:n])
		}
		if err != nil && it.st.state == stateAccumulating {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// interception deadline expired, fatal in both modes
				it.fail(stateFailedTimeout, ErrInterceptTimeout)
				continue
			}
			// the stream ended (or broke) before the header resolved;
			// record the notification so it replays after the remainder
			it.st.events = append(it.st.events, err)
			if it.opts.Strict {
				it.fail(stateFailedStrict, ErrNonProxyConnection)
			} else {
				it.st.state = stateResolvedNone
			}
		}
	}
	return it.restore()
}

// consume appends one chunk and re-evaluates the buffer. Implements the
// per-chunk algorithm: prefix check first, then a decode attempt, then the
// too-long guard.
func (it *interceptor) consume(chunk []byte) {
	it.st.buf = append(it.st.buf, chunk...)

	if !couldBeProxy(it.st.buf) {
		if it.opts.Strict {
			it.fail(stateFailedStrict, ErrNonProxyConnection)
			return
		}
		// permissive: stop decoding, the whole buffer is ordinary payload
		it.st.state = stateResolvedNone
		return
	}

	res := it.dec(it.st.buf)
	switch res.Status {
	case StatusIncomplete:
		if len(it.st.buf) > MaxHeaderLen {
			it.fail(stateFailedTooLong, ErrHeaderTooLong)
		}
	case StatusDecoded:
		it.st.state = stateResolvedProxy
		it.hdr = res.Header
		it.consumed = res.N
	case StatusNotProxy:
		if it.opts.Strict {
			it.fail(stateFailedStrict, ErrNonProxyConnection)
		} else {
			it.st.state = stateResolvedNone
		}
	case StatusMalformed:
		if it.opts.Strict {
			it.fail(stateFailedStrict, ErrMalformedHeader)
		} else {
			it.st.state = stateResolvedNone
		}
	}
}

func (it *interceptor) fail(state interceptState, reason error) {
	it.st.state = state
	it.reject = &RejectError{Reason: reason, Header: it.st.buf}
}

// restore finishes the transition out of ACCUMULATING: on resolution it
// pushes the remainder to the front of the connection's read path and arms
// the recorded notifications for ordered replay; on failure it surfaces the
// rejection. Either way the interception state is discarded and subsequent
// reads bypass the interceptor permanently.
func (it *interceptor) restore() error {
	defer func() {
		it.st = connState{state: stateRestored}
	}()

	switch it.st.state {
	case stateResolvedProxy:
		remainder := it.st.buf[it.consumed:]
		if len(remainder) == 0 {
			remainder = nil
		}
		it.conn.restore(remainder, it.st.events)
		it.conn.setHeader(it.hdr, it.opts.OverrideRemote)
		return nil
	case stateResolvedNone:
		it.conn.restore(it.st.buf, it.st.events)
		return nil
	default: // FAILED_STRICT, FAILED_TOOLONG, FAILED_TIMEOUT
		return it.reject
	}
}

// Wrap runs PROXY header interception synchronously on c and returns the
// restored connection. The returned Conn's read path begins at the first
// byte after any consumed PROXY header. On error the caller must consider
// the connection unusable; Wrap closes it before returning.
//
// Listeners created with Listen or NewListener run this on every accepted
// connection; Wrap is for integrating with an accept loop the caller owns.
func Wrap(c net.Conn, opts Options) (*Conn, error) {
	cw := &Conn{
		conn: c,
		l:    c.LocalAddr(),
		r:    c.RemoteAddr(),
	}

	if !opts.allowsPeer(cw.r) {
		if opts.Strict {
			c.Close()
			return nil, &RejectError{Reason: ErrNonProxyConnection}
		}
		return cw, nil
	}

	if opts.Timeout > 0 {
		cw.SetReadDeadline(time.Now().Add(opts.Timeout))
	}

	if err := newInterceptor(cw, opts).run(); err != nil {
		c.Close()
		return nil, err
	}

	if opts.Timeout > 0 {
		cw.SetReadDeadline(time.Time{})
	}
	return cw, nil
}
