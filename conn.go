package proxywrap

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Conn wraps an accepted net.Conn once interception resolved. Reads start at
// the first byte after any consumed PROXY header: the unconsumed remainder
// buffered during interception is served first, then any notification (such
// as an EOF) recorded while interception was in progress is replayed, and
// only then does Read fall through to the underlying connection.
//
// Conn implements net.Conn. If a PROXY header was decoded, the derived
// endpoints are available through ProxyHeader, ClientAddr and ProxyAddr.
// When the listener was configured with OverrideRemote, RemoteAddr returns
// the decoded client address instead of the physical peer's.
type Conn struct {
	conn net.Conn
	rbuf []byte  // remainder bytes, served before conn reads
	evq  []error // notifications recorded during interception, replayed in order

	hdr      *Header // decoded PROXY header, nil when none was present
	override bool

	l, r net.Addr // physical addresses at accept time

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// restore pushes the unconsumed remainder back to the front of the read
// path and arms the recorded notifications for replay. Called exactly once,
// when interception resolves.
func (c *Conn) restore(remainder []byte, events []error) {
	c.rbuf = remainder
	c.evq = events
}

func (c *Conn) setHeader(hdr *Header, override bool) {
	c.hdr = hdr
	c.override = override
}

// Read reads data into b, serving the interception remainder first.
func (c *Conn) Read(b []byte) (int, error) {
	if ln := len(c.rbuf); ln > 0 {
		n := copy(b, c.rbuf)
		if n == ln {
			c.rbuf = nil
		} else {
			c.rbuf = c.rbuf[n:]
		}
		return n, nil
	}
	if len(c.evq) > 0 {
		err := c.evq[0]
		c.evq = c.evq[1:]
		return 0, err
	}
	return c.conn.Read(b)
}

// Write writes data to the underlying connection.
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close closes the underlying connection. Closing is idempotent; the first
// call releases the connection from its listener's registry.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return c.closeErr
}

// ProxyHeader returns the decoded PROXY header, or nil if the connection
// did not carry one (or carried one without addresses, such as UNKNOWN).
func (c *Conn) ProxyHeader() *Header {
	return c.hdr
}

// ClientAddr returns the original client endpoint from the PROXY header, or
// nil if no header was decoded.
func (c *Conn) ClientAddr() net.Addr {
	if c.hdr == nil {
		return nil
	}
	return c.hdr.Source
}

// ProxyAddr returns the proxy-side endpoint from the PROXY header (the
// address the client connected to), or nil if no header was decoded.
func (c *Conn) ProxyAddr() net.Addr {
	if c.hdr == nil {
		return nil
	}
	return c.hdr.Dest
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.l
}

// RemoteAddr returns the remote network address. With OverrideRemote set
// and a PROXY header decoded, this is the original client rather than the
// physical peer.
func (c *Conn) RemoteAddr() net.Addr {
	if c.override && c.hdr != nil && c.hdr.Source != nil {
		return c.hdr.Source
	}
	return c.r
}

// SetDeadline sets the read and write deadlines on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future Write calls on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Unwrap returns the underlying net.Conn if the remainder buffer has been
// fully consumed, or nil while buffered data would be lost by bypassing the
// wrapper.
func (c *Conn) Unwrap() net.Conn {
	if len(c.rbuf) > 0 || len(c.evq) > 0 {
		return nil
	}
	return c.conn
}

// NetConn returns the innermost connection. Reading or writing it directly
// will likely corrupt the stream.
func (c *Conn) NetConn() net.Conn {
	res := c.conn
	for {
		if c2, ok := res.(interface{ NetConn() net.Conn }); ok {
			res = c2.NetConn()
		} else {
			return res
		}
	}
}

// ProxyInfo walks a chain of wrapped connections (for example a tls.Conn
// layered over a proxywrap Conn) and returns the decoded PROXY header of
// the first proxywrap connection found, or nil. This lets a TLS-layer
// socket surface the intercepted endpoints without re-running interception.
func ProxyInfo(c net.Conn) *Header {
	for {
		switch cv := c.(type) {
		case *Conn:
			return cv.hdr
		case interface{ NetConn() net.Conn }:
			c = cv.NetConn()
		case interface{ Unwrap() net.Conn }:
			c = cv.Unwrap()
		default:
			return nil
		}
		if c == nil {
			return nil
		}
	}
}

// ClientAddr returns the decoded client endpoint for any connection in a
// wrapper chain, or nil when no PROXY header was intercepted.
func ClientAddr(c net.Conn) net.Addr {
	if hdr := ProxyInfo(c); hdr != nil {
		return hdr.Source
	}
	return nil
}

// ProxyAddr returns the decoded proxy-side endpoint for any connection in a
// wrapper chain, or nil when no PROXY header was intercepted.
func ProxyAddr(c net.Conn) net.Addr {
	if hdr := ProxyInfo(c); hdr != nil {
		return hdr.Dest
	}
	return nil
}

// GetTLSConn will attempt to unwrap the given connection in order to locate
// a TLS connection, or return nil if none found.
func GetTLSConn(c net.Conn) *tls.Conn {
	for {
		switch cv := c.(type) {
		case *tls.Conn:
			return cv
		case interface{ Unwrap() net.Conn }:
			c = cv.Unwrap()
		default:
			return nil
		}
		if c == nil {
			return nil
		}
	}
}
