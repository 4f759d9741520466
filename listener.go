package proxywrap

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures PROXY header interception for a listener. The struct
// is copied at wrap time and never mutated afterwards; one Options value is
// shared read-only across all connections of the listener.
type Options struct {
	// Strict rejects any connection whose first bytes cannot begin a PROXY
	// header. When false (permissive), unrecognized traffic passes through
	// unchanged.
	Strict bool

	// IgnoreStrictExceptions suppresses delivery of strict-rejection errors
	// to the error observer. The connection is still closed.
	IgnoreStrictExceptions bool

	// OverrideRemote makes RemoteAddr on intercepted connections return the
	// decoded client endpoint instead of the physical peer's.
	OverrideRemote bool

	// Timeout bounds how long interception may wait for header bytes. On
	// expiry the connection is closed. Zero means no timeout.
	Timeout time.Duration

	// Decoder overrides the header decoder. Defaults to DecodeHeader.
	Decoder Decoder

	// AllowedProxies, when non-empty, restricts interception to peers whose
	// address falls inside one of the listed networks. Connections from
	// other peers pass through untouched in permissive mode and are
	// rejected in strict mode.
	AllowedProxies []*net.IPNet

	// Logger receives structured connection events. Defaults to a no-op.
	Logger *zap.Logger

	// Metrics, when set, is updated as connections are intercepted.
	Metrics *Metrics

	// OnReject is the error observer, invoked when interception terminates
	// a connection. Strict rejections are not delivered when
	// IgnoreStrictExceptions is set.
	OnReject func(error)
}

// allowsPeer reports whether a peer may speak the PROXY protocol. An empty
// allow list trusts everyone.
func (o *Options) allowsPeer(a net.Addr) bool {
	if len(o.AllowedProxies) == 0 {
		return true
	}
	var ip net.IP
	switch v := a.(type) {
	case *net.TCPAddr:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return false
	}
	for _, n := range o.AllowedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

type queuePoint struct {
	c net.Conn
	e error
}

// Listener accepts TCP connections and runs PROXY header interception on
// each before exposing it. Accept only ever returns connections whose read
// path begins at the first byte after any consumed PROXY header; rejected
// connections are closed and never surface.
//
// The listener tracks every open connection it produced so that Close can
// tear them all down, whatever state their interception is in.
type Listener struct {
	opts Options
	log  *zap.Logger

	ports   []net.Listener
	portsLk sync.Mutex
	addr    net.Addr

	queue chan queuePoint
	done  chan struct{}
	once  sync.Once

	conns   map[*Conn]struct{}
	connsLk sync.Mutex

	tlsConfig *tls.Config
}

// Listen creates a listener accepting connections on the given network
// address, with interception configured by opts.
func Listen(network, laddr string, opts Options) (*Listener, error) {
	l := newListener(opts, nil)
	if err := l.Listen(network, laddr); err != nil {
		return nil, err
	}
	return l, nil
}

// ListenTLS is like Listen but layers a TLS server over each connection
// after interception resolves. The PROXY-derived endpoints remain reachable
// through ProxyInfo, ClientAddr and ProxyAddr on the returned connections,
// delegating through the TLS layer to the intercepted connection beneath.
func ListenTLS(network, laddr string, config *tls.Config, opts Options) (*Listener, error) {
	l := newListener(opts, config)
	if err := l.Listen(network, laddr); err != nil {
		return nil, err
	}
	return l, nil
}

// NewListener wraps an existing net.Listener. It accepts in a background
// goroutine immediately.
func NewListener(inner net.Listener, opts Options) *Listener {
	l := newListener(opts, nil)
	l.addPort(inner)
	return l
}

// NewTLSListener wraps an existing net.Listener the way ListenTLS does.
func NewTLSListener(inner net.Listener, config *tls.Config, opts Options) *Listener {
	l := newListener(opts, config)
	l.addPort(inner)
	return l
}

func newListener(opts Options, config *tls.Config) *Listener {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Listener{
		opts:      opts,
		log:       opts.Logger,
		queue:     make(chan queuePoint, 8),
		done:      make(chan struct{}),
		conns:     make(map[*Conn]struct{}),
		tlsConfig: config,
	}
}

// Options returns a copy of the active interception options.
func (l *Listener) Options() Options {
	return l.opts
}

// Listen makes the listener accept on an extra port. Each port runs its own
// accept goroutine.
func (l *Listener) Listen(network, laddr string) error {
	addr, err := net.ResolveTCPAddr(network, laddr)
	if err != nil {
		return err
	}
	port, err := net.ListenTCP(network, addr)
	if err != nil {
		return err
	}
	l.addPort(port)
	return nil
}

func (l *Listener) addPort(port net.Listener) {
	l.portsLk.Lock()
	defer l.portsLk.Unlock()

	if l.addr == nil {
		l.addr = port.Addr()
	}
	l.ports = append(l.ports, port)

	go l.listenLoop(port)
}

// Accept blocks until an intercepted connection is available, then returns
// it, or returns an error if the listener was closed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case p := <-l.queue:
		return p.c, p.e
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// PushConn queues an existing connection as if it had just been accepted.
// No interception is performed.
func (l *Listener) PushConn(c net.Conn) {
	select {
	case l.queue <- queuePoint{c: c}:
	case <-l.done:
		c.Close()
	}
}

// Addr returns the address of the first port the listener opened, or nil
// when it has none yet.
func (l *Listener) Addr() net.Addr {
	l.portsLk.Lock()
	defer l.portsLk.Unlock()
	return l.addr
}

// Close closes every listening port and every tracked connection,
// regardless of interception state. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)

		l.portsLk.Lock()
		for _, port := range l.ports {
			if e := port.Close(); e != nil && err == nil {
				err = e
			}
		}
		l.ports = nil
		l.portsLk.Unlock()

		l.connsLk.Lock()
		open := make([]*Conn, 0, len(l.conns))
		for c := range l.conns {
			open = append(open, c)
		}
		l.connsLk.Unlock()

		// Conn.Close untracks itself, so close outside the lock
		for _, c := range open {
			c.Close()
		}
	})
	return err
}

func (l *Listener) String() string {
	if a := l.Addr(); a != nil {
		return a.String()
	}
	return "<null listener>"
}

func (l *Listener) track(c *Conn) {
	l.connsLk.Lock()
	l.conns[c] = struct{}{}
	l.connsLk.Unlock()
}

func (l *Listener) untrack(c *Conn) {
	l.connsLk.Lock()
	delete(l.conns, c)
	l.connsLk.Unlock()
}

func (l *Listener) listenLoop(port net.Listener) {
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		c, err := port.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}

			// back off on temporary errors
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}

			select {
			case l.queue <- queuePoint{e: err}:
			case <-l.done:
			}
			return
		}
		tempDelay = 0

		// ssl and proxied connections do a lot of back/forth
		if ka, ok := c.(tcpKeepaliveConn); ok {
			ka.SetKeepAlive(true)
			ka.SetKeepAlivePeriod(3 * time.Minute)
		}

		go l.handleConn(c)
	}
}

// handleConn runs interception on one accepted connection and queues the
// result. The connection is registered before interception starts so that
// Close tears it down even while it is still accumulating.
func (l *Listener) handleConn(c net.Conn) {
	id := uuid.NewString()

	cw := &Conn{
		conn: c,
		l:    c.LocalAddr(),
		r:    c.RemoteAddr(),
	}
	cw.onClose = func() {
		l.untrack(cw)
		if l.opts.Metrics != nil {
			l.opts.Metrics.Active.Dec()
		}
	}
	l.track(cw)
	if l.opts.Metrics != nil {
		l.opts.Metrics.Accepted.Inc()
		l.opts.Metrics.Active.Inc()
	}

	if !l.opts.allowsPeer(cw.r) {
		if l.opts.Strict {
			l.reject(id, &RejectError{Reason: ErrNonProxyConnection})
			cw.Close()
			return
		}
		l.deliver(id, cw)
		return
	}

	if l.opts.Timeout > 0 {
		cw.SetReadDeadline(time.Now().Add(l.opts.Timeout))
	}

	if err := newInterceptor(cw, l.opts).run(); err != nil {
		l.reject(id, err)
		cw.Close()
		return
	}
	cw.SetReadDeadline(time.Time{}) // disable the interception deadline

	l.deliver(id, cw)
}

func (l *Listener) deliver(id string, cw *Conn) {
	var final net.Conn = cw
	if l.tlsConfig != nil {
		final = tls.Server(cw, l.tlsConfig)
	}

	if hdr := cw.ProxyHeader(); hdr != nil {
		if l.opts.Metrics != nil {
			l.opts.Metrics.Proxied.Inc()
		}
		l.log.Debug("connection intercepted",
			zap.String("conn", id),
			zap.String("peer", cw.r.String()),
			zap.String("client", hdr.Source.String()),
			zap.String("proxy", hdr.Dest.String()))
	} else {
		if l.opts.Metrics != nil {
			l.opts.Metrics.PassedThrough.Inc()
		}
		l.log.Debug("connection passed through",
			zap.String("conn", id),
			zap.String("peer", cw.r.String()))
	}

	select {
	case l.queue <- queuePoint{c: final}:
	case <-l.done:
		cw.Close()
	}
}

// reject reports a fatal interception outcome. Strict rejections are
// silenced when IgnoreStrictExceptions is set; the connection closes either
// way.
func (l *Listener) reject(id string, err error) {
	if l.opts.Metrics != nil {
		l.opts.Metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
	}

	strict := errors.Is(err, ErrNonProxyConnection) || errors.Is(err, ErrMalformedHeader)
	if strict && l.opts.IgnoreStrictExceptions {
		return
	}

	l.log.Warn("connection rejected", zap.String("conn", id), zap.Error(err))
	if l.opts.OnReject != nil {
		l.opts.OnReject(err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNonProxyConnection):
		return "non_proxy"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed"
	case errors.Is(err, ErrHeaderTooLong):
		return "too_long"
	case errors.Is(err, ErrInterceptTimeout):
		return "timeout"
	default:
		return "other"
	}
}
