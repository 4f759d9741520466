package proxywrap

import (
	"bytes"
	"net"
)

// MaxHeaderLen is the largest size a PROXY header may occupy before it must
// have resolved. 107 bytes is the maximum length of a v1 line as defined by
// the protocol specification; a connection that buffers more than this
// without producing a decision is broken.
const MaxHeaderLen = 107

var (
	sigV1 = []byte("PROXY")
	sigV2 = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}
)

// Header holds the endpoints decoded from a PROXY protocol header. Source is
// the original client as reported by the proxy, Dest is the address the
// client connected to (the proxy's listening side). A Header is immutable
// once produced by a Decoder.
type Header struct {
	Source *net.TCPAddr
	Dest   *net.TCPAddr
}

// Status is the outcome of a decode attempt over the bytes buffered so far.
type Status int

const (
	// StatusIncomplete means more bytes are required before a decision can
	// be made.
	StatusIncomplete Status = iota
	// StatusDecoded means a complete PROXY header was consumed.
	StatusDecoded
	// StatusNotProxy means the buffer cannot begin with a PROXY header.
	StatusNotProxy
	// StatusMalformed means a PROXY signature was present but the rest of
	// the header does not parse.
	StatusMalformed
)

// Result is returned by a Decoder.
type Result struct {
	Status Status
	Header *Header // set on StatusDecoded; nil for headers carrying no addresses (UNKNOWN, LOCAL)
	N      int     // bytes consumed from the buffer, set on StatusDecoded
	Err    error   // detail on StatusMalformed
}

// Decoder inspects the bytes accumulated so far on one connection and
// reports whether they begin with a PROXY protocol header. Implementations
// must be deterministic, side-effect free, and must never assume bytes
// beyond the presented buffer. The same buffer may be presented repeatedly,
// each time with more data appended.
type Decoder func(buf []byte) Result

// couldBeProxy reports whether buf is still compatible with one of the two
// PROXY signatures, i.e. either starts with a full signature or is a strict
// prefix of one.
func couldBeProxy(buf []byte) bool {
	if bytes.HasPrefix(buf, sigV1) || bytes.HasPrefix(buf, sigV2) {
		return true
	}
	if len(buf) < len(sigV1) && bytes.HasPrefix(sigV1, buf) {
		return true
	}
	if len(buf) < len(sigV2) && bytes.HasPrefix(sigV2, buf) {
		return true
	}
	return false
}
