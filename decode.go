package proxywrap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DecodeHeader is the default Decoder. It understands PROXY protocol v1
// (ASCII line, see https://www.haproxy.org/download/1.5/doc/proxy-protocol.txt)
// and v2 (binary, length-prefixed).
func DecodeHeader(buf []byte) Result {
	if !couldBeProxy(buf) {
		return Result{Status: StatusNotProxy}
	}
	if bytes.HasPrefix(buf, sigV2) {
		return decodeV2(buf)
	}
	if bytes.HasPrefix(buf, sigV1) {
		return decodeV1(buf)
	}
	// still a strict prefix of one of the signatures
	return Result{Status: StatusIncomplete}
}

func decodeV1(buf []byte) Result {
	pos := bytes.IndexByte(buf, '\n')
	if pos < 0 {
		return Result{Status: StatusIncomplete}
	}

	line := buf[:pos]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	s := bytes.Split(line, []byte{' '})
	if !bytes.Equal(s[0], sigV1) || len(s) < 2 {
		return Result{Status: StatusMalformed, Err: errors.New("missing transport protocol")}
	}

	switch string(s[1]) {
	case "UNKNOWN":
		// valid header, but carries no usable addresses
		return Result{Status: StatusDecoded, N: pos + 1}
	case "TCP4", "TCP6":
		if len(s) != 6 {
			return Result{Status: StatusMalformed, Err: errors.New("wrong parameter count for TCP PROXY line")}
		}
		src, err := parseV1Addr(s[2], s[4])
		if err != nil {
			return Result{Status: StatusMalformed, Err: err}
		}
		dst, err := parseV1Addr(s[3], s[5])
		if err != nil {
			return Result{Status: StatusMalformed, Err: err}
		}
		return Result{Status: StatusDecoded, Header: &Header{Source: src, Dest: dst}, N: pos + 1}
	default:
		return Result{Status: StatusMalformed, Err: fmt.Errorf("invalid transport protocol %q", s[1])}
	}
}

func parseV1Addr(host, port []byte) (*net.TCPAddr, error) {
	ip := net.ParseIP(string(host))
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", host)
	}
	p, err := strconv.Atoi(string(port))
	if err != nil || p < 0 || p > 65535 {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	return &net.TCPAddr{IP: ip, Port: p}, nil
}

func decodeV2(buf []byte) Result {
	if len(buf) < 16 {
		return Result{Status: StatusIncomplete}
	}

	verCmd := buf[12]
	fam := buf[13]
	ln := int(binary.BigEndian.Uint16(buf[14:16]))

	if verCmd>>4 != 0x2 {
		return Result{Status: StatusMalformed, Err: errors.New("unsupported v2 header version")}
	}

	if len(buf) < 16+ln {
		return Result{Status: StatusIncomplete}
	}
	consumed := 16 + ln

	switch verCmd & 0xf {
	case 0x0: // LOCAL: health checks etc, no addresses to report
		return Result{Status: StatusDecoded, N: consumed}
	case 0x1: // PROXY
	default:
		return Result{Status: StatusMalformed, Err: errors.New("unsupported v2 command")}
	}

	d := buf[16:consumed]

	switch fam >> 4 {
	case 0x0, 0x3: // UNSPEC, AF_UNIX: accept the header, ignore addresses
		return Result{Status: StatusDecoded, N: consumed}
	case 0x1, 0x2: // AF_INET, AF_INET6
	default:
		return Result{Status: StatusMalformed, Err: errors.New("unsupported v2 address family")}
	}

	switch fam & 0xf {
	case 0x0: // UNSPEC
		return Result{Status: StatusDecoded, N: consumed}
	case 0x1, 0x2: // STREAM, DGRAM
	default:
		return Result{Status: StatusMalformed, Err: errors.New("unsupported v2 transport protocol")}
	}

	ipLen := 4
	if fam>>4 == 0x2 {
		ipLen = 16
	}
	if len(d) < 2*ipLen+4 {
		return Result{Status: StatusMalformed, Err: errors.New("v2 address block truncated")}
	}

	srcIP := make(net.IP, ipLen)
	dstIP := make(net.IP, ipLen)
	copy(srcIP, d[:ipLen])
	copy(dstIP, d[ipLen:2*ipLen])
	srcPort := binary.BigEndian.Uint16(d[2*ipLen:])
	dstPort := binary.BigEndian.Uint16(d[2*ipLen+2:])

	hdr := &Header{
		Source: &net.TCPAddr{IP: srcIP, Port: int(srcPort)},
		Dest:   &net.TCPAddr{IP: dstIP, Port: int(dstPort)},
	}
	return Result{Status: StatusDecoded, Header: hdr, N: consumed}
}
