package proxywrap

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// v2Header builds a binary v2 header for tests.
func v2Header(verCmd, fam byte, addrs []byte) []byte {
	buf := append([]byte{}, sigV2...)
	buf = append(buf, verCmd, fam)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(addrs)))
	return append(buf, addrs...)
}

func v2IPv4Addrs(src, dst net.IP, srcPort, dstPort uint16) []byte {
	var d []byte
	d = append(d, src.To4()...)
	d = append(d, dst.To4()...)
	d = binary.BigEndian.AppendUint16(d, srcPort)
	d = binary.BigEndian.AppendUint16(d, dstPort)
	return d
}

func TestDecodeV1(t *testing.T) {
	res := DecodeHeader([]byte("PROXY TCP4 1.1.1.1 2.2.2.2 123 456\r\nhello"))
	require.Equal(t, StatusDecoded, res.Status)
	require.NotNil(t, res.Header)
	assert.Equal(t, "1.1.1.1:123", res.Header.Source.String())
	assert.Equal(t, "2.2.2.2:456", res.Header.Dest.String())
	assert.Equal(t, len("PROXY TCP4 1.1.1.1 2.2.2.2 123 456\r\n"), res.N)

	// lone LF terminator is accepted
	res = DecodeHeader([]byte("PROXY TCP4 1.1.1.1 2.2.2.2 123 456\n"))
	require.Equal(t, StatusDecoded, res.Status)
	assert.Equal(t, "1.1.1.1:123", res.Header.Source.String())

	res = DecodeHeader([]byte("PROXY TCP6 2001:db8::1 2001:db8::2 5000 443\r\n"))
	require.Equal(t, StatusDecoded, res.Status)
	assert.Equal(t, "[2001:db8::1]:5000", res.Header.Source.String())
	assert.Equal(t, "[2001:db8::2]:443", res.Header.Dest.String())
}

func TestDecodeV1Unknown(t *testing.T) {
	for _, line := range []string{"PROXY UNKNOWN\r\n", "PROXY UNKNOWN\n", "PROXY UNKNOWN ffff::1 ffff::2 1 2\r\n"} {
		res := DecodeHeader([]byte(line))
		require.Equal(t, StatusDecoded, res.Status, "line %q", line)
		assert.Nil(t, res.Header, "UNKNOWN carries no addresses")
		assert.Equal(t, len(line), res.N)
	}
}

func TestDecodeV1Incomplete(t *testing.T) {
	for _, p := range []string{"P", "PRO", "PROXY", "PROXY TCP4 1.1.1.1"} {
		res := DecodeHeader([]byte(p))
		assert.Equal(t, StatusIncomplete, res.Status, "prefix %q", p)
	}
}

func TestDecodeV1Malformed(t *testing.T) {
	cases := []string{
		"PROXY TCP4 1.1.1.1 2.2.2.2 123\r\n",       // missing a port
		"PROXY TCP4 nothost 2.2.2.2 123 456\r\n",   // bad address
		"PROXY TCP4 1.1.1.1 2.2.2.2 123 99999\r\n", // port out of range
		"PROXY TCP4 1.1.1.1 2.2.2.2 123 oops\r\n",  // non-numeric port
		"PROXY SCTP 1.1.1.1 2.2.2.2 123 456\r\n",   // unknown transport
		"PROXY\r\n",                                // nothing after the magic
	}
	for _, line := range cases {
		res := DecodeHeader([]byte(line))
		assert.Equal(t, StatusMalformed, res.Status, "line %q", line)
		assert.Error(t, res.Err, "line %q", line)
	}
}

func TestDecodeV2(t *testing.T) {
	addrs := v2IPv4Addrs(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 4242, 8080)
	hdr := v2Header(0x21, 0x11, addrs)
	payload := []byte("GET / HTTP/1.0\r\n")

	res := DecodeHeader(append(hdr, payload...))
	require.Equal(t, StatusDecoded, res.Status)
	require.NotNil(t, res.Header)
	assert.Equal(t, "10.0.0.1:4242", res.Header.Source.String())
	assert.Equal(t, "10.0.0.2:8080", res.Header.Dest.String())
	assert.Equal(t, len(hdr), res.N)
}

func TestDecodeV2IPv6(t *testing.T) {
	var d []byte
	d = append(d, net.ParseIP("2001:db8::1").To16()...)
	d = append(d, net.ParseIP("2001:db8::2").To16()...)
	d = binary.BigEndian.AppendUint16(d, 6000)
	d = binary.BigEndian.AppendUint16(d, 443)

	res := DecodeHeader(v2Header(0x21, 0x21, d))
	require.Equal(t, StatusDecoded, res.Status)
	assert.Equal(t, "[2001:db8::1]:6000", res.Header.Source.String())
	assert.Equal(t, "[2001:db8::2]:443", res.Header.Dest.String())
}

func TestDecodeV2Local(t *testing.T) {
	// LOCAL command (health checks): header is consumed, no addresses
	res := DecodeHeader(v2Header(0x20, 0x00, nil))
	require.Equal(t, StatusDecoded, res.Status)
	assert.Nil(t, res.Header)
	assert.Equal(t, 16, res.N)
}

func TestDecodeV2Incomplete(t *testing.T) {
	addrs := v2IPv4Addrs(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 1, 2)
	full := v2Header(0x21, 0x11, addrs)

	for cut := 1; cut < len(full); cut++ {
		res := DecodeHeader(full[:cut])
		assert.Equal(t, StatusIncomplete, res.Status, "cut at %d", cut)
	}
}

func TestDecodeV2Malformed(t *testing.T) {
	addrs := v2IPv4Addrs(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 1, 2)

	cases := map[string][]byte{
		"bad version":     v2Header(0x31, 0x11, addrs),
		"bad command":     v2Header(0x2f, 0x11, addrs),
		"bad family":      v2Header(0x21, 0x41, addrs),
		"bad transport":   v2Header(0x21, 0x13, addrs),
		"truncated block": v2Header(0x21, 0x11, addrs[:6]),
	}
	for name, buf := range cases {
		res := DecodeHeader(buf)
		assert.Equal(t, StatusMalformed, res.Status, name)
	}
}

func TestDecodeNotProxy(t *testing.T) {
	for _, p := range []string{"TELNET BABY", "GET / HTTP/1.1\r\n", "Q", "PROXZ..."} {
		res := DecodeHeader([]byte(p))
		assert.Equal(t, StatusNotProxy, res.Status, "input %q", p)
	}
}
