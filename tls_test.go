package proxywrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPool   = x509.NewCertPool()
	testKey, _ = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	testCA     *x509.Certificate
)

func init() {
	// initialize some basic stuff for testing
	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Issuer:                pkix.Name{CommonName: "localhost"},
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
		IsCA:                  true,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
	}

	caBin, err := x509.CreateCertificate(rand.Reader, tpl, tpl, testKey.Public(), testKey)
	if err != nil {
		panic(err)
	}
	testCA, err = x509.ParseCertificate(caBin)
	if err != nil {
		panic(err)
	}

	testPool.AddCert(testCA)
}

func testTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{testCA.Raw},
			PrivateKey:  testKey,
			Leaf:        testCA,
		}},
	}
}

// TestTLSDelegation checks that the PROXY-derived endpoints decoded before
// the handshake stay visible on the TLS-layer connection.
func TestTLSDelegation(t *testing.T) {
	l, err := ListenTLS("tcp", "127.0.0.1:0", testTLSConfig(), Options{OverrideRemote: true})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				// derived fields surface through the TLS layer
				fmt.Fprintf(c, "client=%s proxy=%s remote=%s",
					ClientAddr(c), ProxyAddr(c), c.RemoteAddr())
			}(c)
		}
	}()

	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	// the PROXY line travels in clear, before the handshake
	_, err = fmt.Fprintf(raw, "PROXY TCP4 10.0.0.1 10.0.0.2 123 456\r\n")
	require.NoError(t, err)

	c := tls.Client(raw, &tls.Config{RootCAs: testPool, ServerName: "localhost"})
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	c.Close()

	assert.Equal(t, "client=10.0.0.1:123 proxy=10.0.0.2:456 remote=10.0.0.1:123", string(got))
}

// TestTLSPassthrough checks a plain TLS client with no PROXY header still
// connects, with no derived fields set.
func TestTLSPassthrough(t *testing.T) {
	l, err := ListenTLS("tcp", "127.0.0.1:0", testTLSConfig(), Options{})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if ProxyInfo(c) == nil {
					io.WriteString(c, "no header")
				} else {
					io.WriteString(c, "unexpected header")
				}
			}(c)
		}
	}()

	c, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{RootCAs: testPool, ServerName: "localhost"})
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	c.Close()

	assert.Equal(t, "no header", string(got))
}

// TestGetTLSConn checks TLS connection discovery through wrapper chains.
func TestGetTLSConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tc := tls.Server(server, testTLSConfig())
	assert.Equal(t, tc, GetTLSConn(tc))
	assert.Nil(t, GetTLSConn(server))

	cw := &Conn{conn: tc}
	assert.Equal(t, tc, GetTLSConn(cw))
}
