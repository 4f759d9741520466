// Package proxywrap adds transparent PROXY protocol (v1 and v2) support to
// stream-oriented servers. Application code keeps the connection model it
// always had, but sees the true originating address exposed by the proxy or
// load balancer in front of it instead of the immediate peer's.
//
// Connections accepted behind AWS ELB, HAProxy and similar balancers begin
// with a PROXY header describing the original endpoints. proxywrap buffers
// the first bytes of every connection until that header is confirmed
// complete or absent, strips it, and splices whatever followed it back into
// the read path, so downstream consumers read the payload exactly as the
// client sent it.
//
// # Basic Usage
//
// Use Listen to create a listener whose Accept only ever returns
// already-stripped connections:
//
//	socket, err := proxywrap.Listen("tcp", ":8080", proxywrap.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Fatal(http.Serve(socket, handler))
//
// Or intercept a single connection from an accept loop you own:
//
//	conn, err := proxywrap.Wrap(raw, proxywrap.Options{OverrideRemote: true})
//
// # Strict and Permissive Modes
//
// By default the listener is permissive: traffic without a PROXY header
// passes through unchanged. With Options.Strict every connection must begin
// with a valid header; anything else is closed before it reaches Accept.
//
// # TLS
//
// ListenTLS layers the TLS handshake over the already-intercepted
// connection. The decoded endpoints stay reachable through ProxyInfo,
// ClientAddr and ProxyAddr, which walk the wrapper chain down from the
// tls.Conn.
package proxywrap
