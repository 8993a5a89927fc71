package listener

import (
	"crypto/tls"
	"net"
)

// Stream is a session's byte stream, plain or TLS.
type Stream interface {
	net.Conn
	IsTLS() bool
	// TLSVersionAndCipher returns the negotiated protocol version and
	// cipher suite names; both are empty for plain streams.
	TLSVersionAndCipher() (version, cipher string)
}

type plainStream struct {
	net.Conn
}

// NewPlainStream wraps an unencrypted connection.
func NewPlainStream(conn net.Conn) Stream {
	if s, ok := conn.(Stream); ok {
		return s
	}
	return plainStream{Conn: conn}
}

func (plainStream) IsTLS() bool                         { return false }
func (plainStream) TLSVersionAndCipher() (string, string) { return "", "" }

type tlsStream struct {
	*tls.Conn
}

// NewTLSStream wraps an established TLS connection.
func NewTLSStream(conn *tls.Conn) Stream {
	return tlsStream{Conn: conn}
}

func (tlsStream) IsTLS() bool { return true }

func (s tlsStream) TLSVersionAndCipher() (string, string) {
	state := s.ConnectionState()
	return tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite)
}
