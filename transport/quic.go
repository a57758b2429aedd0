// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Compile-time interface checks.
var (
	_ Listener = (*QUICListener)(nil)
	_ Dialer   = (*QUICDialer)(nil)
)

// quicALPN is the application protocol negotiated during the QUIC
// handshake. Peers that negotiate anything else are not mulemesh
// nodes.
const quicALPN = "mulemesh-sync-1"

// QUICListener accepts inbound QUIC streams. QUIC is the transport of
// choice for lossy radio links: a short contact window survives
// packet loss far better than TCP's congestion recovery, and the
// handshake is one round trip.
//
// Transport TLS here provides channel encryption only. Authenticity
// of content never depends on it — every bundle carries its own
// ed25519 signature, verified at admission regardless of which link
// delivered it.
type QUICListener struct {
	listener *quic.Listener
}

// QUICListenerConfig holds listener parameters.
type QUICListenerConfig struct {
	// Address is the UDP address to bind, e.g. ":7441".
	Address string

	// TLS overrides the generated self-signed configuration, for
	// deployments with provisioned certificates. Optional.
	TLS *tls.Config
}

// NewQUICListener binds a QUIC listener. With no TLS config supplied
// it generates an ephemeral self-signed certificate.
func NewQUICListener(cfg QUICListenerConfig) (*QUICListener, error) {
	tlsConf := cfg.TLS
	if tlsConf == nil {
		generated, err := selfSignedTLS()
		if err != nil {
			return nil, fmt.Errorf("transport: generating listener certificate: %w", err)
		}
		tlsConf = generated
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{quicALPN}

	listener, err := quic.ListenAddr(cfg.Address, tlsConf, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen on %s: %w", cfg.Address, err)
	}
	return &QUICListener{listener: listener}, nil
}

// Serve accepts connections, takes one stream per connection, and
// dispatches it to handler. One sync session per connection keeps
// teardown unambiguous: closing the stream ends the contact.
func (l *QUICListener) Serve(ctx context.Context, handler Handler) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				conn.CloseWithError(0, "no stream")
				return
			}
			handler(ctx, &quicStream{stream: stream, conn: conn})
		}()
	}
}

// Address returns the bound UDP address.
func (l *QUICListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// QUICDialer opens QUIC streams to listening peers.
type QUICDialer struct {
	// TLS overrides the default configuration. The default skips
	// certificate verification: listeners present ephemeral
	// self-signed certificates, and peer authenticity rides on
	// bundle signatures, not channel identity.
	TLS *tls.Config
}

// DialContext opens a connection to address (host:port over UDP) and
// a single bidirectional stream on it.
func (d *QUICDialer) DialContext(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{quicALPN}

	conn, err := quic.DialAddr(ctx, address, tlsConf, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", address, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("transport: opening stream to %s: %w", address, err)
	}
	return &quicStream{stream: stream, conn: conn}, nil
}

// quicStream bundles a stream with its owning connection so that
// closing the session tears the connection down too.
type quicStream struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) Close() error {
	s.stream.Close()
	return s.conn.CloseWithError(0, "session complete")
}

// selfSignedTLS generates an ephemeral ECDSA certificate for a
// listener. Regenerated on every start; nothing persists it.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}, nil
}
