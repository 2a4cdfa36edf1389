package pool_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jdw/apnspush/internal/config"
)

// rawH2Server drives golang.org/x/net/http2's Framer directly on the server
// side, mirroring how Connection drives it on the client side. The standard
// library's http2.Server only ever resets a stream with INTERNAL_ERROR (on a
// handler panic), so a test that needs a specific RST_STREAM code — CANCEL,
// REFUSED_STREAM — has to speak the protocol by hand.
type rawH2Server struct {
	ln       net.Listener
	onStream func(streamID uint32) (status int, body []byte, reset *http2.ErrCode)
}

func startRawH2Server(t *testing.T, onStream func(uint32) (int, []byte, *http2.ErrCode)) (config.Server, *tls.Config) {
	t.Helper()

	cert := generateSelfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &rawH2Server{ln: ln, onStream: onStream}
	go s.serve()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2"}, ServerName: host}
	return config.Server{Host: host, Port: port}, clientTLS
}

func (s *rawH2Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *rawH2Server) serveConn(conn net.Conn) {
	defer conn.Close()

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(conn, preface); err != nil {
		return
	}

	framer := http2.NewFramer(conn, conn)
	if err := framer.WriteSettings(); err != nil {
		return
	}

	hpackBuf := new(bytes.Buffer)
	enc := hpack.NewEncoder(hpackBuf)
	var decoded []hpack.HeaderField
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) { decoded = append(decoded, f) })

	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			return
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				framer.WriteSettingsAck()
			}
		case *http2.HeadersFrame:
			decoded = decoded[:0]
			dec.Write(f.HeaderBlockFragment())
		case *http2.DataFrame:
			if !f.StreamEnded() {
				continue
			}
			status, body, reset := s.onStream(f.StreamID)
			if reset != nil {
				framer.WriteRSTStream(f.StreamID, *reset)
				continue
			}
			hpackBuf.Reset()
			enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
			framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      f.StreamID,
				BlockFragment: append([]byte(nil), hpackBuf.Bytes()...),
				EndHeaders:    true,
			})
			framer.WriteData(f.StreamID, true, body)
		}
	}
}

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
