package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type received struct {
	user string
	helo string
	tls  bool
	from string
	to   []string
	data string
}

type testBackend struct {
	mu       sync.Mutex
	password string
	messages []received
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b, conn: c}, nil
}

type testSession struct {
	backend *testBackend
	conn    *smtp.Conn
	cur     received
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.cur.user = username
		return nil
	}), nil
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	s.cur.helo = s.conn.Hostname()
	_, s.cur.tls = s.conn.TLSConnectionState()
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	switch {
	case strings.HasPrefix(to, "gone@"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
	case strings.HasPrefix(to, "busy@"):
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "mailbox full"}
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(data)
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.cur)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset()        { s.cur = received{user: s.cur.user} }
func (s *testSession) Logout() error { return nil }

func startSMTPServer(t *testing.T, be *testBackend) (string, int) {
	return startSMTPServerTLS(t, be, nil)
}

// startSMTPServerTLS advertises STARTTLS when tlsConfig is set.
func startSMTPServerTLS(t *testing.T, be *testBackend, tlsConfig *tls.Config) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSMTPTransport_Delivers(t *testing.T) {
	be := &testBackend{password: "secret"}
	host, port := startSMTPServer(t, be)

	tr := NewSMTPTransport(SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "team@acme.io",
		Password: "secret",
	}, zaptest.NewLogger(t))

	err := tr.Send(context.Background(), &Message{
		From:      "team@acme.io",
		To:        "lead@example.com",
		Subject:   "Intro",
		HTML:      "<p>Hello</p>",
		MessageID: "<9.abcd1234.1@acme.io>",
	})
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.messages, 1)
	got := be.messages[0]
	assert.Equal(t, "team@acme.io", got.user)
	assert.Equal(t, "team@acme.io", got.from)
	assert.Equal(t, []string{"lead@example.com"}, got.to)
	assert.Contains(t, got.data, "Message-ID: <9.abcd1234.1@acme.io>")
	assert.Contains(t, got.data, "<p>Hello</p>")
}

func TestSMTPTransport_ClassifiesRejections(t *testing.T) {
	be := &testBackend{password: "secret"}
	host, port := startSMTPServer(t, be)
	tr := NewSMTPTransport(SMTPConfig{Host: host, Port: port, Username: "u", Password: "secret"}, zaptest.NewLogger(t))

	err := tr.Send(context.Background(), &Message{From: "team@acme.io", To: "gone@example.com", Text: "x"})
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.False(t, de.Temporary)
	assert.Equal(t, 550, de.Code)

	err = tr.Send(context.Background(), &Message{From: "team@acme.io", To: "busy@example.com", Text: "x"})
	require.True(t, errors.As(err, &de))
	assert.True(t, de.Temporary)
	assert.Equal(t, 452, de.Code)
}

func TestSMTPTransport_BadCredentialsAreTemporary(t *testing.T) {
	be := &testBackend{password: "secret"}
	host, port := startSMTPServer(t, be)
	tr := NewSMTPTransport(SMTPConfig{Host: host, Port: port, Username: "u", Password: "wrong"}, zaptest.NewLogger(t))

	err := tr.Send(context.Background(), &Message{From: "team@acme.io", To: "lead@example.com", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
}

func TestSMTPTransport_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port}, zaptest.NewLogger(t))
	err = tr.Send(context.Background(), &Message{From: "a@acme.io", To: "b@example.com", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
}

func selfSignedTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return server, client
}

func TestSMTPTransport_UpgradesWithStartTLS(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	be := &testBackend{password: "secret"}
	host, port := startSMTPServerTLS(t, be, serverTLS)

	tr := NewSMTPTransport(SMTPConfig{
		Host:      host,
		Port:      port,
		StartTLS:  true,
		Username:  "team@acme.io",
		Password:  "secret",
		HeloName:  "mailer.acme.io",
		TLSConfig: clientTLS,
	}, zaptest.NewLogger(t))

	err := tr.Send(context.Background(), &Message{From: "team@acme.io", To: "lead@example.com", Text: "hi"})
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.messages, 1)
	assert.True(t, be.messages[0].tls)
	assert.Equal(t, "mailer.acme.io", be.messages[0].helo)
	assert.Equal(t, "team@acme.io", be.messages[0].user)
}

func TestSMTPTransport_StartTLSRequiredButNotOffered(t *testing.T) {
	be := &testBackend{password: "secret"}
	host, port := startSMTPServer(t, be)

	tr := NewSMTPTransport(SMTPConfig{Host: host, Port: port, StartTLS: true}, zaptest.NewLogger(t))
	err := tr.Send(context.Background(), &Message{From: "team@acme.io", To: "lead@example.com", Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsTemporary(err))

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Empty(t, be.messages)
}
