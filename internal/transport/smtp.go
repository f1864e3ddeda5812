package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// SMTPConfig describes one SMTP submission account.
type SMTPConfig struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS
	StartTLS bool // upgrade a plain connection; fails when not offered
	Username string
	Password string

	// TokenSource switches authentication from PLAIN to OAUTHBEARER.
	TokenSource oauth2.TokenSource

	HeloName  string
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// SMTPTransport submits messages to the sender's own SMTP server.
type SMTPTransport struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

func NewSMTPTransport(cfg SMTPConfig, logger *zap.Logger) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return &SMTPTransport{cfg: cfg, logger: logger}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	c, err := t.newClient(conn)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(t.cfg.HeloName); err != nil {
		return categorizeError(err, "HELO")
	}

	if err := t.authenticate(c); err != nil {
		return err
	}

	if err := c.Mail(msg.From, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, "RCPT TO "+msg.To)
	}

	wc, err := c.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(buildMessage(msg)).WriteTo(wc); err != nil {
		_ = wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	_ = c.Quit()

	t.logger.Debug("message submitted",
		zap.String("host", t.cfg.Host),
		zap.String("to", msg.To),
		zap.String("message_id", msg.MessageID),
	)
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	if t.cfg.Secure {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: t.cfg.TLSConfig}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// newClient wraps conn, upgrading it first when StartTLS is set. The upgrade
// resets the session, so HELO is still ours to send afterwards.
func (t *SMTPTransport) newClient(conn net.Conn) (*smtp.Client, error) {
	if t.cfg.Secure || !t.cfg.StartTLS {
		return smtp.NewClient(conn), nil
	}
	c, err := smtp.NewClientStartTLS(conn, t.cfg.TLSConfig)
	if err != nil {
		return nil, categorizeError(err, "STARTTLS")
	}
	return c, nil
}

// authenticate fails temporarily on every error: a rejected credential is
// the sender's problem, not a verdict on the recipient address.
func (t *SMTPTransport) authenticate(c *smtp.Client) error {
	var client sasl.Client
	switch {
	case t.cfg.TokenSource != nil:
		tok, err := t.cfg.TokenSource.Token()
		if err != nil {
			return &DeliveryError{Temporary: true, Message: fmt.Sprintf("oauth token refresh failed: %v", err)}
		}
		client = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: t.cfg.Username,
			Token:    tok.AccessToken,
			Host:     t.cfg.Host,
			Port:     t.cfg.Port,
		})
	case t.cfg.Username != "":
		client = sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
	default:
		return nil
	}

	if err := c.Auth(client); err != nil {
		de := categorizeError(err, "AUTH")
		de.Temporary = true
		return de
	}
	return nil
}

var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// categorizeError maps a reply to a DeliveryError: 5xx is permanent, 4xx and
// anything without a code is temporary.
func categorizeError(err error, stage string) *DeliveryError {
	de := &DeliveryError{Temporary: true, Message: fmt.Sprintf("%s failed: %v", stage, err)}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		de.Code = smtpErr.Code
	} else if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		de.Code, _ = strconv.Atoi(m[1])
	}

	if de.Code >= 500 && de.Code < 600 {
		de.Temporary = false
	}
	return de
}
