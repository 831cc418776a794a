package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/relaypost/relaypost/internal/compose"
	"github.com/relaypost/relaypost/internal/repository"
)

// CredentialDecoder turns an account's stored password blob into the
// plaintext SMTP credential. Encryption at rest is handled outside the
// engine; PlainCredentials passes the blob through unchanged.
type CredentialDecoder func(blob string) (string, error)

// PlainCredentials is the identity decoder.
func PlainCredentials(blob string) (string, error) { return blob, nil }

// NetDialer opens real SMTP sessions over TCP with the account's TLS mode
// and credentials.
type NetDialer struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	LocalName      string
	Decode         CredentialDecoder
}

// Dial connects, negotiates TLS per the account mode and authenticates
// when the account carries a username.
func (d *NetDialer) Dial(ctx context.Context, account *repository.Account) (Session, error) {
	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
	netDialer := &net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConfig := &tls.Config{ServerName: account.Host}
	var client *smtp.Client
	switch account.TLSMode {
	case repository.TLSImplicit:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	case repository.TLSStartTLS:
		// NewClientStartTLS greets the server before upgrading, so a
		// custom LocalName does not apply on this path.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starttls %s: %w", addr, err)
		}
	default:
		client = smtp.NewClient(conn)
	}
	if d.CommandTimeout > 0 {
		client.CommandTimeout = d.CommandTimeout
		client.SubmissionTimeout = d.CommandTimeout
	}
	if d.LocalName != "" && account.TLSMode != repository.TLSStartTLS {
		if err := client.Hello(d.LocalName); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("helo %s: %w", addr, err)
		}
	}
	if account.Username != "" {
		decode := d.Decode
		if decode == nil {
			decode = PlainCredentials
		}
		password, err := decode(account.Password)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("decode credentials for account %s: %w", account.ID, err)
		}
		if err := client.Auth(sasl.NewPlainClient("", account.Username, password)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("auth %s: %w", addr, err)
		}
	}
	return &netSession{client: client}, nil
}

type netSession struct {
	client *smtp.Client
}

func (s *netSession) Send(ctx context.Context, env compose.Envelope, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.Mail(env.From, nil); err != nil {
		return err
	}
	for _, rcpt := range env.Recipients {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	wc, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (s *netSession) Ping() error { return s.client.Noop() }

func (s *netSession) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
