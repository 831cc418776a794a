package smtppool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/relaypost/relaypost/internal/repository"
)

// plainSMTPServer runs a minimal plaintext SMTP server that greets,
// answers EHLO, NOOP and QUIT, and advertises no STARTTLS support.
func plainSMTPServer(t *testing.T) *repository.Account {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				fmt.Fprintf(c, "220 test ready\r\n")
				br := bufio.NewReader(c)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.ToUpper(strings.TrimSpace(line))
					switch {
					case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
						fmt.Fprintf(c, "250-test greets you\r\n250 SIZE 1048576\r\n")
					case cmd == "NOOP":
						fmt.Fprintf(c, "250 ok\r\n")
					case cmd == "QUIT":
						fmt.Fprintf(c, "221 bye\r\n")
						return
					default:
						fmt.Fprintf(c, "502 not implemented\r\n")
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return &repository.Account{ID: "acc", Host: host, Port: port, TLSMode: repository.TLSNone}
}

func TestNetDialerPlainSession(t *testing.T) {
	acc := plainSMTPServer(t)
	d := &NetDialer{
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
		LocalName:      "relay.test",
	}

	session, err := d.Dial(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestNetDialerStartTLSUnsupported(t *testing.T) {
	acc := plainSMTPServer(t)
	acc.TLSMode = repository.TLSStartTLS
	d := &NetDialer{ConnectTimeout: time.Second, CommandTimeout: time.Second}

	_, err := d.Dial(context.Background(), acc)
	if err == nil {
		t.Fatal("dial succeeded against a server without STARTTLS")
	}
	if !strings.Contains(err.Error(), "starttls") {
		t.Errorf("err = %v, want the starttls failure surfaced", err)
	}
}
