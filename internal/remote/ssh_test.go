package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// startServer runs a minimal SSH server answering exec requests.
func startServer(t *testing.T) int {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				var status uint32
				switch payload.Command {
				case "echo hello":
					fmt.Fprint(ch, "hello\n")
				case "fail":
					fmt.Fprint(ch.Stderr(), "E: broken\n")
					status = 100
				case "sleep":
					time.Sleep(2 * time.Second)
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func TestSSHDialer_Run(t *testing.T) {
	port := startServer(t)
	d := NewSSHDialer(Options{Port: port, ConnectTimeout: 2 * time.Second}, zap.NewNop())
	cred := &domain.Credential{Hostname: "pve1", Username: "root@pam", Password: "secret"}

	sess, err := d.Dial(context.Background(), "127.0.0.1", cred)
	require.NoError(t, err)
	defer sess.Close()

	res, err := sess.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "hello\n", res.Stdout)

	res, err = sess.Run(context.Background(), "fail")
	require.NoError(t, err)
	assert.Equal(t, 100, res.ExitStatus)
	assert.Equal(t, "E: broken\n", res.Stderr)
}

func TestSSHDialer_Timeout(t *testing.T) {
	port := startServer(t)
	d := NewSSHDialer(Options{Port: port, CommandTimeout: 100 * time.Millisecond}, zap.NewNop())
	cred := &domain.Credential{Hostname: "pve1", Username: "root@pam", Password: "secret"}

	sess, err := d.Dial(context.Background(), "127.0.0.1", cred)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Run(context.Background(), "sleep")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSSHDialer_AuthFailure(t *testing.T) {
	port := startServer(t)
	d := NewSSHDialer(Options{Port: port}, zap.NewNop())
	cred := &domain.Credential{Hostname: "pve1", Username: "root@pam", Password: "wrong"}

	_, err := d.Dial(context.Background(), "127.0.0.1", cred)
	require.Error(t, err)
}

func TestSSHDialer_NotConfigured(t *testing.T) {
	d := NewSSHDialer(Options{}, zap.NewNop())
	_, err := d.Dial(context.Background(), "127.0.0.1", &domain.Credential{})
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}
