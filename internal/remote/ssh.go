// Package remote runs commands on cluster hosts over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// OK reports a zero exit status.
func (r *Result) OK() bool {
	return r.ExitStatus == 0
}

// Session is an open shell connection to one host.
type Session interface {
	Run(ctx context.Context, cmd string) (*Result, error)
	Close() error
}

// Dialer opens sessions to hosts.
type Dialer interface {
	Dial(ctx context.Context, address string, cred *domain.Credential) (Session, error)
}

// Options configures an SSHDialer.
type Options struct {
	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
}

// SSHDialer dials password-authenticated SSH sessions using the cluster
// credential's shell username.
type SSHDialer struct {
	opts   Options
	logger *zap.Logger
}

// NewSSHDialer creates a dialer.
func NewSSHDialer(opts Options, logger *zap.Logger) *SSHDialer {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	return &SSHDialer{
		opts:   opts,
		logger: logger.With(zap.String("component", "ssh")),
	}
}

// Dial connects and authenticates to address.
func (d *SSHDialer) Dial(ctx context.Context, address string, cred *domain.Credential) (Session, error) {
	if !cred.Usable() {
		return nil, domain.ErrNotConfigured
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(d.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	config := &ssh.ClientConfig{
		User:            cred.ShellUsername(),
		Auth:            []ssh.AuthMethod{ssh.Password(cred.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.ConnectTimeout,
	}

	addr := net.JoinHostPort(address, strconv.Itoa(d.opts.Port))
	dialer := &net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH session with %s: %w", addr, err)
	}

	d.logger.Debug("SSH session established",
		zap.String("address", addr),
		zap.String("user", config.User),
	)

	return &sshSession{
		client:  ssh.NewClient(c, chans, reqs),
		timeout: d.opts.CommandTimeout,
		logger:  d.logger.With(zap.String("address", addr)),
	}, nil
}

type sshSession struct {
	client  *ssh.Client
	timeout time.Duration
	logger  *zap.Logger
}

// Run executes cmd and waits for it to exit. A non-zero exit status is
// reported in the result, not as an error.
func (s *sshSession) Run(ctx context.Context, cmd string) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, fmt.Errorf("command %q aborted: %w", cmd, ctx.Err())
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitStatus = exitErr.ExitStatus()
	default:
		return nil, fmt.Errorf("failed to run %q: %w", cmd, runErr)
	}

	s.logger.Debug("Remote command finished",
		zap.String("command", cmd),
		zap.Int("exit_status", result.ExitStatus),
	)
	return result, nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
