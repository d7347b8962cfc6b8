package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/runbookd/runbookd/internal/model"
)

// CommandResult is the structured outcome of one remote command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Session is an established connection to a single node. A session belongs
// exclusively to the worker that opened it and is never shared.
type Session interface {
	// Run executes a command with a bounded timeout. A non-zero exit code
	// is a successful run; only transport failures and timeouts error.
	Run(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error)

	Close() error
}

// Dialer opens sessions to remote nodes.
type Dialer interface {
	OpenSession(ctx context.Context, target model.NodeTarget, credential string) (Session, error)
}

// SSHDialer implements Dialer over SSH with password and private key
// authentication.
type SSHDialer struct {
	logger         *zap.Logger
	connectTimeout time.Duration
}

// NewSSHDialer creates a dialer. connectTimeout <= 0 defaults to 10s.
func NewSSHDialer(logger *zap.Logger, connectTimeout time.Duration) *SSHDialer {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &SSHDialer{
		logger:         logger.Named("ssh"),
		connectTimeout: connectTimeout,
	}
}

// OpenSession dials the target and authenticates with the given credential.
func (d *SSHDialer) OpenSession(ctx context.Context, target model.NodeTarget, credential string) (Session, error) {
	auth, err := authMethods(target.AuthKind, credential)
	if err != nil {
		return nil, &ConnectError{Node: target.Name, Err: err}
	}

	host, port := target.Addr()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.connectTimeout,
	}

	dialer := net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Node: target.Name, Err: err}
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Node: target.Name, Err: err}
	}

	d.logger.Debug("Session established",
		zap.String("node", target.Name),
		zap.String("addr", addr))

	return &sshSession{
		client: ssh.NewClient(clientConn, chans, reqs),
		node:   target.Name,
	}, nil
}

// authMethods builds the SSH auth chain for the node's auth kind.
func authMethods(kind model.AuthKind, credential string) ([]ssh.AuthMethod, error) {
	switch kind {
	case model.AuthPrivateKey:
		signer, err := ssh.ParsePrivateKey([]byte(credential))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case model.AuthPassword, "":
		return []ssh.AuthMethod{ssh.Password(credential)}, nil
	default:
		return nil, fmt.Errorf("unknown auth kind %q", kind)
	}
}

type sshSession struct {
	client *ssh.Client
	node   string
}

func (s *sshSession) Run(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &ConnectError{Node: s.node, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Closing the client is the only reliable way to interrupt a
		// remote command mid-flight.
		s.client.Close()
		return nil, &ConnectError{Node: s.node, Err: ctx.Err()}
	case <-timer.C:
		s.client.Close()
		return nil, &CommandTimeoutError{Command: command, Timeout: timeout}
	case err = <-done:
	}

	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		exitErr, ok := err.(*ssh.ExitError)
		if !ok {
			return nil, &ConnectError{Node: s.node, Err: err}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	return result, nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
