// Package sshsession implements a password-authenticated SSH session that
// exposes a single capability to callers: run_cmd. Adapted from the
// appliance daemon's sshexec executor, trimmed to one connection per device
// (the orchestrator owns one Session per worker, not a shared cross-device
// connection cache) and given a pluggable host-key verification policy.
package sshsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultCommandTimeout is applied to RunCmd when the caller's context has
// no deadline of its own.
const DefaultCommandTimeout = 30 * time.Second

// ConnectError reports a dial, authentication, or handshake failure for a
// specific device address.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError reports a failure opening a channel, spawning the remote
// process, or a transport drop mid-execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("run_cmd %q: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// HostKeyPolicy produces the ssh.HostKeyCallback a Session dials with. It
// lets an implementer swap verification strategy without touching call
// sites (spec requirement: the default is permissive, but pluggable).
type HostKeyPolicy interface {
	Callback() ssh.HostKeyCallback
}

// AcceptAnyPolicy accepts any host key presented by the remote end. This is
// the core's default and reproduces a known limitation of the source
// implementation; callers that care about MITM protection should use
// KnownHostsPolicy instead.
type AcceptAnyPolicy struct{}

func (AcceptAnyPolicy) Callback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// Session is a single authenticated SSH connection to one device, reused
// across every rule evaluated for that device within one worker.
type Session struct {
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

// Dial opens a password-authenticated SSH connection to address
// ("host" or "host:port"; port 22 assumed when absent). On any network,
// authentication, or handshake failure it returns a *ConnectError.
func Dial(ctx context.Context, address, username, password string, policy HostKeyPolicy) (*Session, error) {
	if policy == nil {
		policy = AcceptAnyPolicy{}
	}

	addr := address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: policy.Callback(),
		Timeout:         30 * time.Second,
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, &ConnectError{Address: address, Err: err}
	}

	return &Session{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// RunCmd executes command over a fresh channel on the shared connection and
// returns its stdout. A non-zero exit status is not an error: the rule body
// decides compliance, not the transport. Honors ctx and, absent a deadline
// on ctx, DefaultCommandTimeout.
func (s *Session) RunCmd(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", &CommandError{Command: command, Err: fmt.Errorf("session closed")}
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return "", &CommandError{Command: command, Err: fmt.Errorf("new session: %w", err)}
	}
	defer sess.Close()

	var stdout bytes.Buffer
	sess.Stdout = &stdout

	timeout := DefaultCommandTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return "", &CommandError{Command: command, Err: ctx.Err()}
	case <-time.After(timeout):
		sess.Close()
		return "", &CommandError{Command: command, Err: fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)}
	case err := <-done:
		if err != nil {
			if _, ok := err.(*ssh.ExitError); ok {
				// Non-zero exit is not a transport failure.
				return stdout.String(), nil
			}
			return "", &CommandError{Command: command, Err: err}
		}
		return stdout.String(), nil
	}
}

// Close tears down the underlying connection. Safe to call more than once
// and safe to defer unconditionally from a worker's teardown path.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
