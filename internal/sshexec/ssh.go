package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/patchwork/internal/inventory"
)

// ConnectivityError marks a host as unreachable. The fleet layer turns it
// into a failed session without aborting the run.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ErrSessionClosed marks a command whose session was torn down before the
// exit status arrived. A reboot command does this on purpose.
var ErrSessionClosed = errors.New("session closed")

// Options configures the executor for a whole run.
type Options struct {
	KnownHosts xssh.HostKeyCallback // nil = insecure, callers normally pass a strict callback
	Timeout    time.Duration        // per-dial timeout
	Retries    int
	Backoff    time.Duration
}

// Executor runs commands on inventory hosts over SSH. Connections are opened
// per command; update sessions are long and sparse enough that pooling buys
// nothing and a stale pooled connection across a reboot is a liability.
type Executor struct {
	opts Options

	mu      sync.Mutex
	signers map[string]xssh.Signer
}

func New(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Executor{opts: opts, signers: map[string]xssh.Signer{}}
}

func (e *Executor) signer(keyPath string) (xssh.Signer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.signers[keyPath]; ok {
		return s, nil
	}
	s, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	e.signers[keyPath] = s
	return s, nil
}

func (e *Executor) clientConfig(host inventory.Host) (*xssh.ClientConfig, error) {
	signer, err := e.signer(host.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh key for %s: %w", host.Name, err)
	}
	cb := e.opts.KnownHosts
	if cb == nil {
		cb = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            host.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
		HostKeyCallback: cb,
		Timeout:         e.opts.Timeout,
	}, nil
}

// Run executes a remote command and returns its exit code with captured
// stdout/stderr. A non-zero exit is not an error; the caller decides what it
// means. Dial failures are retried with linear backoff and surface as
// *ConnectivityError.
func (e *Executor) Run(ctx context.Context, host inventory.Host, command string, timeout time.Duration) (int, string, string, error) {
	cfg, err := e.clientConfig(host)
	if err != nil {
		return -1, "", "", err
	}
	var lastErr error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return -1, "", "", err
		}
		cli, err := dial(ctx, host.Address(), cfg)
		if err != nil {
			lastErr = err
			if attempt < e.opts.Retries {
				select {
				case <-ctx.Done():
					return -1, "", "", ctx.Err()
				case <-time.After(e.opts.Backoff * time.Duration(attempt+1)):
				}
				continue
			}
			break
		}
		exit, stdout, stderr, err := runSession(ctx, cli, command, timeout)
		_ = cli.Close()
		return exit, stdout, stderr, err
	}
	return -1, "", "", &ConnectivityError{Host: host.Name, Err: lastErr}
}

// Dialable reports whether the host's SSH port accepts TCP connections. The
// prober uses it as the cheap reachability check after a reboot.
func (e *Executor) Dialable(ctx context.Context, host inventory.Host, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host.Address())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func dial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cc, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			ch <- res{err: err}
			return
		}
		ch <- res{cli: xssh.NewClient(cc, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		// Closing the conn unblocks the handshake; a client that raced
		// us to completion still has to be torn down.
		_ = conn.Close()
		if r := <-ch; r.cli != nil {
			_ = r.cli.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

func runSession(ctx context.Context, cli *xssh.Client, command string, timeout time.Duration) (int, string, string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return -1, stdout.String(), stderr.String(), ctx.Err()
	case <-timer:
		_ = session.Signal(xssh.SIGKILL)
		log.Debug().Str("command", command).Dur("timeout", timeout).Msg("remote command timed out")
		return -1, stdout.String(), stderr.String(), context.DeadlineExceeded
	case err := <-done:
		if err == nil {
			return 0, stdout.String(), stderr.String(), nil
		}
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
		}
		// Sessions torn down mid-command (a reboot does this) report a
		// missing exit status rather than a code.
		var missing *xssh.ExitMissingError
		if errors.As(err, &missing) {
			return -1, stdout.String(), stderr.String(), fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return -1, stdout.String(), stderr.String(), fmt.Errorf("run command: %w", err)
	}
}
