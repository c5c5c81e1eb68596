package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Client is one SSH connection to a configured host.
type Client struct {
	name   string
	conn   *ssh.Client
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a host. The dial and handshake honor ctx.
func Dial(ctx context.Context, name string, cfg HostConfig, logger zerolog.Logger) (*Client, error) {
	clientConfig, release, err := cfg.clientConfig()
	if err != nil {
		return nil, &Error{Op: "connect", Host: name, Err: err, Auth: true}
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()

	addr := cfg.address()
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "connect", Host: name, Err: err, Temporary: true}
	}

	// The handshake has no context of its own.
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	stop()
	if err != nil {
		_ = netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Op: "connect", Host: name, Err: ctxErr, Temporary: true}
		}
		return nil, &Error{Op: "connect", Host: name, Err: err, Auth: true}
	}

	logger = logger.With().Str("host", name).Str("address", addr).Logger()
	logger.Debug().Msg("SSH connection established")
	return &Client{
		name:   name,
		conn:   ssh.NewClient(sshConn, chans, reqs),
		logger: logger,
	}, nil
}

// Name returns the configured host name.
func (c *Client) Name() string {
	return c.name
}

// Alive sends a keepalive request and reports whether it was answered.
func (c *Client) Alive() bool {
	_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Run executes command in a new session. A non-zero exit status is reported
// in the result, not as an error.
func (c *Client) Run(ctx context.Context, command string) (*Result, error) {
	start := time.Now()

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, &Error{Op: "exec", Host: c.name, Err: fmt.Errorf("failed to create session: %w", err), Temporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	c.logger.Debug().Str("command", command).Msg("Running remote command")

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, &Error{Op: "exec", Host: c.name, Err: ctx.Err()}
	case runErr = <-done:
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &Error{Op: "exec", Host: c.name, Err: runErr, Temporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	return result, nil
}

// Upload copies a local file to remotePath, creating parent directories.
// A non-zero mode is applied to the remote file.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return 0, &Error{Op: "upload", Host: c.name, Err: err}
	}
	defer local.Close()

	client, err := c.sftp()
	if err != nil {
		return 0, err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &Error{Op: "upload", Host: c.name, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remote, err := client.Create(remotePath)
	if err != nil {
		return 0, &Error{Op: "upload", Host: c.name, Err: fmt.Errorf("failed to create remote file: %w", err)}
	}
	defer remote.Close()

	n, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return n, &Error{Op: "upload", Host: c.name, Err: err, Temporary: ctx.Err() == nil}
	}
	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("path", remotePath).Msg("Failed to set remote file mode")
		}
	}

	c.logger.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("File uploaded")
	return n, nil
}

// Download copies remotePath to a local file, creating parent directories.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	client, err := c.sftp()
	if err != nil {
		return 0, err
	}
	defer client.Close()

	remote, err := client.Open(remotePath)
	if err != nil {
		return 0, &Error{Op: "download", Host: c.name, Err: err}
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, &Error{Op: "download", Host: c.name, Err: err}
	}
	local, err := os.Create(localPath)
	if err != nil {
		return 0, &Error{Op: "download", Host: c.name, Err: err}
	}
	defer local.Close()

	n, err := copyWithContext(ctx, local, remote)
	if err != nil {
		return n, &Error{Op: "download", Host: c.name, Err: err, Temporary: ctx.Err() == nil}
	}

	c.logger.Debug().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("File downloaded")
	return n, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Client) sftp() (*sftp.Client, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, &Error{Op: "sftp", Host: c.name, Err: fmt.Errorf("failed to start SFTP: %w", err), Temporary: true}
	}
	return client, nil
}

// copyWithContext copies in 32KiB chunks, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
