package control

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Exec runs command on the remote host. Stdout and stderr are both written
	// to output as they arrive; stdin, if not nil, is copied to the command and
	// then closed. A non-zero exit is reported as *ExitError. Cancelling ctx
	// kills the session.
	Exec(ctx context.Context, command string, stdin io.Reader, output io.Writer) error

	// GetInstanceName returns the instance name
	GetInstanceName() string

	// Sync copies a file or directory from remote host to local machine using SFTP.
	// Automatically detects whether the path is a file or directory and handles accordingly.
	Sync(remotePath, localPath string) error
}

// ExitError reports a remote command that ran and exited non-zero.
type ExitError struct {
	Command string
	Status  int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.Status)
}

// Config defines configuration for creating controllers
type Config struct {
	Host           string
	Port           int // 22 when zero
	User           string
	PrivateKey     string // PEM-encoded private key content (preferred)
	PrivateKeyPath string // Path to private key file
	// Timeout bounds the wait for the SSH port to accept connections.
	Timeout time.Duration
	// SSHTimeout bounds the SSH handshake.
	SSHTimeout   time.Duration
	InstanceName string
	// HostKeyCallback defaults to the process wide trust-on-first-use store.
	HostKeyCallback ssh.HostKeyCallback
}

// Dialer opens a Controller for a host.
type Dialer func(ctx context.Context, config Config) (Controller, error)

// NewController creates a new controller based on the config
func NewController(ctx context.Context, config Config) (Controller, error) {
	// For now, only SSH is supported
	return NewSSH(ctx, config)
}

var _ Dialer = NewController
