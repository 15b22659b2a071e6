package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"cloudslave/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSH represents an SSH connection and provides methods for remote operations
type SSH struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	host         string
	user         string
	instanceName string
}

const sshRetryInterval = 5 * time.Second

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, io.EOF) {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH waits for the SSH port, then dials and opens an SFTP channel.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	port := config.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(config.Host, strconv.Itoa(port))

	// Wait for SSH port to become available
	err := waitForSSH(ctx, address, config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("SSH not available after timeout: %w", err)
	}

	// Load private key - prefer content over path
	var signer ssh.Signer
	if config.PrivateKey != "" {
		signer, err = parsePrivateKey(config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	} else if config.PrivateKeyPath != "" {
		signer, err = loadPrivateKeyFromFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key from file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("either PrivateKey or PrivateKeyPath must be provided")
	}

	hostKeyCallback := config.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = TrustOnFirstUse()
	}

	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.SSHTimeout,
	}

	client, err := ssh.Dial("tcp", address, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("instance_name", config.InstanceName))

	// Create SFTP client
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &SSH{
		client:       client,
		sftpClient:   sftpClient,
		host:         config.Host,
		user:         config.User,
		instanceName: config.InstanceName,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// GetInstanceName returns the instance name
func (s *SSH) GetInstanceName() string {
	return s.instanceName
}

// Exec executes a command on the remote host, streaming combined output.
func (s *SSH) Exec(ctx context.Context, command string, stdin io.Reader, output io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	// stdout and stderr are copied by separate goroutines
	combined := &syncWriter{w: output}
	session.Stdout = combined
	session.Stderr = combined
	if stdin != nil {
		session.Stdin = stdin
	}

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	if err := session.Start(command); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		if err := session.Signal(ssh.SIGKILL); err != nil {
			logging.Logger().Debug("failed to signal session",
				zap.String("host", s.host),
				zap.Error(err))
		}
		safeClose("SSH session", session.Close)
		return ctx.Err()
	case err = <-done:
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.Bool("success", err == nil))

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: command, Status: exitErr.ExitStatus()}
	}
	if err != nil {
		return fmt.Errorf("command %q failed: %w", command, err)
	}
	return nil
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// Sync copies a file or directory from remote host to local machine using SFTP.
// Automatically detects whether the path is a file or directory and handles accordingly.
func (s *SSH) Sync(remotePath, localPath string) error {
	logging.Logger().Debug("Syncing path using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	// Get remote file info to determine if it's a directory or file
	remoteInfo, err := s.sftpClient.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("failed to stat remote path: %w", err)
	}

	if remoteInfo.IsDir() {
		return s.syncDirectory(remotePath, localPath)
	}
	return s.syncFile(remotePath, localPath, remoteInfo)
}

// copyFile copies a single file from remote to local
func (s *SSH) copyFile(remotePath, localPath string, fileMode os.FileMode) (int64, error) {
	// Create parent directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create local directory: %w", err)
	}

	// Open remote file
	remoteFile, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer safeClose("remote file", remoteFile.Close)

	// Create local file
	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer safeClose("local file", localFile.Close)

	// Copy file content
	bytesWritten, err := localFile.ReadFrom(remoteFile)
	if err != nil {
		return 0, fmt.Errorf("failed to copy file content: %w", err)
	}

	// Set file permissions
	if err := os.Chmod(localPath, fileMode); err != nil {
		logging.Logger().Warn("failed to set file permissions",
			zap.String("path", localPath),
			zap.Error(err))
	}

	return bytesWritten, nil
}

// syncFile copies a single file from remote to local
func (s *SSH) syncFile(remotePath, localPath string, remoteInfo os.FileInfo) error {
	bytesWritten, err := s.copyFile(remotePath, localPath, remoteInfo.Mode())
	if err != nil {
		return err
	}

	logging.Logger().Info("File synced successfully using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.Int64("size_bytes", bytesWritten))

	return nil
}

// syncDirectory recursively copies a directory from remote to local
func (s *SSH) syncDirectory(remotePath, localPath string) error {
	// Create root local directory
	if err := os.MkdirAll(localPath, 0755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	// Track statistics
	var filesCopied, dirsCreated int64
	var totalBytes int64

	// Walk through remote directory recursively
	walker := s.sftpClient.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("failed to walk remote directory: %w", err)
		}

		remoteFilePath := walker.Path()
		info := walker.Stat()

		// Calculate relative path from the remote root
		relPath, err := filepath.Rel(remotePath, remoteFilePath)
		if err != nil {
			return fmt.Errorf("failed to calculate relative path: %w", err)
		}

		// Skip root directory entry (already created)
		if relPath == "." {
			continue
		}

		// Build local file path
		localFilePath := filepath.Join(localPath, relPath)

		if info.IsDir() {
			// Create local directory with original permissions
			// MkdirAll creates all parent directories if needed
			if err := os.MkdirAll(localFilePath, info.Mode()); err != nil {
				return fmt.Errorf("failed to create local directory: %w", err)
			}
			dirsCreated++
		} else {
			// Copy file using shared helper function
			bytesWritten, err := s.copyFile(remoteFilePath, localFilePath, info.Mode())
			if err != nil {
				return err
			}
			filesCopied++
			totalBytes += bytesWritten
		}
	}

	logging.Logger().Info("Directory synced successfully using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.Int64("files_copied", filesCopied),
		zap.Int64("dirs_created", dirsCreated),
		zap.Int64("total_bytes", totalBytes))

	return nil
}

// waitForSSH polls address until it accepts TCP connections or timeout passes.
func waitForSSH(ctx context.Context, address string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		conn, err := net.DialTimeout("tcp", address, 5*time.Second)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("address", address),
					zap.Error(closeErr))
			}
			return nil
		}

		if !time.Now().Add(sshRetryInterval).Before(deadline) {
			return fmt.Errorf("SSH port not available after %v timeout: %w", timeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sshRetryInterval):
		}
	}
}

// parsePrivateKey parses SSH private key from PEM-encoded string
func parsePrivateKey(privateKeyPEM string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// loadPrivateKeyFromFile loads SSH private key from file
func loadPrivateKeyFromFile(privateKeyPath string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return parsePrivateKey(string(keyBytes))
}
