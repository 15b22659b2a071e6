package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cloudslave/internal/control"
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/store"
)

const readBufferSize = 32 * 1024

// Slave controls one provisioned instance.
type Slave struct {
	cloud *Cloud

	mu     sync.Mutex
	record model.Slave
	ip     string
}

func newSlave(cloud *Cloud, rec model.Slave) *Slave {
	return &Slave{cloud: cloud, record: rec}
}

func (s *Slave) Name() string {
	return s.record.Name
}

// Record returns a copy of the slave record.
func (s *Slave) Record() model.Slave {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Slave) String() string {
	return s.record.Name
}

// refresh takes the mutable fields of a freshly loaded record.
func (s *Slave) refresh(rec model.Slave) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.State = rec.State
	if rec.FloatingIP != "" {
		s.record.FloatingIP = rec.FloatingIP
	}
}

func (s *Slave) logger() *zap.Logger {
	return s.cloud.logger().With(
		zap.String("reservation_id", s.record.ReservationID),
		zap.String("slave", s.record.Name))
}

func (s *Slave) server(ctx context.Context) (*provisioning.Server, error) {
	client, err := s.cloud.Client(ctx)
	if err != nil {
		return nil, err
	}
	server, err := client.GetServer(ctx, s.record.CloudNodeID)
	if err != nil {
		return nil, providerError("get server "+s.record.CloudNodeID, err)
	}
	return server, nil
}

// CurrentStatus returns the provider's status for the instance without
// recording it.
func (s *Slave) CurrentStatus(ctx context.Context) (string, error) {
	server, err := s.server(ctx)
	if err != nil {
		return "", err
	}
	return server.Status, nil
}

// UpdateState polls the instance and persists its status.
func (s *Slave) UpdateState(ctx context.Context) (string, error) {
	status, err := s.CurrentStatus(ctx)
	if err != nil {
		return "", err
	}
	if err := s.cloud.store.UpdateSlaveState(ctx, s.record.ReservationID, s.record.Name, status); err != nil {
		return "", fmt.Errorf("failed to save state of slave %s: %w", s.record.Name, err)
	}

	s.mu.Lock()
	s.record.State = status
	s.mu.Unlock()

	s.logger().Debug("Slave polled", zap.String("status", status))
	return status, nil
}

// IP returns the address used to reach the instance: with a floating IP in
// play the last address of the first network, otherwise the first one. The
// result is cached.
func (s *Slave) IP(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.ip != "" {
		ip := s.ip
		s.mu.Unlock()
		return ip, nil
	}
	s.mu.Unlock()

	server, err := s.server(ctx)
	if err != nil {
		return "", err
	}
	ip, err := selectAddress(server.Networks, s.cloud.config.FloatingIPMode.UsesFloatingIP())
	if err != nil {
		return "", fmt.Errorf("slave %s: %w", s.record.Name, err)
	}

	s.mu.Lock()
	s.ip = ip
	if s.cloud.config.FloatingIPMode.UsesFloatingIP() {
		s.record.FloatingIP = ip
	}
	s.mu.Unlock()
	return ip, nil
}

func selectAddress(networks []provisioning.Network, floating bool) (string, error) {
	if len(networks) == 0 || len(networks[0].Addresses) == 0 {
		return "", ErrNoNetworks
	}
	addrs := networks[0].Addresses
	if floating {
		return addrs[len(addrs)-1], nil
	}
	return addrs[0], nil
}

// Delete removes the instance and its record. An instance the provider no
// longer knows counts as deleted.
func (s *Slave) Delete(ctx context.Context) error {
	client, err := s.cloud.Client(ctx)
	if err != nil {
		return err
	}

	err = client.DeleteServer(ctx, s.record.CloudNodeID)
	switch {
	case errors.Is(err, provisioning.ErrNotFound):
		s.logger().Info("Slave already gone", zap.String("cloud_node_id", s.record.CloudNodeID))
	case err != nil:
		return providerError("delete server "+s.record.CloudNodeID, err)
	default:
		s.logger().Info("Slave deleted", zap.String("cloud_node_id", s.record.CloudNodeID))
	}

	if err := s.cloud.store.DeleteSlave(ctx, s.record.ReservationID, s.record.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to remove slave record %s: %w", s.record.Name, err)
	}

	s.mu.Lock()
	ip := s.ip
	s.ip = ""
	s.mu.Unlock()
	if ip != "" {
		control.ForgetHost(net.JoinHostPort(ip, "22"))
	}
	return nil
}

type runOptions struct {
	input    []byte
	callback func([]byte)
}

// RunOption configures RunCommand.
type RunOption func(*runOptions)

// WithInput is written to the command's stdin, which is closed afterwards.
func WithInput(input []byte) RunOption {
	return func(o *runOptions) { o.input = input }
}

// WithOutputCallback is called with every chunk before it is yielded.
func WithOutputCallback(fn func([]byte)) RunOption {
	return func(o *runOptions) { o.callback = fn }
}

// RunCommand runs command on the instance over SSH and yields its combined
// stdout and stderr in chunks as they arrive. A non-zero exit ends the
// sequence with a *CommandExecutionError. The sequence is single use; the
// session is closed when it ends, when the consumer stops early and when ctx
// is cancelled.
func (s *Slave) RunCommand(ctx context.Context, command string, opts ...RunOption) iter.Seq2[[]byte, error] {
	options := runOptions{callback: func([]byte) {}}
	for _, opt := range opts {
		opt(&options)
	}

	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ctrl, err := s.connect(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() {
			if err := ctrl.Close(); err != nil {
				s.logger().Debug("Failed to close session", zap.Error(err))
			}
		}()

		s.logger().Info("Running command", zap.String("command", command))

		pr, pw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			var stdin io.Reader
			if options.input != nil {
				stdin = bytes.NewReader(options.input)
			}
			err := ctrl.Exec(ctx, command, stdin, pw)
			pw.Close()
			done <- err
		}()

		lines := &lineLogger{logger: s.logger()}
		defer lines.Flush()

		buf := make([]byte, readBufferSize)
		for {
			n, readErr := pr.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				options.callback(chunk)
				lines.Write(chunk)
				if !yield(chunk, nil) {
					pr.CloseWithError(io.ErrClosedPipe)
					cancel()
					<-done
					return
				}
			}
			if readErr != nil {
				break
			}
		}
		lines.Flush()

		err = <-done
		var exitErr *control.ExitError
		switch {
		case errors.As(err, &exitErr):
			yield(nil, &CommandExecutionError{Slave: s.record.Name, Command: command, ExitStatus: exitErr.Status})
		case err != nil:
			yield(nil, fmt.Errorf("run %q on %s: %w", command, s.record.Name, err))
		}
	}
}

// Output runs command and returns its combined output.
func (s *Slave) Output(ctx context.Context, command string, opts ...RunOption) (string, error) {
	var out strings.Builder
	for chunk, err := range s.RunCommand(ctx, command, opts...) {
		if err != nil {
			return out.String(), err
		}
		out.Write(chunk)
	}
	return out.String(), nil
}

// Fetch copies a file or directory from the instance to localPath over SFTP.
func (s *Slave) Fetch(ctx context.Context, remotePath, localPath string) error {
	ctrl, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Sync(remotePath, localPath); err != nil {
		return fmt.Errorf("fetch %s from %s: %w", remotePath, s.record.Name, err)
	}
	return nil
}

func (s *Slave) connect(ctx context.Context) (control.Controller, error) {
	ip, err := s.IP(ctx)
	if err != nil {
		return nil, err
	}
	keyPair, err := s.cloud.KeyPair(ctx)
	if err != nil {
		return nil, err
	}

	ctrl, err := s.cloud.dialer(ctx, control.Config{
		Host:         ip,
		User:         s.cloud.config.SSHUser,
		PrivateKey:   keyPair.PrivateKey,
		Timeout:      s.cloud.ssh.WaitTimeout,
		SSHTimeout:   s.cloud.ssh.DialTimeout,
		InstanceName: s.record.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to slave %s: %w", s.record.Name, err)
	}
	return ctrl, nil
}
