package manager

import (
	"errors"
	"fmt"
)

// ConfigurationErrorKind tells which part of a cloud's policy matched nothing.
type ConfigurationErrorKind int

const (
	NoMatchingImage ConfigurationErrorKind = iota + 1
	NoMatchingFlavor
)

func (k ConfigurationErrorKind) String() string {
	switch k {
	case NoMatchingImage:
		return "NoMatchingImage"
	case NoMatchingFlavor:
		return "NoMatchingFlavor"
	default:
		return fmt.Sprintf("ConfigurationErrorKind(%d)", int(k))
	}
}

var (
	// ErrNoMatchingImage matches a ConfigurationError of kind NoMatchingImage.
	ErrNoMatchingImage = errors.New("no matching image")
	// ErrNoMatchingFlavor matches a ConfigurationError of kind NoMatchingFlavor.
	ErrNoMatchingFlavor = errors.New("no matching flavor")

	// ErrInvalidState is returned for lifecycle calls the current state does not allow.
	ErrInvalidState = errors.New("invalid reservation state")
	// ErrUnknownCloud is returned for cloud names missing from the configuration.
	ErrUnknownCloud = errors.New("unknown cloud")
	// ErrNoNetworks is returned when an instance reports no addresses yet.
	ErrNoNetworks = errors.New("instance has no network addresses")
)

// ConfigurationError reports a cloud whose image pattern or flavor name
// matches nothing the provider lists. It is not retried.
type ConfigurationError struct {
	Kind    ConfigurationErrorKind
	Cloud   string
	Pattern string
}

func (e *ConfigurationError) Error() string {
	switch e.Kind {
	case NoMatchingImage:
		return fmt.Sprintf("cloud %s: no image matches %q", e.Cloud, e.Pattern)
	case NoMatchingFlavor:
		return fmt.Sprintf("cloud %s: no flavor named %q", e.Cloud, e.Pattern)
	default:
		return fmt.Sprintf("cloud %s: configuration error (%s)", e.Cloud, e.Kind)
	}
}

func (e *ConfigurationError) Is(target error) bool {
	switch e.Kind {
	case NoMatchingImage:
		return target == ErrNoMatchingImage
	case NoMatchingFlavor:
		return target == ErrNoMatchingFlavor
	}
	return false
}

// ProviderError wraps a failed provider API call.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CommandExecutionError reports a remote command that exited non-zero.
type CommandExecutionError struct {
	Slave      string
	Command    string
	ExitStatus int
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("command %q on %s exited with status %d", e.Command, e.Slave, e.ExitStatus)
}

func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}
