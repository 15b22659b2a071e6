package provisioning

import (
	"context"
	"errors"
	"strings"

	"cloudslave/internal/config"
)

// Normalized server statuses. Adapters translate their provider's lifecycle
// names into these; anything else is passed through upper-cased.
const (
	StatusActive = "ACTIVE"
	StatusBuild  = "BUILD"
	StatusError  = "ERROR"
)

// ErrNotFound is returned when the referenced server does not exist.
var ErrNotFound = errors.New("server not found")

// Image is a bootable image visible to the account.
type Image struct {
	ID   string
	Name string
}

// Flavor is an instance size.
type Flavor struct {
	ID   string
	Name string
}

// KeyPair is an SSH keypair registered with the provider. PrivateKey is only
// populated by CreateKeyPair.
type KeyPair struct {
	Name        string
	Fingerprint string
	PublicKey   string
	PrivateKey  string
}

// Network is one attached network and its addresses, private first.
type Network struct {
	Name      string
	Addresses []string
}

// Server is a provider instance.
type Server struct {
	ID       string
	Name     string
	Status   string
	Networks []Network
}

// ServerSpec describes an instance to create.
type ServerSpec struct {
	Name     string
	ImageID  string
	FlavorID string
	KeyName  string
}

// Client is the subset of a cloud compute API cloudslave needs.
type Client interface {
	ListImages(ctx context.Context) ([]Image, error)
	ListFlavors(ctx context.Context) ([]Flavor, error)
	ListKeyPairs(ctx context.Context) ([]KeyPair, error)
	CreateKeyPair(ctx context.Context, name string) (*KeyPair, error)
	ListServers(ctx context.Context) ([]Server, error)
	CreateServer(ctx context.Context, spec ServerSpec) (*Server, error)
	// GetServer returns ErrNotFound for unknown ids.
	GetServer(ctx context.Context, id string) (*Server, error)
	// DeleteServer returns ErrNotFound for unknown ids.
	DeleteServer(ctx context.Context, id string) error
}

// Factory builds a Client for a configured cloud.
type Factory func(ctx context.Context, cloud config.Cloud) (Client, error)

// normalizeStatus maps a provider status through table, upper-casing unknown values.
func normalizeStatus(status string, table map[string]string) string {
	if s, ok := table[strings.ToLower(status)]; ok {
		return s
	}
	return strings.ToUpper(status)
}

// addresses drops empty entries so "first" and "last" stay meaningful.
func addresses(addrs ...string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
