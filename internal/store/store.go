// Package store persists keypairs, reservations and slaves.
package store

import (
	"context"
	"errors"
	"fmt"

	"cloudslave/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// Store is the persistence layer for cloudslave records. List operations
// return records in creation order.
type Store interface {
	CreateKeyPair(ctx context.Context, kp model.KeyPair) error
	ListKeyPairs(ctx context.Context, cloud string) ([]model.KeyPair, error)

	CreateReservation(ctx context.Context, res model.Reservation) error
	GetReservation(ctx context.Context, id string) (model.Reservation, error)
	ListReservations(ctx context.Context) ([]model.Reservation, error)
	UpdateReservationState(ctx context.Context, id string, state model.ReservationState) error

	CreateSlave(ctx context.Context, slave model.Slave) error
	ListSlaves(ctx context.Context, reservationID string) ([]model.Slave, error)
	UpdateSlaveState(ctx context.Context, reservationID, name, state string) error
	DeleteSlave(ctx context.Context, reservationID, name string) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Type          string
	Path          string
	EtcdEndpoints []string
}

// New opens the backend named by opts.Type: "memory", "file" or "etcd".
func New(opts Options) (Store, error) {
	switch opts.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return OpenFileStore(opts.Path)
	case "etcd":
		return NewEtcdStore(opts.EtcdEndpoints)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}
