package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloudslave/internal/model"
)

// DefaultFilePath is used when no path is configured.
const DefaultFilePath = "cloudslave-state.json"

// FileStore keeps all records in one JSON document on disk. Every mutation
// rewrites the document through a temporary file and a rename.
type FileStore struct {
	mu   sync.Mutex
	path string
	mem  *MemoryStore
}

type snapshot struct {
	UpdatedAt    time.Time           `json:"updated_at"`
	KeyPairs     []model.KeyPair     `json:"keypairs"`
	Reservations []model.Reservation `json:"reservations"`
	Slaves       []model.Slave       `json:"slaves"`
}

// OpenFileStore loads the document at path, starting empty if it does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		path = DefaultFilePath
	}

	mem := NewMemoryStore()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		mem.KeyPairs = snap.KeyPairs
		mem.Reservations = snap.Reservations
		mem.Slaves = snap.Slaves
	}

	return &FileStore{path: path, mem: mem}, nil
}

// Path returns the location of the state document.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) CreateKeyPair(ctx context.Context, kp model.KeyPair) error {
	return s.mutate(func() error { return s.mem.CreateKeyPair(ctx, kp) })
}

func (s *FileStore) ListKeyPairs(ctx context.Context, cloud string) ([]model.KeyPair, error) {
	return s.mem.ListKeyPairs(ctx, cloud)
}

func (s *FileStore) CreateReservation(ctx context.Context, res model.Reservation) error {
	return s.mutate(func() error { return s.mem.CreateReservation(ctx, res) })
}

func (s *FileStore) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	return s.mem.GetReservation(ctx, id)
}

func (s *FileStore) ListReservations(ctx context.Context) ([]model.Reservation, error) {
	return s.mem.ListReservations(ctx)
}

func (s *FileStore) UpdateReservationState(ctx context.Context, id string, state model.ReservationState) error {
	return s.mutate(func() error { return s.mem.UpdateReservationState(ctx, id, state) })
}

func (s *FileStore) CreateSlave(ctx context.Context, slave model.Slave) error {
	return s.mutate(func() error { return s.mem.CreateSlave(ctx, slave) })
}

func (s *FileStore) ListSlaves(ctx context.Context, reservationID string) ([]model.Slave, error) {
	return s.mem.ListSlaves(ctx, reservationID)
}

func (s *FileStore) UpdateSlaveState(ctx context.Context, reservationID, name, state string) error {
	return s.mutate(func() error { return s.mem.UpdateSlaveState(ctx, reservationID, name, state) })
}

func (s *FileStore) DeleteSlave(ctx context.Context, reservationID, name string) error {
	return s.mutate(func() error { return s.mem.DeleteSlave(ctx, reservationID, name) })
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(); err != nil {
		return err
	}
	return s.save()
}

func (s *FileStore) save() error {
	s.mem.mu.RLock()
	snap := snapshot{
		UpdatedAt:    time.Now(),
		KeyPairs:     s.mem.KeyPairs,
		Reservations: s.mem.Reservations,
		Slaves:       s.mem.Slaves,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	// Private keys live in this document.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
