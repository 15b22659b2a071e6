package store

import (
	"context"
	"fmt"
	"sync"

	"cloudslave/internal/model"
)

// MemoryStore keeps records in process memory. It is the backing structure of
// FileStore and is used directly by tests.
type MemoryStore struct {
	mu sync.RWMutex

	KeyPairs     []model.KeyPair
	Reservations []model.Reservation
	Slaves       []model.Slave
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) CreateKeyPair(_ context.Context, kp model.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.KeyPairs {
		if existing.Cloud == kp.Cloud && existing.Name == kp.Name {
			return fmt.Errorf("keypair %s: %w", kp, ErrAlreadyExists)
		}
	}
	s.KeyPairs = append(s.KeyPairs, kp)
	return nil
}

func (s *MemoryStore) ListKeyPairs(_ context.Context, cloud string) ([]model.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.KeyPair
	for _, kp := range s.KeyPairs {
		if kp.Cloud == cloud {
			out = append(out, kp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateReservation(_ context.Context, res model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reservationIndex(res.ID) >= 0 {
		return fmt.Errorf("reservation %s: %w", res.ID, ErrAlreadyExists)
	}
	s.Reservations = append(s.Reservations, res)
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.reservationIndex(id)
	if i < 0 {
		return model.Reservation{}, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return s.Reservations[i], nil
}

func (s *MemoryStore) ListReservations(_ context.Context) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Reservation, len(s.Reservations))
	copy(out, s.Reservations)
	return out, nil
}

func (s *MemoryStore) UpdateReservationState(_ context.Context, id string, state model.ReservationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.reservationIndex(id)
	if i < 0 {
		return fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	s.Reservations[i].State = state
	return nil
}

func (s *MemoryStore) CreateSlave(_ context.Context, slave model.Slave) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.Slaves {
		if existing.Name == slave.Name {
			return fmt.Errorf("slave %s: %w", slave.Name, ErrAlreadyExists)
		}
	}
	s.Slaves = append(s.Slaves, slave)
	return nil
}

func (s *MemoryStore) ListSlaves(_ context.Context, reservationID string) ([]model.Slave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Slave
	for _, slave := range s.Slaves {
		if slave.ReservationID == reservationID {
			out = append(out, slave)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateSlaveState(_ context.Context, reservationID, name, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.slaveIndex(reservationID, name)
	if i < 0 {
		return fmt.Errorf("slave %s: %w", name, ErrNotFound)
	}
	s.Slaves[i].State = state
	return nil
}

func (s *MemoryStore) DeleteSlave(_ context.Context, reservationID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.slaveIndex(reservationID, name)
	if i < 0 {
		return fmt.Errorf("slave %s: %w", name, ErrNotFound)
	}
	s.Slaves = append(s.Slaves[:i], s.Slaves[i+1:]...)
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) reservationIndex(id string) int {
	for i, res := range s.Reservations {
		if res.ID == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) slaveIndex(reservationID, name string) int {
	for i, slave := range s.Slaves {
		if slave.ReservationID == reservationID && slave.Name == name {
			return i
		}
	}
	return -1
}
