package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloudslave/internal/model"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdPrefix          = "/cloudslave"
	keyPairsPrefix      = etcdPrefix + "/keypairs/"
	reservationsPrefix  = etcdPrefix + "/reservations/"
	slavesPrefix        = etcdPrefix + "/slaves/"
	slaveNamesPrefix    = etcdPrefix + "/slave-names/"
	maxUpdateConflicts  = 5
	defaultEtcdDialTime = 5 * time.Second
)

// EtcdStore persists records as JSON values in etcd. Creation order is the
// key's create revision.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore connects to the given endpoints.
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints configured")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultEtcdDialTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func keyPairKey(cloud, name string) string {
	return keyPairsPrefix + cloud + "/" + name
}

func reservationKey(id string) string {
	return reservationsPrefix + id
}

func slaveKey(reservationID, name string) string {
	return slavesPrefix + reservationID + "/" + name
}

func (s *EtcdStore) CreateKeyPair(ctx context.Context, kp model.KeyPair) error {
	if err := s.create(ctx, kp, keyPairKey(kp.Cloud, kp.Name)); err != nil {
		return fmt.Errorf("keypair %s: %w", kp, err)
	}
	return nil
}

func (s *EtcdStore) ListKeyPairs(ctx context.Context, cloud string) ([]model.KeyPair, error) {
	var out []model.KeyPair
	err := s.list(ctx, keyPairsPrefix+cloud+"/", func(data []byte) error {
		var kp model.KeyPair
		if err := json.Unmarshal(data, &kp); err != nil {
			return err
		}
		out = append(out, kp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keypairs from etcd: %w", err)
	}
	return out, nil
}

func (s *EtcdStore) CreateReservation(ctx context.Context, res model.Reservation) error {
	if err := s.create(ctx, res, reservationKey(res.ID)); err != nil {
		return fmt.Errorf("reservation %s: %w", res.ID, err)
	}
	return nil
}

func (s *EtcdStore) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	var res model.Reservation
	if _, err := s.get(ctx, reservationKey(id), &res); err != nil {
		return model.Reservation{}, fmt.Errorf("reservation %s: %w", id, err)
	}
	return res, nil
}

func (s *EtcdStore) ListReservations(ctx context.Context) ([]model.Reservation, error) {
	var out []model.Reservation
	err := s.list(ctx, reservationsPrefix, func(data []byte) error {
		var res model.Reservation
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		out = append(out, res)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations from etcd: %w", err)
	}
	return out, nil
}

func (s *EtcdStore) UpdateReservationState(ctx context.Context, id string, state model.ReservationState) error {
	err := s.update(ctx, reservationKey(id), func(data []byte) (any, error) {
		var res model.Reservation
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, err
		}
		res.State = state
		return res, nil
	})
	if err != nil {
		return fmt.Errorf("reservation %s: %w", id, err)
	}
	return nil
}

// CreateSlave stores the slave and claims its name in one transaction, so a
// name is unique across reservations.
func (s *EtcdStore) CreateSlave(ctx context.Context, slave model.Slave) error {
	data, err := json.Marshal(slave)
	if err != nil {
		return fmt.Errorf("failed to marshal slave: %w", err)
	}
	key := slaveKey(slave.ReservationID, slave.Name)
	nameKey := slaveNamesPrefix + slave.Name

	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
			clientv3.Compare(clientv3.CreateRevision(nameKey), "=", 0),
		).
		Then(
			clientv3.OpPut(key, string(data)),
			clientv3.OpPut(nameKey, slave.ReservationID),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to save slave to etcd: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("slave %s: %w", slave.Name, ErrAlreadyExists)
	}
	return nil
}

func (s *EtcdStore) ListSlaves(ctx context.Context, reservationID string) ([]model.Slave, error) {
	var out []model.Slave
	err := s.list(ctx, slavesPrefix+reservationID+"/", func(data []byte) error {
		var slave model.Slave
		if err := json.Unmarshal(data, &slave); err != nil {
			return err
		}
		out = append(out, slave)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list slaves from etcd: %w", err)
	}
	return out, nil
}

func (s *EtcdStore) UpdateSlaveState(ctx context.Context, reservationID, name, state string) error {
	err := s.update(ctx, slaveKey(reservationID, name), func(data []byte) (any, error) {
		var slave model.Slave
		if err := json.Unmarshal(data, &slave); err != nil {
			return nil, err
		}
		slave.State = state
		return slave, nil
	})
	if err != nil {
		return fmt.Errorf("slave %s: %w", name, err)
	}
	return nil
}

func (s *EtcdStore) DeleteSlave(ctx context.Context, reservationID, name string) error {
	key := slaveKey(reservationID, name)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpDelete(key), clientv3.OpDelete(slaveNamesPrefix+name)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to delete slave from etcd: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("slave %s: %w", name, ErrNotFound)
	}
	return nil
}

// create puts v at key unless the key already exists.
func (s *EtcdStore) create(ctx context.Context, v any, key string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to save record to etcd: %w", err)
	}
	if !resp.Succeeded {
		return ErrAlreadyExists
	}
	return nil
}

// get unmarshals the value at key into v and returns its mod revision.
func (s *EtcdStore) get(ctx context.Context, key string, v any) (int64, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to get record from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) list(ctx context.Context, prefix string, fn func([]byte) error) error {
	resp, err := s.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		if err := fn(kv.Value); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", kv.Key, err)
		}
	}
	return nil
}

// update applies modify to the current value and writes it back if nobody
// changed the key in between, retrying on conflicts.
func (s *EtcdStore) update(ctx context.Context, key string, modify func([]byte) (any, error)) error {
	for attempt := 0; attempt < maxUpdateConflicts; attempt++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to get record from etcd: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		kv := resp.Kvs[0]

		updated, err := modify(kv.Value)
		if err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to save record to etcd: %w", err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("too many concurrent updates to %s", key)
}
