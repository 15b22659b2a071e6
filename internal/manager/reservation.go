package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/store"
)

// Reservation drives the lifecycle of one reservation:
//
//	NEW -> BOOTING -> READY
//	NEW | BOOTING -> FAILED_TO_START
//	any -> SHUTTING_DOWN -> TERMINATED
//
// Lifecycle calls are serialized by the reservation's mutex.
type Reservation struct {
	cloud *Cloud
	id    string

	mu     sync.Mutex
	record model.Reservation
	slaves map[string]*Slave
}

func newReservation(cloud *Cloud, rec model.Reservation) *Reservation {
	return &Reservation{
		cloud:  cloud,
		id:     rec.ID,
		record: rec,
		slaves: make(map[string]*Slave),
	}
}

func (r *Reservation) ID() string {
	return r.id
}

func (r *Reservation) Cloud() *Cloud {
	return r.cloud
}

// State returns the last known state without touching the store.
func (r *Reservation) State() model.ReservationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.State
}

// Record returns a copy of the reservation record.
func (r *Reservation) Record() model.Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

func (r *Reservation) String() string {
	return r.id
}

func (r *Reservation) logger() *zap.Logger {
	return r.cloud.logger().With(zap.String("reservation_id", r.id))
}

// Start creates the reservation's slaves one by one. The first failure stops
// the batch and leaves FAILED_TO_START; slaves created before it are kept
// until Terminate. Start is only valid for NEW reservations.
func (r *Reservation) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refresh(ctx); err != nil {
		return err
	}
	if r.record.State != model.StateNew {
		return fmt.Errorf("%w: cannot start reservation %s in state %s", ErrInvalidState, r.record.ID, r.record.State)
	}

	image, err := r.cloud.ResolveImage(ctx)
	if err != nil {
		return r.failStart(ctx, err)
	}
	flavor, err := r.cloud.ResolveFlavor(ctx)
	if err != nil {
		return r.failStart(ctx, err)
	}
	keyPair, err := r.cloud.KeyPair(ctx)
	if err != nil {
		return r.failStart(ctx, err)
	}
	client, err := r.cloud.Client(ctx)
	if err != nil {
		return r.failStart(ctx, err)
	}

	r.logger().Info("Starting reservation",
		zap.Int("number_of_slaves", r.record.NumberOfSlaves),
		zap.String("image", image.Name),
		zap.String("flavor", flavor.Name),
		zap.String("keypair", keyPair.Name))

	for i := 0; i < r.record.NumberOfSlaves; i++ {
		name, err := r.cloud.UniqueSlaveName(ctx)
		if err != nil {
			return r.failStart(ctx, err)
		}

		server, err := client.CreateServer(ctx, provisioning.ServerSpec{
			Name:     name,
			ImageID:  image.ID,
			FlavorID: flavor.ID,
			KeyName:  keyPair.Name,
		})
		if err != nil {
			r.logger().Error("Failed to create slave",
				zap.String("slave", name),
				zap.Int("index", i+1),
				zap.Error(err))
			return r.failStart(ctx, providerError("create server", err))
		}

		slave := model.Slave{
			Name:          name,
			ReservationID: r.record.ID,
			CloudNodeID:   server.ID,
			CreatedAt:     r.cloud.now(),
		}
		if err := r.cloud.store.CreateSlave(ctx, slave); err != nil {
			return r.failStart(ctx, fmt.Errorf("failed to save slave %s: %w", name, err))
		}

		r.logger().Info("Slave created",
			zap.String("slave", name),
			zap.String("cloud_node_id", server.ID))
	}

	return r.setState(ctx, model.StateBooting)
}

func (r *Reservation) failStart(ctx context.Context, cause error) error {
	if err := r.setState(ctx, model.StateFailedToStart); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// UpdateState polls a BOOTING reservation's slaves and advances its state.
// Other states are returned as they are, without provider calls. Polling
// stops at the first slave that decides the outcome; a failed reservation has
// all of its slaves deleted but stays FAILED_TO_START.
func (r *Reservation) UpdateState(ctx context.Context) (model.ReservationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateState(ctx)
}

// TryUpdateState is UpdateState unless another call holds the reservation,
// in which case it reports false without waiting.
func (r *Reservation) TryUpdateState(ctx context.Context) (model.ReservationState, bool, error) {
	if !r.mu.TryLock() {
		return 0, false, nil
	}
	defer r.mu.Unlock()

	state, err := r.updateState(ctx)
	return state, true, err
}

func (r *Reservation) updateState(ctx context.Context) (model.ReservationState, error) {
	if err := r.refresh(ctx); err != nil {
		return r.record.State, err
	}
	if r.record.State != model.StateBooting {
		return r.record.State, nil
	}

	slaves, err := r.listSlaves(ctx)
	if err != nil {
		return r.record.State, err
	}

	// slaves deleted on their own no longer count towards READY
	agg := Aggregator{
		Total:   len(slaves),
		Expired: r.record.Expired(r.cloud.now()),
	}
	var verdict Verdict
	decided := false
	for _, slave := range slaves {
		status, err := slave.UpdateState(ctx)
		if err != nil {
			return r.record.State, err
		}
		if v, done := agg.Observe(status); done {
			verdict, decided = v, true
			break
		}
	}
	if !decided {
		verdict = agg.Finish()
	}

	if verdict.State != r.record.State {
		if err := r.setState(ctx, verdict.State); err != nil {
			return r.record.State, err
		}
		r.logger().Info("Reservation state changed",
			zap.Stringer("state", verdict.State),
			zap.Int("scanned", verdict.Scanned),
			zap.Int("slaves", len(slaves)))
	}

	if verdict.Terminate {
		r.deleteSlaves(ctx, slaves)
	}
	return r.record.State, nil
}

// Terminate deletes every slave, logging and skipping failures, and ends
// TERMINATED. Terminating a TERMINATED reservation does nothing.
func (r *Reservation) Terminate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refresh(ctx); err != nil {
		return err
	}
	if r.record.State == model.StateTerminated {
		return nil
	}

	if err := r.setState(ctx, model.StateShuttingDown); err != nil {
		r.logger().Error("Failed to save shutting down state", zap.Error(err))
	}

	slaves, err := r.listSlaves(ctx)
	if err != nil {
		r.logger().Error("Failed to list slaves, terminating without deleting them", zap.Error(err))
	} else {
		r.deleteSlaves(ctx, slaves)
	}

	if err := r.setState(ctx, model.StateTerminated); err != nil {
		return err
	}
	r.logger().Info("Reservation terminated", zap.Int("slaves", len(slaves)))
	return nil
}

// deleteSlaves attempts every delete regardless of earlier failures.
func (r *Reservation) deleteSlaves(ctx context.Context, slaves []*Slave) {
	names := make([]string, 0, len(slaves))
	for _, slave := range slaves {
		names = append(names, slave.Name())
	}
	r.logger().Info("Deleting slaves", zap.Strings("slaves", logging.TruncateSlice(names, 10)))

	for _, slave := range slaves {
		if err := slave.Delete(ctx); err != nil {
			r.logger().Error("Failed to delete slave",
				zap.String("slave", slave.Name()),
				zap.Error(err))
		}
	}
	r.pruneSlaves(ctx)
}

// SetState assigns and persists state unconditionally.
func (r *Reservation) SetState(ctx context.Context, state model.ReservationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setState(ctx, state)
}

func (r *Reservation) setState(ctx context.Context, state model.ReservationState) error {
	if err := r.cloud.store.UpdateReservationState(ctx, r.record.ID, state); err != nil {
		return fmt.Errorf("failed to save state %s of reservation %s: %w", state, r.record.ID, err)
	}
	r.record.State = state
	return nil
}

// refresh reloads the record so changes made by other processes are seen.
func (r *Reservation) refresh(ctx context.Context) error {
	rec, err := r.cloud.store.GetReservation(ctx, r.record.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reservation %s: %w", r.record.ID, err)
		}
		return fmt.Errorf("failed to load reservation %s: %w", r.record.ID, err)
	}
	r.record = rec
	return nil
}

// Slaves returns controllers for the reservation's slaves in creation order.
func (r *Reservation) Slaves(ctx context.Context) ([]*Slave, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listSlaves(ctx)
}

// listSlaves reuses controllers across calls so their cached addresses survive.
func (r *Reservation) listSlaves(ctx context.Context) ([]*Slave, error) {
	records, err := r.cloud.store.ListSlaves(ctx, r.record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slaves of reservation %s: %w", r.record.ID, err)
	}

	slaves := make([]*Slave, 0, len(records))
	seen := make(map[string]*Slave, len(records))
	for _, rec := range records {
		slave, ok := r.slaves[rec.Name]
		if ok {
			slave.refresh(rec)
		} else {
			slave = newSlave(r.cloud, rec)
		}
		seen[rec.Name] = slave
		slaves = append(slaves, slave)
	}
	r.slaves = seen
	return slaves, nil
}

func (r *Reservation) pruneSlaves(ctx context.Context) {
	if _, err := r.listSlaves(ctx); err != nil {
		r.logger().Warn("Failed to reload slaves", zap.Error(err))
	}
}
