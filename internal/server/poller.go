package server

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
	"cloudslave/internal/model"
)

// Poller advances BOOTING reservations on a fixed interval. Each reservation
// is polled on the worker pool; a reservation still busy from an earlier tick
// is skipped.
type Poller struct {
	registry *manager.Registry
	interval time.Duration
	workers  int
	pool     pond.Pool

	// OnPoll, when set, is called after every listing with its error.
	OnPoll func(error)
}

// NewPoller creates a poller with a pool of workers goroutines.
func NewPoller(registry *manager.Registry, interval time.Duration, workers int) *Poller {
	return &Poller{
		registry: registry,
		interval: interval,
		workers:  workers,
		pool:     pond.NewPool(workers),
	}
}

// Run polls until ctx is cancelled, then waits for running polls.
func (p *Poller) Run(ctx context.Context) {
	defer p.pool.StopAndWait()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logging.Logger().Info("Poller started",
		zap.Duration("interval", p.interval),
		zap.Int("workers", p.workers))

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			logging.Logger().Info("Poller stopping")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce polls every BOOTING reservation and waits for the results.
func (p *Poller) PollOnce(ctx context.Context) error {
	tasks, err := p.poll(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, task := range tasks {
		if err := task.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) poll(ctx context.Context) ([]pond.Task, error) {
	reservations, err := p.registry.Reservations(ctx)
	if p.OnPoll != nil {
		p.OnPoll(err)
	}
	if err != nil {
		logging.Logger().Error("Failed to list reservations", zap.Error(err))
		return nil, err
	}

	var tasks []pond.Task
	for _, r := range reservations {
		if r.State() != model.StateBooting {
			continue
		}
		r := r
		tasks = append(tasks, p.pool.SubmitErr(func() error {
			return p.update(ctx, r)
		}))
	}
	return tasks, nil
}

func (p *Poller) update(ctx context.Context, r *manager.Reservation) error {
	logger := logging.Logger().With(
		zap.String("reservation_id", r.ID()),
		zap.String("cloud", r.Cloud().Name()))

	state, ok, err := r.TryUpdateState(ctx)
	if !ok {
		logger.Debug("Reservation busy, skipping")
		return nil
	}
	if err != nil {
		logger.Warn("Failed to update reservation", zap.Error(err))
		return err
	}
	logger.Debug("Reservation polled", zap.Stringer("state", state))
	return nil
}

// Close waits for submitted polls and releases the pool. Run closes the
// pool itself.
func (p *Poller) Close() {
	p.pool.StopAndWait()
}
