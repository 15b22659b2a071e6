package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"

	"cloudslave/internal/config"
	"cloudslave/internal/logging"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/store"
)

// Registry holds the configured clouds.
type Registry struct {
	store  store.Store
	clouds map[string]*Cloud
	names  []string
}

// NewRegistry builds a Cloud for every configured cloud. opts apply to all of them.
func NewRegistry(clouds []config.Cloud, st store.Store, factory provisioning.Factory, opts ...CloudOption) *Registry {
	r := &Registry{
		store:  st,
		clouds: make(map[string]*Cloud, len(clouds)),
	}
	for _, cfg := range clouds {
		r.clouds[cfg.Name] = NewCloud(cfg, st, factory, opts...)
		r.names = append(r.names, cfg.Name)
	}
	sort.Strings(r.names)
	return r
}

// Cloud returns the named cloud.
func (r *Registry) Cloud(name string) (*Cloud, error) {
	c, ok := r.clouds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCloud, name)
	}
	return c, nil
}

// Clouds returns all clouds sorted by name.
func (r *Registry) Clouds() []*Cloud {
	out := make([]*Cloud, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.clouds[name])
	}
	return out
}

// Random picks a cloud uniformly.
func (r *Registry) Random() (*Cloud, error) {
	if len(r.names) == 0 {
		return nil, errors.New("no clouds configured")
	}
	return r.clouds[r.names[rand.IntN(len(r.names))]], nil
}

// Reservation loads a reservation and binds it to its cloud.
func (r *Registry) Reservation(ctx context.Context, id string) (*Reservation, error) {
	rec, err := r.store.GetReservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	cloud, err := r.Cloud(rec.Cloud)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	return cloud.bind(rec), nil
}

// Reservations returns every stored reservation whose cloud is configured,
// in creation order.
func (r *Registry) Reservations(ctx context.Context) ([]*Reservation, error) {
	records, err := r.store.ListReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	out := make([]*Reservation, 0, len(records))
	for _, rec := range records {
		cloud, ok := r.clouds[rec.Cloud]
		if !ok {
			logging.Logger().Warn("Skipping reservation of unknown cloud",
				zap.String("reservation_id", rec.ID),
				zap.String("cloud", rec.Cloud))
			continue
		}
		out = append(out, cloud.bind(rec))
	}
	return out, nil
}
