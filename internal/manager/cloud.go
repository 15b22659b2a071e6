package manager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudslave/internal/config"
	"cloudslave/internal/control"
	"cloudslave/internal/logging"
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/store"
)

// Cloud is a configured provider account. It lazily builds one provider
// client and lazily provisions one keypair, both shared by every reservation
// on the cloud.
type Cloud struct {
	config  config.Cloud
	ssh     config.SSHConfig
	store   store.Store
	factory provisioning.Factory
	dialer  control.Dialer
	names   *NameAllocator
	now     func() time.Time

	clientMu sync.Mutex
	client   provisioning.Client

	keyPairMu sync.Mutex

	reservationsMu sync.Mutex
	reservations   map[string]*Reservation
}

// CloudOption customizes a Cloud.
type CloudOption func(*Cloud)

// WithDialer replaces the SSH dialer used for remote commands.
func WithDialer(d control.Dialer) CloudOption {
	return func(c *Cloud) { c.dialer = d }
}

// WithNameAllocator replaces the random name source.
func WithNameAllocator(n *NameAllocator) CloudOption {
	return func(c *Cloud) { c.names = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CloudOption {
	return func(c *Cloud) { c.now = now }
}

// WithSSHConfig sets the SSH wait and dial timeouts.
func WithSSHConfig(cfg config.SSHConfig) CloudOption {
	return func(c *Cloud) { c.ssh = cfg }
}

// NewCloud binds a cloud configuration to its collaborators.
func NewCloud(cfg config.Cloud, st store.Store, factory provisioning.Factory, opts ...CloudOption) *Cloud {
	c := &Cloud{
		config:       cfg,
		store:        st,
		factory:      factory,
		dialer:       control.NewController,
		names:        NewNameAllocator(nil),
		now:          time.Now,
		reservations: make(map[string]*Reservation),
		ssh: config.SSHConfig{
			WaitTimeout: 2 * time.Minute,
			DialTimeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.BootTimeout == 0 {
		c.config.BootTimeout = config.DefaultBootTimeout
	}
	if c.config.SSHUser == "" {
		c.config.SSHUser = config.DefaultSSHUser
	}
	if c.config.Provider == config.ProviderGCP {
		c.names = c.names.Lower()
	}
	return c
}

func (c *Cloud) Name() string {
	return c.config.Name
}

func (c *Cloud) Config() config.Cloud {
	return c.config
}

func (c *Cloud) String() string {
	return c.config.Name
}

func (c *Cloud) logger() *zap.Logger {
	return logging.Logger().With(zap.String("cloud", c.config.Name))
}

// Client returns the cloud's provider client, building it on first use. A
// failed construction is not cached.
func (c *Cloud) Client(ctx context.Context) (provisioning.Client, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := c.factory(ctx, c.config)
	if err != nil {
		return nil, providerError("connect", err)
	}
	c.client = client

	c.logger().Info("Provider client created",
		zap.String("provider", string(c.config.Provider)),
		zap.String("region", c.config.Region))
	return client, nil
}

// UniqueSlaveName returns a name not used by any server on the account.
func (c *Cloud) UniqueSlaveName(ctx context.Context) (string, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return "", err
	}
	servers, err := client.ListServers(ctx)
	if err != nil {
		return "", providerError("list servers", err)
	}

	names := make([]string, 0, len(servers))
	for _, s := range servers {
		names = append(names, s.Name)
	}
	return c.names.Unique(names), nil
}

// UniqueKeyPairName returns a name not used by any keypair on the account.
func (c *Cloud) UniqueKeyPairName(ctx context.Context) (string, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return "", err
	}
	keyPairs, err := client.ListKeyPairs(ctx)
	if err != nil {
		return "", providerError("list keypairs", err)
	}

	names := make([]string, 0, len(keyPairs))
	for _, kp := range keyPairs {
		names = append(names, kp.Name)
	}
	return c.names.Unique(names), nil
}

// ResolveImage returns the first image, in listing order, whose name matches
// image_name. The pattern is anchored at the start of the name only.
func (c *Cloud) ResolveImage(ctx context.Context) (provisioning.Image, error) {
	pattern, err := regexp.Compile("^(?:" + c.config.ImageName + ")")
	if err != nil {
		return provisioning.Image{}, fmt.Errorf("cloud %s: invalid image_name: %w", c.Name(), err)
	}

	client, err := c.Client(ctx)
	if err != nil {
		return provisioning.Image{}, err
	}
	images, err := client.ListImages(ctx)
	if err != nil {
		return provisioning.Image{}, providerError("list images", err)
	}

	for _, image := range images {
		if pattern.MatchString(image.Name) {
			return image, nil
		}
	}
	return provisioning.Image{}, &ConfigurationError{Kind: NoMatchingImage, Cloud: c.Name(), Pattern: c.config.ImageName}
}

// ResolveFlavor returns the flavor named exactly flavor_name.
func (c *Cloud) ResolveFlavor(ctx context.Context) (provisioning.Flavor, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return provisioning.Flavor{}, err
	}
	flavors, err := client.ListFlavors(ctx)
	if err != nil {
		return provisioning.Flavor{}, providerError("list flavors", err)
	}

	for _, flavor := range flavors {
		if flavor.Name == c.config.FlavorName {
			return flavor, nil
		}
	}
	return provisioning.Flavor{}, &ConfigurationError{Kind: NoMatchingFlavor, Cloud: c.Name(), Pattern: c.config.FlavorName}
}

// KeyPair returns the cloud's keypair, creating and persisting one the first
// time. Concurrent first callers in this process share one creation.
func (c *Cloud) KeyPair(ctx context.Context) (model.KeyPair, error) {
	c.keyPairMu.Lock()
	defer c.keyPairMu.Unlock()

	existing, err := c.store.ListKeyPairs(ctx, c.Name())
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("failed to list keypairs: %w", err)
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	name, err := c.UniqueKeyPairName(ctx)
	if err != nil {
		return model.KeyPair{}, err
	}
	client, err := c.Client(ctx)
	if err != nil {
		return model.KeyPair{}, err
	}
	created, err := client.CreateKeyPair(ctx, name)
	if err != nil {
		return model.KeyPair{}, providerError("create keypair", err)
	}

	kp := model.KeyPair{
		Cloud:      c.Name(),
		Name:       created.Name,
		PrivateKey: created.PrivateKey,
		PublicKey:  created.PublicKey,
		CreatedAt:  c.now(),
	}
	if err := c.store.CreateKeyPair(ctx, kp); err != nil {
		return model.KeyPair{}, fmt.Errorf("failed to save keypair %s: %w", kp, err)
	}

	c.logger().Info("Keypair created",
		zap.String("keypair", kp.Name),
		zap.String("fingerprint", created.Fingerprint))

	// Another process may have persisted one first; everyone uses the first.
	all, err := c.store.ListKeyPairs(ctx, c.Name())
	if err != nil || len(all) == 0 {
		return kp, nil
	}
	return all[0], nil
}

// ReservationOption customizes a new reservation.
type ReservationOption func(*model.Reservation)

// WithDeadline sets an absolute boot deadline instead of now + boot_timeout.
func WithDeadline(t time.Time) ReservationOption {
	return func(r *model.Reservation) { r.Timeout = t }
}

// CreateReservation persists a NEW reservation for count slaves.
func (c *Cloud) CreateReservation(ctx context.Context, count int, opts ...ReservationOption) (*Reservation, error) {
	if count < 1 {
		return nil, fmt.Errorf("number of slaves must be at least 1, got %d", count)
	}

	now := c.now()
	rec := model.Reservation{
		ID:             uuid.NewString(),
		Cloud:          c.Name(),
		NumberOfSlaves: count,
		State:          model.StateNew,
		CreatedAt:      now,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	if rec.Timeout.IsZero() {
		rec.Timeout = now.Add(c.config.BootTimeout)
	}

	if err := c.store.CreateReservation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save reservation: %w", err)
	}

	c.logger().Info("Reservation created",
		zap.String("reservation_id", rec.ID),
		zap.Int("number_of_slaves", count),
		zap.Time("timeout", rec.Timeout))

	return c.bind(rec), nil
}

// Reservation loads a reservation of this cloud. Every call for the same id
// returns the same *Reservation.
func (c *Cloud) Reservation(ctx context.Context, id string) (*Reservation, error) {
	c.reservationsMu.Lock()
	r, ok := c.reservations[id]
	c.reservationsMu.Unlock()
	if ok {
		return r, nil
	}

	rec, err := c.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("reservation %s: %w", id, err)
		}
		return nil, fmt.Errorf("failed to load reservation %s: %w", id, err)
	}
	if rec.Cloud != c.Name() {
		return nil, fmt.Errorf("reservation %s belongs to cloud %s, not %s", id, rec.Cloud, c.Name())
	}
	return c.bind(rec), nil
}

// bind returns the shared Reservation for rec, creating it if needed. A
// cached reservation takes rec unless a lifecycle call is running on it.
func (c *Cloud) bind(rec model.Reservation) *Reservation {
	c.reservationsMu.Lock()
	defer c.reservationsMu.Unlock()

	if r, ok := c.reservations[rec.ID]; ok {
		if r.mu.TryLock() {
			r.record = rec
			r.mu.Unlock()
		}
		return r
	}
	r := newReservation(c, rec)
	c.reservations[rec.ID] = r
	return r
}
