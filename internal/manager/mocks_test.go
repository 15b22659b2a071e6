package manager_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cloudslave/internal/config"
	"cloudslave/internal/control"
	"cloudslave/internal/manager"
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/store"
)

var errProvider = errors.New("provider unavailable")

// MockClient implements provisioning.Client over in-memory servers.
type MockClient struct {
	mu sync.Mutex

	Images   []provisioning.Image
	Flavors  []provisioning.Flavor
	KeyPairs []provisioning.KeyPair
	Networks []provisioning.Network

	servers map[string]*provisioning.Server
	order   []string
	nextID  int

	// CreateFailsAt makes the n-th CreateServer call fail, counting from 1.
	CreateFailsAt int
	// DeleteErr is returned by every DeleteServer call.
	DeleteErr error
	// GetErr is returned by every GetServer call.
	GetErr error
	// GetBlock, when set, is waited on by GetServer before answering.
	GetBlock chan struct{}
	// GetStarted receives once per GetServer call when set.
	GetStarted chan struct{}

	CreateServerCalls  int
	CreateKeyPairCalls int
	GetServerCalls     []string
	DeleteServerCalls  []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		Images: []provisioning.Image{
			{ID: "img-1", Name: "debian-12"},
			{ID: "img-2", Name: "ubuntu-22.04"},
			{ID: "img-3", Name: "ubuntu-24.04"},
		},
		Flavors: []provisioning.Flavor{
			{ID: "fl-1", Name: "smaller"},
			{ID: "fl-2", Name: "small"},
		},
		Networks: []provisioning.Network{
			{Name: "public", Addresses: []string{"10.0.0.5", "203.0.113.5"}},
		},
		servers: make(map[string]*provisioning.Server),
	}
}

func (m *MockClient) ListImages(ctx context.Context) ([]provisioning.Image, error) {
	return m.Images, nil
}

func (m *MockClient) ListFlavors(ctx context.Context) ([]provisioning.Flavor, error) {
	return m.Flavors, nil
}

func (m *MockClient) ListKeyPairs(ctx context.Context) ([]provisioning.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provisioning.KeyPair(nil), m.KeyPairs...), nil
}

func (m *MockClient) CreateKeyPair(ctx context.Context, name string) (*provisioning.KeyPair, error) {
	// widen the window for concurrent first access
	time.Sleep(10 * time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateKeyPairCalls++
	kp := provisioning.KeyPair{
		Name:        name,
		Fingerprint: "aa:bb",
		PublicKey:   "ssh-rsa AAAA " + name,
		PrivateKey:  "private-" + name,
	}
	m.KeyPairs = append(m.KeyPairs, kp)
	return &kp, nil
}

func (m *MockClient) ListServers(ctx context.Context) ([]provisioning.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provisioning.Server, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.servers[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MockClient) CreateServer(ctx context.Context, spec provisioning.ServerSpec) (*provisioning.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateServerCalls++
	if m.CreateFailsAt != 0 && m.CreateServerCalls == m.CreateFailsAt {
		return nil, errProvider
	}

	m.nextID++
	server := &provisioning.Server{
		ID:       fmt.Sprintf("srv-%d", m.nextID),
		Name:     spec.Name,
		Status:   provisioning.StatusBuild,
		Networks: m.Networks,
	}
	m.servers[server.ID] = server
	m.order = append(m.order, server.ID)
	return server, nil
}

func (m *MockClient) GetServer(ctx context.Context, id string) (*provisioning.Server, error) {
	if m.GetStarted != nil {
		m.GetStarted <- struct{}{}
	}
	if m.GetBlock != nil {
		<-m.GetBlock
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetServerCalls = append(m.GetServerCalls, id)
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	s, ok := m.servers[id]
	if !ok {
		return nil, provisioning.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *MockClient) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteServerCalls = append(m.DeleteServerCalls, id)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, ok := m.servers[id]; !ok {
		return provisioning.ErrNotFound
	}
	delete(m.servers, id)
	return nil
}

// SetStatuses assigns statuses to servers in creation order.
func (m *MockClient) SetStatuses(statuses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, status := range statuses {
		m.servers[m.order[i]].Status = status
	}
}

// SetAllStatuses assigns status to every server.
func (m *MockClient) SetAllStatuses(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		s.Status = status
	}
}

// Forget drops a server as if it had been deleted out of band.
func (m *MockClient) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
}

func (m *MockClient) Calls() (creates int, gets, deletes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CreateServerCalls,
		append([]string(nil), m.GetServerCalls...),
		append([]string(nil), m.DeleteServerCalls...)
}

// MockController implements control.Controller. Exec writes Chunks in order,
// waiting on Gate (if set) after the first one.
type MockController struct {
	InstanceName string
	Chunks       []string
	ExitStatus   int
	Gate         chan struct{}

	mu        sync.Mutex
	Commands  []string
	Input     []byte
	SyncCalls [][2]string
	Closed    bool
}

func (m *MockController) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockController) Exec(ctx context.Context, command string, stdin io.Reader, output io.Writer) error {
	m.mu.Lock()
	m.Commands = append(m.Commands, command)
	m.mu.Unlock()

	if stdin != nil {
		input, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.Input = input
		m.mu.Unlock()
	}

	for i, chunk := range m.Chunks {
		if _, err := output.Write([]byte(chunk)); err != nil {
			return err
		}
		if i == 0 && m.Gate != nil {
			select {
			case <-m.Gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if m.ExitStatus != 0 {
		return &control.ExitError{Command: command, Status: m.ExitStatus}
	}
	return nil
}

func (m *MockController) GetInstanceName() string {
	return m.InstanceName
}

func (m *MockController) Sync(remotePath, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncCalls = append(m.SyncCalls, [2]string{remotePath, localPath})
	return nil
}

func (m *MockController) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// MockDialer hands out one controller and records the configs it was asked for.
type MockDialer struct {
	Controller *MockController
	Err        error

	mu      sync.Mutex
	Configs []control.Config
}

func (d *MockDialer) Dial(ctx context.Context, cfg control.Config) (control.Controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Configs = append(d.Configs, cfg)
	if d.Err != nil {
		return nil, d.Err
	}
	d.Controller.InstanceName = cfg.InstanceName
	return d.Controller, nil
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCloudConfig() config.Cloud {
	return config.Cloud{
		Name:        "test",
		Provider:    config.ProviderHetzner,
		Region:      "fsn1",
		ImageName:   "ubuntu",
		FlavorName:  "small",
		SSHUser:     "ubuntu",
		BootTimeout: 3 * time.Minute,
		Token:       "token",
	}
}

// fixedFactory returns client and counts how often it was asked.
type fixedFactory struct {
	client *MockClient

	mu    sync.Mutex
	calls int
}

func (f *fixedFactory) New(ctx context.Context, cloud config.Cloud) (provisioning.Client, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return f.client, nil
}

func (f *fixedFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type cloudFixture struct {
	client  *MockClient
	factory *fixedFactory
	store   *store.MemoryStore
	clock   *testClock
	dialer  *MockDialer
	cloud   *manager.Cloud
}

func newCloudFixture(mutate ...func(*config.Cloud)) *cloudFixture {
	f := &cloudFixture{
		client: NewMockClient(),
		store:  store.NewMemoryStore(),
		clock:  newTestClock(),
		dialer: &MockDialer{Controller: &MockController{}},
	}
	f.factory = &fixedFactory{client: f.client}

	cfg := testCloudConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	f.cloud = manager.NewCloud(cfg, f.store, f.factory.New,
		manager.WithClock(f.clock.Now),
		manager.WithDialer(f.dialer.Dial))
	return f
}

// brokenSlaveListStore fails ListSlaves once ListErr is set.
type brokenSlaveListStore struct {
	*store.MemoryStore
	ListErr error
}

func (s *brokenSlaveListStore) ListSlaves(ctx context.Context, reservationID string) ([]model.Slave, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return s.MemoryStore.ListSlaves(ctx, reservationID)
}
