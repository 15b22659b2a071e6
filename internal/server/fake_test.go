package server_test

import (
	"context"
	"fmt"
	"sync"

	"cloudslave/internal/provisioning"
)

// FakeClient implements provisioning.Client with a single status for every server.
type FakeClient struct {
	mu      sync.Mutex
	status  string
	servers map[string]*provisioning.Server
	nextID  int

	// Started, when set, receives once per GetServer call.
	Started chan struct{}
	// Block, when set, holds GetServer until closed.
	Block chan struct{}
	Gets  int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		status:  provisioning.StatusBuild,
		servers: make(map[string]*provisioning.Server),
	}
}

func (c *FakeClient) SetStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *FakeClient) GetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Gets
}

func (c *FakeClient) ListImages(ctx context.Context) ([]provisioning.Image, error) {
	return []provisioning.Image{{ID: "img", Name: "ubuntu-24.04"}}, nil
}

func (c *FakeClient) ListFlavors(ctx context.Context) ([]provisioning.Flavor, error) {
	return []provisioning.Flavor{{ID: "fl", Name: "small"}}, nil
}

func (c *FakeClient) ListKeyPairs(ctx context.Context) ([]provisioning.KeyPair, error) {
	return nil, nil
}

func (c *FakeClient) CreateKeyPair(ctx context.Context, name string) (*provisioning.KeyPair, error) {
	return &provisioning.KeyPair{Name: name, PrivateKey: "key"}, nil
}

func (c *FakeClient) ListServers(ctx context.Context) ([]provisioning.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []provisioning.Server
	for _, s := range c.servers {
		out = append(out, *s)
	}
	return out, nil
}

func (c *FakeClient) CreateServer(ctx context.Context, spec provisioning.ServerSpec) (*provisioning.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := &provisioning.Server{ID: fmt.Sprintf("srv-%d", c.nextID), Name: spec.Name}
	c.servers[s.ID] = s
	return s, nil
}

func (c *FakeClient) GetServer(ctx context.Context, id string) (*provisioning.Server, error) {
	if c.Started != nil {
		c.Started <- struct{}{}
	}
	if c.Block != nil {
		<-c.Block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gets++
	s, ok := c.servers[id]
	if !ok {
		return nil, provisioning.ErrNotFound
	}
	return &provisioning.Server{ID: s.ID, Name: s.Name, Status: c.status}, nil
}

func (c *FakeClient) DeleteServer(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, id)
	return nil
}
