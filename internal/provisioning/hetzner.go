package provisioning

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	sshkeys "cloudslave/internal/ssh"
)

const applicationName = "cloudslave"

var hetznerStatuses = map[string]string{
	"initializing": StatusBuild,
	"starting":     StatusBuild,
	"running":      StatusActive,
}

// HetznerClient implements Client using the Hetzner Cloud API.
type HetznerClient struct {
	client   *hcloud.Client
	location string
}

// NewHetznerClient creates a HetznerClient on top of the retrying HTTP transport.
func NewHetznerClient(token, location, endpoint string, opts ...hcloud.ClientOption) *HetznerClient {
	defaults := []hcloud.ClientOption{
		hcloud.WithApplication(applicationName, "1.0.0"),
		hcloud.WithHTTPClient(newHTTPClient()),
		hcloud.WithToken(token),
	}
	if endpoint != "" {
		defaults = append(defaults, hcloud.WithEndpoint(endpoint))
	}
	return &HetznerClient{
		client:   hcloud.NewClient(append(defaults, opts...)...),
		location: location,
	}
}

func (h *HetznerClient) ListImages(ctx context.Context) ([]Image, error) {
	images, err := h.client.Image.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	out := make([]Image, 0, len(images))
	for _, img := range images {
		// snapshots have no name
		name := img.Name
		if name == "" {
			name = img.Description
		}
		out = append(out, Image{ID: strconv.FormatInt(img.ID, 10), Name: name})
	}
	return out, nil
}

func (h *HetznerClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	types, err := h.client.ServerType.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list server types: %w", err)
	}

	out := make([]Flavor, 0, len(types))
	for _, st := range types {
		out = append(out, Flavor{ID: st.Name, Name: st.Name})
	}
	return out, nil
}

func (h *HetznerClient) ListKeyPairs(ctx context.Context) ([]KeyPair, error) {
	keys, err := h.client.SSHKey.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ssh keys: %w", err)
	}

	out := make([]KeyPair, 0, len(keys))
	for _, key := range keys {
		out = append(out, KeyPair{Name: key.Name, Fingerprint: key.Fingerprint, PublicKey: key.PublicKey})
	}
	return out, nil
}

// CreateKeyPair generates a key locally and uploads its public half.
func (h *HetznerClient) CreateKeyPair(ctx context.Context, name string) (*KeyPair, error) {
	generated, err := sshkeys.GenerateKeyPairInMemory()
	if err != nil {
		return nil, err
	}

	key, _, err := h.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: generated.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh key: %w", err)
	}

	return &KeyPair{
		Name:        key.Name,
		Fingerprint: key.Fingerprint,
		PublicKey:   generated.PublicKey,
		PrivateKey:  generated.PrivateKey,
	}, nil
}

func (h *HetznerClient) ListServers(ctx context.Context) ([]Server, error) {
	servers, err := h.client.Server.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, hetznerServer(s))
	}
	return out, nil
}

func (h *HetznerClient) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	imageID, err := strconv.ParseInt(spec.ImageID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid image ID %q: %w", spec.ImageID, err)
	}

	opts := hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: &hcloud.ServerType{Name: spec.FlavorID},
		Image:      &hcloud.Image{ID: imageID},
		Labels:     map[string]string{"managed-by": applicationName},
	}
	if h.location != "" {
		opts.Location = &hcloud.Location{Name: h.location}
	}

	// The API wants key IDs, so resolve the name first.
	if spec.KeyName != "" {
		key, _, err := h.client.SSHKey.GetByName(ctx, spec.KeyName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ssh key %q: %w", spec.KeyName, err)
		}
		if key == nil {
			return nil, fmt.Errorf("ssh key %q not found", spec.KeyName)
		}
		opts.SSHKeys = []*hcloud.SSHKey{key}
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	server := hetznerServer(result.Server)
	return &server, nil
}

func (h *HetznerClient) GetServer(ctx context.Context, id string) (*Server, error) {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid server ID %q: %w", id, err)
	}

	s, _, err := h.client.Server.GetByID(ctx, numericID)
	if err != nil {
		return nil, fmt.Errorf("failed to get server %s: %w", id, err)
	}
	if s == nil {
		return nil, ErrNotFound
	}

	server := hetznerServer(s)
	return &server, nil
}

func (h *HetznerClient) DeleteServer(ctx context.Context, id string) error {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid server ID %q: %w", id, err)
	}

	_, _, err = h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: numericID})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}
	return nil
}

func hetznerServer(s *hcloud.Server) Server {
	server := Server{
		ID:     strconv.FormatInt(s.ID, 10),
		Name:   s.Name,
		Status: normalizeStatus(string(s.Status), hetznerStatuses),
	}

	var private, public string
	if len(s.PrivateNet) > 0 && s.PrivateNet[0].IP != nil {
		private = s.PrivateNet[0].IP.String()
	}
	if !s.PublicNet.IPv4.IsUnspecified() {
		public = s.PublicNet.IPv4.IP.String()
	}
	if addrs := addresses(private, public); len(addrs) > 0 {
		server.Networks = []Network{{Name: "ipv4", Addresses: addrs}}
	}
	return server
}
