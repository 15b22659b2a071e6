package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"

	sshkeys "cloudslave/internal/ssh"
)

const doPageSize = 200

var doStatuses = map[string]string{
	"new":    StatusBuild,
	"active": StatusActive,
}

// DigitalOceanClient implements Client for droplets.
type DigitalOceanClient struct {
	client *godo.Client
	region string
}

// NewDigitalOceanClient creates a godo client authenticated with token on top
// of the retrying HTTP transport.
func NewDigitalOceanClient(token, region, endpoint string) (*DigitalOceanClient, error) {
	httpClient := newHTTPClient()
	httpClient.Transport = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Base:   httpClient.Transport,
	}

	var opts []godo.ClientOpt
	if endpoint != "" {
		opts = append(opts, godo.SetBaseURL(endpoint))
	}
	client, err := godo.New(httpClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create digitalocean client: %w", err)
	}

	return &DigitalOceanClient{client: client, region: region}, nil
}

func (c *DigitalOceanClient) ListImages(ctx context.Context) ([]Image, error) {
	images, err := doPaginate(func(opt *godo.ListOptions) ([]godo.Image, *godo.Response, error) {
		return c.client.Images.List(ctx, opt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	out := make([]Image, 0, len(images))
	for _, img := range images {
		out = append(out, Image{ID: strconv.Itoa(img.ID), Name: img.Name})
	}
	return out, nil
}

func (c *DigitalOceanClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	sizes, err := doPaginate(func(opt *godo.ListOptions) ([]godo.Size, *godo.Response, error) {
		return c.client.Sizes.List(ctx, opt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sizes: %w", err)
	}

	out := make([]Flavor, 0, len(sizes))
	for _, size := range sizes {
		out = append(out, Flavor{ID: size.Slug, Name: size.Slug})
	}
	return out, nil
}

func (c *DigitalOceanClient) ListKeyPairs(ctx context.Context) ([]KeyPair, error) {
	keys, err := c.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]KeyPair, 0, len(keys))
	for _, key := range keys {
		out = append(out, KeyPair{Name: key.Name, Fingerprint: key.Fingerprint, PublicKey: key.PublicKey})
	}
	return out, nil
}

// CreateKeyPair generates a key locally and registers its public half.
func (c *DigitalOceanClient) CreateKeyPair(ctx context.Context, name string) (*KeyPair, error) {
	generated, err := sshkeys.GenerateKeyPairInMemory()
	if err != nil {
		return nil, err
	}

	key, _, err := c.client.Keys.Create(ctx, &godo.KeyCreateRequest{
		Name:      name,
		PublicKey: strings.TrimSpace(generated.PublicKey),
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

func (c *DigitalOceanClient) ListServers(ctx context.Context) ([]Server, error) {
	droplets, err := doPaginate(func(opt *godo.ListOptions) ([]godo.Droplet, *godo.Response, error) {
		return c.client.Droplets.List(ctx, opt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list droplets: %w", err)
	}

	out := make([]Server, 0, len(droplets))
	for i := range droplets {
		out = append(out, doServer(&droplets[i]))
	}
	return out, nil
}

func (c *DigitalOceanClient) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	imageID, err := strconv.Atoi(spec.ImageID)
	if err != nil {
		return nil, fmt.Errorf("invalid image ID %q: %w", spec.ImageID, err)
	}

	// The API takes key IDs or fingerprints, not names.
	keys, err := c.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	var sshKeys []godo.DropletCreateSSHKey
	for _, key := range keys {
		if key.Name == spec.KeyName {
			sshKeys = append(sshKeys, godo.DropletCreateSSHKey{ID: key.ID, Fingerprint: key.Fingerprint})
			break
		}
	}
	if spec.KeyName != "" && len(sshKeys) == 0 {
		return nil, fmt.Errorf("ssh key %q not found", spec.KeyName)
	}

	droplet, _, err := c.client.Droplets.Create(ctx, &godo.DropletCreateRequest{
		Name:    spec.Name,
		Region:  c.region,
		Size:    spec.FlavorID,
		Image:   godo.DropletCreateImage{ID: imageID},
		SSHKeys: sshKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create droplet: %w", err)
	}

	server := doServer(droplet)
	return &server, nil
}

func (c *DigitalOceanClient) GetServer(ctx context.Context, id string) (*Server, error) {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid droplet ID %q: %w", id, err)
	}

	droplet, _, err := c.client.Droplets.Get(ctx, dropletID)
	if err != nil {
		if isDONotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get droplet %s: %w", id, err)
	}

	server := doServer(droplet)
	return &server, nil
}

func (c *DigitalOceanClient) DeleteServer(ctx context.Context, id string) error {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid droplet ID %q: %w", id, err)
	}

	if _, err := c.client.Droplets.Delete(ctx, dropletID); err != nil {
		if isDONotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete droplet %s: %w", id, err)
	}
	return nil
}

func (c *DigitalOceanClient) listKeys(ctx context.Context) ([]godo.Key, error) {
	keys, err := doPaginate(func(opt *godo.ListOptions) ([]godo.Key, *godo.Response, error) {
		return c.client.Keys.List(ctx, opt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ssh keys: %w", err)
	}
	return keys, nil
}

func doPaginate[T any](list func(*godo.ListOptions) ([]T, *godo.Response, error)) ([]T, error) {
	var all []T
	opt := &godo.ListOptions{PerPage: doPageSize}
	for {
		items, resp, err := list(opt)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return all, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, err
		}
		opt.Page = page + 1
	}
}

func doServer(d *godo.Droplet) Server {
	server := Server{
		ID:     strconv.Itoa(d.ID),
		Name:   d.Name,
		Status: normalizeStatus(d.Status, doStatuses),
	}

	var private, public string
	if d.Networks != nil {
		for _, n := range d.Networks.V4 {
			switch n.Type {
			case "private":
				if private == "" {
					private = n.IPAddress
				}
			case "public":
				if public == "" {
					public = n.IPAddress
				}
			}
		}
	}
	if addrs := addresses(private, public); len(addrs) > 0 {
		server.Networks = []Network{{Name: "v4", Addresses: addrs}}
	}
	return server
}

func isDONotFound(err error) bool {
	var errResp *godo.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound
}
