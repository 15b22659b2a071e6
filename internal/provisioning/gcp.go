package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	sshkeys "cloudslave/internal/ssh"
)

const gcpSSHKeysMetadata = "ssh-keys"

var gcpStatuses = map[string]string{
	"provisioning": StatusBuild,
	"staging":      StatusBuild,
	"running":      StatusActive,
	"stopping":     StatusError,
	"terminated":   StatusError,
}

// GCPClient implements Client for Compute Engine. Instances are addressed by
// name. Keypairs are project wide "ssh-keys" metadata entries whose comment
// is the keypair name.
type GCPClient struct {
	service      *compute.Service
	project      string
	zone         string
	imageProject string
	sshUser      string
}

// NewGCPClient creates a Compute Engine client for one project and zone.
func NewGCPClient(ctx context.Context, project, zone, credentialsFile, imageProject, sshUser, endpoint string) (*GCPClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return newGCPClient(service, project, zone, imageProject, sshUser), nil
}

func newGCPClient(service *compute.Service, project, zone, imageProject, sshUser string) *GCPClient {
	if imageProject == "" {
		imageProject = project
	}
	return &GCPClient{
		service:      service,
		project:      project,
		zone:         zone,
		imageProject: imageProject,
		sshUser:      sshUser,
	}
}

func (c *GCPClient) ListImages(ctx context.Context) ([]Image, error) {
	var images []Image
	err := c.service.Images.List(c.imageProject).Pages(ctx, func(page *compute.ImageList) error {
		for _, img := range page.Items {
			images = append(images, Image{ID: img.SelfLink, Name: img.Name})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, nil
}

func (c *GCPClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	var flavors []Flavor
	err := c.service.MachineTypes.List(c.project, c.zone).Pages(ctx, func(page *compute.MachineTypeList) error {
		for _, mt := range page.Items {
			flavors = append(flavors, Flavor{ID: mt.Name, Name: mt.Name})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list machine types: %w", err)
	}
	return flavors, nil
}

func (c *GCPClient) ListKeyPairs(ctx context.Context) ([]KeyPair, error) {
	project, err := c.service.Projects.Get(c.project).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get project metadata: %w", err)
	}
	return parseSSHKeys(sshKeysValue(project.CommonInstanceMetadata)), nil
}

// CreateKeyPair generates a key locally and appends it to the project's ssh-keys.
func (c *GCPClient) CreateKeyPair(ctx context.Context, name string) (*KeyPair, error) {
	generated, err := sshkeys.GenerateKeyPairInMemory()
	if err != nil {
		return nil, err
	}
	publicKey := strings.TrimSpace(generated.PublicKey) + " " + name

	project, err := c.service.Projects.Get(c.project).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get project metadata: %w", err)
	}

	metadata := project.CommonInstanceMetadata
	if metadata == nil {
		metadata = &compute.Metadata{}
	}
	setSSHKeysValue(metadata, appendSSHKey(sshKeysValue(metadata), c.sshUser, publicKey))

	op, err := c.service.Projects.SetCommonInstanceMetadata(c.project, metadata).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to set project metadata: %w", err)
	}
	if err := c.waitGlobal(ctx, op); err != nil {
		return nil, err
	}

	fingerprint, err := sshkeys.Fingerprint(publicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Name:        name,
		Fingerprint: fingerprint,
		PublicKey:   publicKey,
		PrivateKey:  generated.PrivateKey,
	}, nil
}

func (c *GCPClient) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := c.service.Instances.List(c.project, c.zone).Pages(ctx, func(page *compute.InstanceList) error {
		for _, inst := range page.Items {
			servers = append(servers, gcpServer(inst))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return servers, nil
}

// CreateServer inserts the instance and waits for the insert operation, so the
// instance exists (usually PROVISIONING) when this returns. Compute Engine only
// accepts lower-case instance names; the returned ID is the name actually used.
// The project wide ssh-keys make spec.KeyName usable without per instance metadata.
func (c *GCPClient) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	name := strings.ToLower(spec.Name)
	instance := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", c.zone, spec.FlavorID),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: spec.ImageID,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				AccessConfigs: []*compute.AccessConfig{
					{
						Type: "ONE_TO_ONE_NAT",
						Name: "External NAT",
					},
				},
				Network: "global/networks/default",
			},
		},
	}

	op, err := c.service.Instances.Insert(c.project, c.zone, instance).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance: %w", err)
	}
	if err := c.waitZone(ctx, op); err != nil {
		return nil, err
	}

	return c.GetServer(ctx, name)
}

func (c *GCPClient) GetServer(ctx context.Context, id string) (*Server, error) {
	inst, err := c.service.Instances.Get(c.project, c.zone, id).Context(ctx).Do()
	if err != nil {
		if isGoogleNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance %s: %w", id, err)
	}
	server := gcpServer(inst)
	return &server, nil
}

func (c *GCPClient) DeleteServer(ctx context.Context, id string) error {
	_, err := c.service.Instances.Delete(c.project, c.zone, id).Context(ctx).Do()
	if err != nil {
		if isGoogleNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	return nil
}

func (c *GCPClient) waitZone(ctx context.Context, op *compute.Operation) error {
	return waitOperation(ctx, op, func(name string) (*compute.Operation, error) {
		return c.service.ZoneOperations.Wait(c.project, c.zone, name).Context(ctx).Do()
	})
}

func (c *GCPClient) waitGlobal(ctx context.Context, op *compute.Operation) error {
	return waitOperation(ctx, op, func(name string) (*compute.Operation, error) {
		return c.service.GlobalOperations.Wait(c.project, name).Context(ctx).Do()
	})
}

// waitOperation repeats the server side Wait call, which returns after at most
// two minutes, until the operation is DONE.
func waitOperation(ctx context.Context, op *compute.Operation, wait func(string) (*compute.Operation, error)) error {
	for op.Status != "DONE" {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := wait(op.Name)
		if err != nil {
			return fmt.Errorf("failed to wait for operation %s: %w", op.Name, err)
		}
		if next.Status == op.Status && next.Status != "DONE" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		op = next
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		return fmt.Errorf("operation %s failed: %s", op.Name, op.Error.Errors[0].Message)
	}
	return nil
}

func gcpServer(inst *compute.Instance) Server {
	server := Server{
		ID:     inst.Name,
		Name:   inst.Name,
		Status: normalizeStatus(inst.Status, gcpStatuses),
	}
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		var natIP string
		if len(nic.AccessConfigs) > 0 {
			natIP = nic.AccessConfigs[0].NatIP
		}
		if addrs := addresses(nic.NetworkIP, natIP); len(addrs) > 0 {
			server.Networks = []Network{{Name: path.Base(nic.Network), Addresses: addrs}}
		}
	}
	return server
}

func sshKeysValue(metadata *compute.Metadata) string {
	if metadata == nil {
		return ""
	}
	for _, item := range metadata.Items {
		if item.Key == gcpSSHKeysMetadata && item.Value != nil {
			return *item.Value
		}
	}
	return ""
}

func setSSHKeysValue(metadata *compute.Metadata, value string) {
	for _, item := range metadata.Items {
		if item.Key == gcpSSHKeysMetadata {
			item.Value = &value
			return
		}
	}
	metadata.Items = append(metadata.Items, &compute.MetadataItems{Key: gcpSSHKeysMetadata, Value: &value})
}

func appendSSHKey(existing, user, publicKey string) string {
	line := user + ":" + publicKey
	if strings.TrimSpace(existing) == "" {
		return line
	}
	return strings.TrimRight(existing, "\n") + "\n" + line
}

// parseSSHKeys reads "user:type key comment" lines; the comment is the keypair name.
func parseSSHKeys(value string) []KeyPair {
	var keys []KeyPair
	for _, line := range strings.Split(value, "\n") {
		_, key, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(key)
		if len(fields) < 3 {
			continue
		}
		kp := KeyPair{Name: fields[len(fields)-1], PublicKey: key}
		if fp, err := sshkeys.Fingerprint(key); err == nil {
			kp.Fingerprint = fp
		}
		keys = append(keys, kp)
	}
	return keys
}

func isGoogleNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
