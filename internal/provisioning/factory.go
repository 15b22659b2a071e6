package provisioning

import (
	"context"
	"fmt"

	"cloudslave/internal/config"
)

// NewClient creates a provider client based on the cloud's provider type.
func NewClient(ctx context.Context, cloud config.Cloud) (Client, error) {
	switch cloud.Provider {
	case config.ProviderAWS:
		return NewAWSClient(ctx, cloud.Region, cloud.AccessKey, cloud.SecretKey, cloud.Endpoint, cloud.ImageOwners)

	case config.ProviderGCP:
		return NewGCPClient(ctx, cloud.Project, cloud.Region, cloud.CredentialsFile, cloud.ImageProject, cloud.SSHUser, cloud.Endpoint)

	case config.ProviderDigitalOcean:
		return NewDigitalOceanClient(cloud.Token, cloud.Region, cloud.Endpoint)

	case config.ProviderHetzner:
		return NewHetznerClient(cloud.Token, cloud.Region, cloud.Endpoint), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cloud.Provider)
	}
}

var _ Factory = NewClient
