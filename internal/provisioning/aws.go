package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	sshkeys "cloudslave/internal/ssh"
)

// ec2API is the part of the EC2 client AWSClient uses.
type ec2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

var awsStatuses = map[string]string{
	"pending":       StatusBuild,
	"running":       StatusActive,
	"shutting-down": StatusError,
	"terminated":    StatusError,
}

// AWSClient implements Client for EC2.
type AWSClient struct {
	client      ec2API
	imageOwners []string
}

// NewAWSClient creates an EC2 client. Static credentials are used when given,
// the default credential chain otherwise.
func NewAWSClient(ctx context.Context, region, accessKey, secretKey, endpoint string, imageOwners []string) (*AWSClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	if len(imageOwners) == 0 {
		imageOwners = []string{"self", "amazon"}
	}
	return &AWSClient{client: client, imageOwners: imageOwners}, nil
}

func (c *AWSClient) ListImages(ctx context.Context) ([]Image, error) {
	out, err := c.client.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: c.imageOwners})
	if err != nil {
		return nil, fmt.Errorf("failed to describe images: %w", err)
	}

	images := make([]Image, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, Image{ID: aws.ToString(img.ImageId), Name: aws.ToString(img.Name)})
	}
	return images, nil
}

func (c *AWSClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	var flavors []Flavor
	paginator := ec2.NewDescribeInstanceTypesPaginator(c.client, &ec2.DescribeInstanceTypesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance types: %w", err)
		}
		for _, it := range page.InstanceTypes {
			name := string(it.InstanceType)
			flavors = append(flavors, Flavor{ID: name, Name: name})
		}
	}
	return flavors, nil
}

func (c *AWSClient) ListKeyPairs(ctx context.Context) ([]KeyPair, error) {
	out, err := c.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{IncludePublicKey: aws.Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("failed to describe key pairs: %w", err)
	}

	keys := make([]KeyPair, 0, len(out.KeyPairs))
	for _, kp := range out.KeyPairs {
		keys = append(keys, KeyPair{
			Name:        aws.ToString(kp.KeyName),
			Fingerprint: aws.ToString(kp.KeyFingerprint),
			PublicKey:   aws.ToString(kp.PublicKey),
		})
	}
	return keys, nil
}

// CreateKeyPair has AWS generate the key; the public half is derived from the
// returned private key material.
func (c *AWSClient) CreateKeyPair(ctx context.Context, name string) (*KeyPair, error) {
	out, err := c.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(name),
		KeyType: types.KeyTypeRsa,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key pair: %w", err)
	}

	privateKey := aws.ToString(out.KeyMaterial)
	publicKey, err := sshkeys.PublicKeyFromPrivate(privateKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Name:        aws.ToString(out.KeyName),
		Fingerprint: aws.ToString(out.KeyFingerprint),
		PublicKey:   publicKey,
		PrivateKey:  privateKey,
	}, nil
}

func (c *AWSClient) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	paginator := ec2.NewDescribeInstancesPaginator(c.client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				servers = append(servers, awsServer(inst))
			}
		}
	}
	return servers, nil
}

func (c *AWSClient) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	out, err := c.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.FlavorID),
		KeyName:      aws.String(spec.KeyName),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instances returned no instance")
	}

	server := awsServer(out.Instances[0])
	return &server, nil
}

func (c *AWSClient) GetServer(ctx context.Context, id string) (*Server, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", id, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				server := awsServer(inst)
				return &server, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (c *AWSClient) DeleteServer(ctx context.Context, id string) error {
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isAWSNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	return nil
}

func awsServer(inst types.Instance) Server {
	server := Server{ID: aws.ToString(inst.InstanceId)}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			server.Name = aws.ToString(tag.Value)
		}
	}
	if inst.State != nil {
		server.Status = normalizeStatus(string(inst.State.Name), awsStatuses)
	}

	addrs := addresses(aws.ToString(inst.PrivateIpAddress), aws.ToString(inst.PublicIpAddress))
	if len(addrs) > 0 {
		server.Networks = []Network{{Name: aws.ToString(inst.VpcId), Addresses: addrs}}
	}
	return server
}

func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID.NotFound")
	}
	return false
}
