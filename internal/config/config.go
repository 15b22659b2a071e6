package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ProviderType names a cloud compute API.
type ProviderType string

const (
	ProviderAWS          ProviderType = "aws"
	ProviderGCP          ProviderType = "gcp"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderHetzner      ProviderType = "hetzner"
)

const (
	DefaultConfigPath   = "cloudslave.yaml"
	DefaultSSHUser      = "ubuntu"
	DefaultBootTimeout  = 180 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultPollWorkers  = 4
	DefaultServerPort   = 50051
)

// Cloud is one provider account plus the image, flavor and floating IP policy
// slaves on it are created with.
type Cloud struct {
	Name     string       `yaml:"name"`
	Provider ProviderType `yaml:"provider"`
	// Endpoint overrides the provider API base URL.
	Endpoint string `yaml:"endpoint"`
	// Region is the AWS region, GCP zone, DigitalOcean region or Hetzner location.
	Region string `yaml:"region"`

	FlavorName     string         `yaml:"flavor_name"`
	ImageName      string         `yaml:"image_name"`
	FloatingIPMode FloatingIPMode `yaml:"floating_ip_mode"`
	SSHUser        string         `yaml:"ssh_user"`
	BootTimeout    time.Duration  `yaml:"boot_timeout"`

	// aws
	AccessKey   string   `yaml:"access_key"`
	SecretKey   string   `yaml:"secret_key"`
	ImageOwners []string `yaml:"image_owners"`

	// gcp
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
	ImageProject    string `yaml:"image_project"`

	// digitalocean, hetzner
	Token string `yaml:"token"`
}

func (c Cloud) String() string {
	return c.Name
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type          string   `yaml:"type"`
	Path          string   `yaml:"path"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

// SSHConfig tunes remote command sessions.
type SSHConfig struct {
	// WaitTimeout bounds how long to wait for port 22 before dialing.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ServerConfig configures the long running poller.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollWorkers  int           `yaml:"poll_workers"`
}

// Config contains application configuration
type Config struct {
	Clouds []Cloud      `yaml:"clouds"`
	Store  StoreConfig  `yaml:"store"`
	SSH    SSHConfig    `yaml:"ssh"`
	Server ServerConfig `yaml:"server"`
}

// Cloud returns the cloud with the given name.
func (c *Config) Cloud(name string) (Cloud, bool) {
	for _, cloud := range c.Clouds {
		if cloud.Name == name {
			return cloud, true
		}
	}
	return Cloud{}, false
}

// Load loads configuration from CONFIG_PATH, or cloudslave.yaml in the working directory.
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return LoadFile(configPath, KeyringSecrets{})
}

// LoadFile reads, defaults, expands and validates the configuration at path.
// A missing file yields the defaults, which fail validation for lack of clouds.
func LoadFile(path string, secrets SecretResolver) (*Config, error) {
	config := &Config{}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if endpoints := os.Getenv("CLOUDSLAVE_ETCD_ENDPOINTS"); endpoints != "" {
		config.Store.Type = "etcd"
		config.Store.EtcdEndpoints = strings.Split(endpoints, ",")
	}

	config.applyDefaults()

	if err := config.expand(secrets); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = DefaultPollInterval
	}
	if c.Server.PollWorkers == 0 {
		c.Server.PollWorkers = DefaultPollWorkers
	}
	if c.SSH.WaitTimeout == 0 {
		c.SSH.WaitTimeout = 2 * time.Minute
	}
	if c.SSH.DialTimeout == 0 {
		c.SSH.DialTimeout = 30 * time.Second
	}
	for i := range c.Clouds {
		cloud := &c.Clouds[i]
		if cloud.SSHUser == "" {
			cloud.SSHUser = DefaultSSHUser
		}
		if cloud.BootTimeout == 0 {
			cloud.BootTimeout = DefaultBootTimeout
		}
	}
}

// expand substitutes environment variables and resolves keyring references
// in every string a user is likely to template.
func (c *Config) expand(secrets SecretResolver) error {
	c.Store.Path = os.ExpandEnv(c.Store.Path)
	for i, endpoint := range c.Store.EtcdEndpoints {
		c.Store.EtcdEndpoints[i] = os.ExpandEnv(endpoint)
	}

	for i := range c.Clouds {
		cloud := &c.Clouds[i]
		for _, field := range []*string{
			&cloud.Endpoint, &cloud.Region, &cloud.FlavorName, &cloud.ImageName,
			&cloud.SSHUser, &cloud.Project, &cloud.CredentialsFile, &cloud.ImageProject,
		} {
			*field = os.ExpandEnv(*field)
		}

		for _, secret := range []*string{&cloud.AccessKey, &cloud.SecretKey, &cloud.Token} {
			value, err := resolveSecret(os.ExpandEnv(*secret), secrets)
			if err != nil {
				return fmt.Errorf("cloud %s: %w", cloud.Name, err)
			}
			*secret = value
		}
	}
	return nil
}

// Validate checks the configuration for errors a provider call would only reveal later.
func (c *Config) Validate() error {
	if len(c.Clouds) == 0 {
		return fmt.Errorf("at least one cloud must be configured")
	}

	seen := make(map[string]bool)
	for _, cloud := range c.Clouds {
		if cloud.Name == "" {
			return fmt.Errorf("cloud name is required")
		}
		if seen[cloud.Name] {
			return fmt.Errorf("duplicate cloud name %q", cloud.Name)
		}
		seen[cloud.Name] = true

		if err := cloud.Validate(); err != nil {
			return fmt.Errorf("cloud %s: %w", cloud.Name, err)
		}
	}

	switch c.Store.Type {
	case "file", "memory":
	case "etcd":
		if len(c.Store.EtcdEndpoints) == 0 {
			return fmt.Errorf("store type etcd requires etcd_endpoints")
		}
	default:
		return fmt.Errorf("unsupported store type %q", c.Store.Type)
	}

	if c.Server.PollWorkers < 1 {
		return fmt.Errorf("server.poll_workers must be at least 1")
	}
	return nil
}

// Validate checks a single cloud definition.
func (c Cloud) Validate() error {
	if c.ImageName == "" {
		return fmt.Errorf("image_name is required")
	}
	if _, err := regexp.Compile(c.ImageName); err != nil {
		return fmt.Errorf("image_name is not a valid regular expression: %w", err)
	}
	if c.FlavorName == "" {
		return fmt.Errorf("flavor_name is required")
	}
	if c.BootTimeout < 0 {
		return fmt.Errorf("boot_timeout must not be negative")
	}

	switch c.Provider {
	case ProviderAWS:
		if c.Region == "" {
			return fmt.Errorf("region is required for aws")
		}
	case ProviderGCP:
		if c.Project == "" {
			return fmt.Errorf("project is required for gcp")
		}
		if c.Region == "" {
			return fmt.Errorf("region (zone) is required for gcp")
		}
	case ProviderDigitalOcean, ProviderHetzner:
		if c.Token == "" {
			return fmt.Errorf("token is required for %s", c.Provider)
		}
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	return nil
}
