package cachepool

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// PlaintextPort is the conventional cache port without TLS.
	PlaintextPort = 6379

	// EncryptedPort selects the TLS transport.
	EncryptedPort = 6380

	// DefaultTimeout applies to both timeouts when LoadSettings finds
	// neither a file value nor an environment override.
	DefaultTimeout = 2 * time.Second
)

// Settings are the connection parameters of the cache server. They are
// set once at startup through InitializeSettings.
type Settings struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Password         string        `yaml:"password"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// Database is selected on every new connection when non-zero.
	Database int `yaml:"database"`

	// ClientName is announced with CLIENT SETNAME when set.
	ClientName string `yaml:"client_name"`

	// CAFile is a PEM bundle of trusted roots for the TLS transport.
	// Empty uses the system roots.
	CAFile string `yaml:"ca_file"`
}

// Address returns host:port.
func (s Settings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EncryptedTransport reports whether port selects TLS.
func EncryptedTransport(port int) bool {
	return port == EncryptedPort
}

// LoadSettings reads settings from a YAML file and applies environment
// overrides. An empty path reads the environment only.
func LoadSettings(path string) (Settings, error) {
	settings := Settings{
		Port:             PlaintextPort,
		ConnectTimeout:   DefaultTimeout,
		OperationTimeout: DefaultTimeout,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	if err := applyEnvOverrides(&settings); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

func applyEnvOverrides(s *Settings) error {
	if host := os.Getenv("CACHE_HOST"); host != "" {
		s.Host = host
	}

	if port := os.Getenv("CACHE_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid CACHE_PORT: %w", err)
		}
		s.Port = val
	}

	if password := os.Getenv("CACHE_PASSWORD"); password != "" {
		s.Password = password
	}

	if timeout := os.Getenv("CACHE_CONNECT_TIMEOUT"); timeout != "" {
		val, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid CACHE_CONNECT_TIMEOUT: %w", err)
		}
		s.ConnectTimeout = val
	}

	if timeout := os.Getenv("CACHE_OPERATION_TIMEOUT"); timeout != "" {
		val, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid CACHE_OPERATION_TIMEOUT: %w", err)
		}
		s.OperationTimeout = val
	}

	return nil
}
