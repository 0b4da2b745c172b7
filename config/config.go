// Package config loads and validates the TOML configuration shared by
// every tool in the suite.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dnsdiff/dnsdiff/match"
)

const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// DefaultMaxTimeouts is the number of consecutive timeouts from a single
// resolver after which the run is aborted.
const DefaultMaxTimeouts = 10

type Config struct {
	SendRecv SendRecvConfig          `toml:"sendrecv"`
	Servers  ServersConfig           `toml:"servers"`
	Diff     DiffConfig              `toml:"diff"`
	Skip     SkipConfig              `toml:"skip"`
	Resolver map[string]ServerConfig `toml:"resolver"`
}

type SendRecvConfig struct {
	TimeoutMs      int `toml:"timeout_ms"`
	Jobs           int `toml:"jobs"`
	MaxTimeouts    int `toml:"max_timeouts"`
	TimeDelayMinMs int `toml:"time_delay_min_ms"`
	TimeDelayMaxMs int `toml:"time_delay_max_ms"`
}

func (sendrecv *SendRecvConfig) Timeout() time.Duration {
	return time.Duration(sendrecv.TimeoutMs) * time.Millisecond
}

type ServersConfig struct {
	Names []string `toml:"names"`
}

type DiffConfig struct {
	Target   string   `toml:"target"`
	Criteria []string `toml:"criteria"`
}

type SkipConfig struct {
	Domains []string `toml:"domains"`
}

type ServerConfig struct {
	IP            string `toml:"ip"`
	Port          int    `toml:"port"`
	Transport     string `toml:"transport"`
	RestartScript string `toml:"restart_script"`
}

func (server ServerConfig) Address() string {
	return net.JoinHostPort(server.IP, fmt.Sprintf("%d", server.Port))
}

func newConfig() Config {
	return Config{
		SendRecv: SendRecvConfig{
			TimeoutMs:   5000,
			Jobs:        16,
			MaxTimeouts: DefaultMaxTimeouts,
		},
		Diff: DiffConfig{
			Criteria: []string{"opcode", "rcode", "flags", "question", "answertypes", "answerrrsigs"},
		},
	}
}

// Load reads the configuration file and validates it.
func Load(configFile string) (*Config, error) {
	config := newConfig()
	md, err := toml.DecodeFile(configFile, &config)
	if err != nil {
		return nil, fmt.Errorf("unable to load configuration [%s]: %w", configFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unsupported configuration keys in [%s]: %v", configFile, undecoded)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (config *Config) validate() error {
	if len(config.Servers.Names) == 0 {
		return errors.New("no resolvers configured in [servers] names")
	}
	if config.SendRecv.TimeoutMs <= 0 {
		return errors.New("[sendrecv] timeout_ms must be positive")
	}
	if config.SendRecv.Jobs <= 0 {
		return errors.New("[sendrecv] jobs must be positive")
	}
	if config.SendRecv.MaxTimeouts <= 0 {
		return errors.New("[sendrecv] max_timeouts must be positive")
	}
	if config.SendRecv.TimeDelayMinMs < 0 ||
		config.SendRecv.TimeDelayMaxMs < config.SendRecv.TimeDelayMinMs {
		return errors.New("[sendrecv] time delay bounds are inconsistent")
	}
	seen := make(map[string]bool)
	for _, name := range config.Servers.Names {
		if seen[name] {
			return fmt.Errorf("resolver [%s] listed twice in [servers] names", name)
		}
		seen[name] = true
		server, ok := config.Resolver[name]
		if !ok {
			return fmt.Errorf("no definition found for resolver [%s]", name)
		}
		if net.ParseIP(server.IP) == nil {
			return fmt.Errorf("resolver [%s] has invalid IP address [%s]", name, server.IP)
		}
		if server.Port <= 0 || server.Port > 65535 {
			return fmt.Errorf("resolver [%s] has invalid port %d", name, server.Port)
		}
		switch server.Transport {
		case TransportUDP, TransportTCP, TransportTLS:
		default:
			return fmt.Errorf("resolver [%s] has unsupported transport [%s]", name, server.Transport)
		}
	}
	for name := range config.Resolver {
		if !seen[name] {
			return fmt.Errorf("resolver [%s] defined but not listed in [servers] names", name)
		}
	}
	if config.Diff.Target == "" {
		return errors.New("[diff] target is not set")
	}
	if !seen[config.Diff.Target] {
		return fmt.Errorf("[diff] target [%s] must be listed in [servers] names", config.Diff.Target)
	}
	if len(config.Diff.Criteria) == 0 {
		return errors.New("[diff] criteria must not be empty")
	}
	for _, criteria := range config.Diff.Criteria {
		if !match.IsKnownField(criteria) {
			return fmt.Errorf("[diff] criteria contains unknown field [%s]", criteria)
		}
	}
	return nil
}
