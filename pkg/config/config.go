// Package config loads and saves the server's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"

	DefaultClientAddr     = ":6020"
	DefaultClusterPort    = 6021
	DefaultGossipInterval = 5 * time.Second
	DefaultGossipJitter   = 0.1

	directoryPerm  = 0o700
	configFilePerm = 0o600
)

type Config struct {
	ServerName     string        `yaml:"serverName,omitempty"`
	ClientAddr     string        `yaml:"clientAddr,omitempty"`
	ClusterPort    int           `yaml:"clusterPort,omitempty"`
	ClusterPeers   []string      `yaml:"clusterPeers,omitempty"`
	GossipInterval time.Duration `yaml:"gossipInterval,omitempty"`
	GossipJitter   float64       `yaml:"gossipJitter,omitempty"`
	LogLevel       string        `yaml:"logLevel,omitempty"`
}

func (c *Config) ClientListenAddr() string {
	if c.ClientAddr == "" {
		return DefaultClientAddr
	}
	return c.ClientAddr
}

func (c *Config) ClusterListenPort() int {
	if c.ClusterPort == 0 {
		return DefaultClusterPort
	}
	return c.ClusterPort
}

func (c *Config) Interval() time.Duration {
	if c.GossipInterval <= 0 {
		return DefaultGossipInterval
	}
	return c.GossipInterval
}

func (c *Config) Jitter() float64 {
	if c.GossipJitter <= 0 {
		return DefaultGossipJitter
	}
	return c.GossipJitter
}

func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	canonical, err := canonicalizePeers(cfg.ClusterPeers)
	if err != nil {
		return nil, err
	}
	cfg.ClusterPeers = canonical
	return cfg, nil
}

func Save(dir string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	if err := validate(cfg); err != nil {
		return err
	}

	canonical, err := canonicalizePeers(cfg.ClusterPeers)
	if err != nil {
		return err
	}
	cfg.ClusterPeers = canonical

	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, configFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, configFilePerm); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.GossipInterval < 0 {
		return errors.New("gossipInterval must be >= 0")
	}
	if cfg.GossipJitter < 0 || cfg.GossipJitter >= 1 {
		return errors.New("gossipJitter must be in [0, 1)")
	}
	if cfg.ClusterPort < 0 || cfg.ClusterPort > 65535 {
		return errors.New("clusterPort must be a valid port")
	}
	return nil
}

func canonicalizePeers(peers []string) ([]string, error) {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, spec := range peers {
		addr, err := NormalizePeerAddr(spec)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// NormalizePeerAddr appends the default cluster port to a bare host.
func NormalizePeerAddr(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("peer address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(spec); err == nil {
		return spec, nil
	}

	return net.JoinHostPort(spec, strconv.Itoa(DefaultClusterPort)), nil
}
