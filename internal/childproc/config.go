package childproc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NodeKey is the on-disk shape of validator_key.json / node_key.json. The
// public key is read verbatim from this file, never cryptographically
// derived.
type NodeKey struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
}

// ReadNodeKey loads a node key file.
func ReadNodeKey(path string) (*NodeKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key %s: %w", path, err)
	}
	var k NodeKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parse node key %s: %w", path, err)
	}
	return &k, nil
}

// Config is the subset of the child's config.json the supervisor reads or
// mutates.
type Config struct {
	Network          NetworkConfig  `json:"network"`
	RPC              RPCConfig      `json:"rpc"`
	ExpectedShutdown *uint64        `json:"expected_shutdown,omitempty"`
	raw              map[string]any
}

// NetworkConfig is the child's listen address and advertised addresses.
type NetworkConfig struct {
	Addr        string   `json:"addr"`
	PublicAddrs []string `json:"public_addrs"`
	BootNodes   string   `json:"boot_nodes,omitempty"`
}

// RPCConfig carries the child's RPC bind address.
type RPCConfig struct {
	Addr string `json:"addr"`
}

const defaultRPCAddr = "0.0.0.0:3030"

// configPath returns childHome/config.json.
func configPath(childHome string) string {
	return filepath.Join(childHome, "config.json")
}

// ReadConfig loads config.json, preserving unknown top-level fields in raw
// so rewrites don't drop settings the supervisor doesn't model.
func ReadConfig(childHome string) (*Config, error) {
	path := configPath(childHome)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{raw: raw}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.RPC.Addr == "" {
		cfg.RPC.Addr = defaultRPCAddr
	}
	return cfg, nil
}

// Bytes renders the config back to JSON, merging modeled fields over raw.
func (c *Config) Bytes() ([]byte, error) {
	merged := make(map[string]any, len(c.raw)+3)
	for k, v := range c.raw {
		merged[k] = v
	}
	merged["network"] = c.Network
	merged["rpc"] = c.RPC
	if c.ExpectedShutdown != nil {
		merged["expected_shutdown"] = *c.ExpectedShutdown
	} else {
		delete(merged, "expected_shutdown")
	}
	return json.MarshalIndent(merged, "", "  ")
}

// WriteConfig writes cfg to childHome/config.json.
func WriteConfig(childHome string, cfg *Config) error {
	data, err := cfg.Bytes()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	path := configPath(childHome)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// BuildPublicAddr formats a single network.public_addrs entry, bracketing
// IPv6 literals.
func BuildPublicAddr(nodePubKey, ip string, port int) string {
	host := ip
	if strings.Contains(ip, ":") && !strings.HasPrefix(ip, "[") {
		host = "[" + ip + "]"
	}
	return fmt.Sprintf("%s@%s:%d", nodePubKey, host, port)
}
