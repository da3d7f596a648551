// Package config loads supervisor settings from the process environment.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Settings holds the supervisor's process-scope configuration. Every field
// is immutable after startup except AuthToken, which is re-read from
// AuthTokenFile on the reload signal.
type Settings struct {
	NodeID               string   `env:"NODE_ID,default=node"`
	AccountID            string   `env:"ACCOUNT_ID,default=default"`
	RegistryURL          string   `env:"REGISTRY_URL,default=http://127.0.0.1:8500"`
	AuthTokenFile        string   `env:"REGISTRY_TOKEN_FILE"`
	AuthToken            string   `env:"-"`
	ChildHome            string   `env:"CHILD_HOME"`
	ValidatorKeyPath     string   `env:"VALIDATOR_KEY"`
	ValidatorNodeKeyPath string   `env:"VALIDATOR_NODE_KEY"`
	VoterNodeKeyPath     string   `env:"VOTER_NODE_KEY"`
	ValidatorListenAddr  string   `env:"VALIDATOR_LISTEN_ADDR,default=0.0.0.0:24567"`
	VoterListenAddr      string   `env:"VOTER_LISTEN_ADDR,default=0.0.0.0:24568"`
	PublicAddresses      []string `env:"PUBLIC_ADDRESSES"`
	BootNodes            string   `env:"BOOT_NODES"`
	ControlSocketPath    string   `env:"CONTROL_SOCKET,default=./control.sock"`
	MetricsBindAddr      string   `env:"METRICS_BIND_ADDR,default=127.0.0.1:2233"`

	// ValidatorNodePublicKey is derived at startup by reading ValidatorNodeKeyPath.
	ValidatorNodePublicKey string `env:"-"`
	// ChildRPCAddr is discovered at startup by reading ChildHome/config.json.
	ChildRPCAddr string `env:"-"`
}

// Load reads settings from the environment, optionally seeded by a .env
// file in the working directory, and validates required fields.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	var s Settings
	if err := envdecode.Decode(&s); err != nil {
		// envdecode returns an error when none of the struct's tagged
		// fields are present in the environment; treat that as "no
		// overrides" so local runs work without exporting every var.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}

	if s.ChildHome == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine child home: %w", err)
		}
		s.ChildHome = wd
	}

	if err := s.validatePaths(); err != nil {
		return nil, err
	}

	if err := s.validateListenAddrs(); err != nil {
		return nil, err
	}

	if s.AuthTokenFile != "" {
		token, err := readTokenFile(s.AuthTokenFile)
		if err != nil {
			return nil, fmt.Errorf("load auth token: %w", err)
		}
		s.AuthToken = token
	}

	return &s, nil
}

// ReloadAuthToken re-reads AuthToken from AuthTokenFile. It is the only
// mutation allowed after startup, triggered by the reload signal.
func (s *Settings) ReloadAuthToken() error {
	if s.AuthTokenFile == "" {
		return nil
	}
	token, err := readTokenFile(s.AuthTokenFile)
	if err != nil {
		return fmt.Errorf("reload auth token: %w", err)
	}
	s.AuthToken = token
	return nil
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Settings) validatePaths() error {
	for name, path := range map[string]string{
		"VALIDATOR_KEY":      s.ValidatorKeyPath,
		"VALIDATOR_NODE_KEY": s.ValidatorNodeKeyPath,
		"VOTER_NODE_KEY":     s.VoterNodeKeyPath,
	} {
		if path == "" {
			return fmt.Errorf("%s environment variable is not set but required", name)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot open %s as a file: %w", path, err)
		}
	}
	return nil
}

func (s *Settings) validateListenAddrs() error {
	vAddr, err := net.ResolveTCPAddr("tcp", s.ValidatorListenAddr)
	if err != nil {
		return fmt.Errorf("parse VALIDATOR_LISTEN_ADDR %q: %w", s.ValidatorListenAddr, err)
	}
	voAddr, err := net.ResolveTCPAddr("tcp", s.VoterListenAddr)
	if err != nil {
		return fmt.Errorf("parse VOTER_LISTEN_ADDR %q: %w", s.VoterListenAddr, err)
	}
	if vAddr.Port == voAddr.Port {
		return fmt.Errorf("validator and voter listen addresses must use distinct ports, both got %d", vAddr.Port)
	}
	return nil
}

// LeaderKey returns the registry key used to elect the leader for this
// validator account.
func (s *Settings) LeaderKey() string {
	return filepath.ToSlash(filepath.Join("validator-supervisor-leader", s.AccountID))
}
