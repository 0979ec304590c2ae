// Package config loads and atomically persists the on-disk settings
// document read by cmd/noded at startup and by the supervisor across
// restarts, following the same load/save/notify discipline as the rest of
// the daemon's config types.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// CIDR wraps net.IPNet so it marshals to/from YAML as a plain string.
type CIDR struct {
	*net.IPNet
}

func (c CIDR) MarshalYAML() (interface{}, error) {
	if c.IPNet == nil {
		return "", nil
	}
	return c.IPNet.String(), nil
}

func (c *CIDR) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		c.IPNet = nil
		return nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return fmt.Errorf("config: invalid CIDR %q: %w", s, err)
	}
	c.IPNet = n
	return nil
}

// HintEntry is one (address, port) entry in a path-lookup hint table.
type HintEntry struct {
	Addr string `yaml:"addr"`
	Port uint16 `yaml:"port"`
}

// Settings is the full set of configuration inputs named in spec §2/§4:
// home path, port selection, caching flags, multipath mode, port-mapping,
// interface filtering, path hints/blacklists, and management access.
type Settings struct {
	Home string `yaml:"home"`

	PrimaryPort   uint16 `yaml:"primary_port"`
	SecondaryPort uint16 `yaml:"secondary_port"`
	MappingPort   uint16 `yaml:"mapping_port"`

	AllowNetworkCaching bool `yaml:"allow_network_caching"`
	AllowPeerCaching    bool `yaml:"allow_peer_caching"`
	AllowLocalConf      bool `yaml:"allow_local_conf"`

	MultipathMode      int  `yaml:"multipath_mode"`
	PortMappingEnabled bool `yaml:"port_mapping_enabled"`

	InterfacePrefixBlacklist []string `yaml:"interface_prefix_blacklist"`
	ExplicitBind             []string `yaml:"explicit_bind"`

	HintsV4 []HintEntry `yaml:"hints_v4"`
	HintsV6 []HintEntry `yaml:"hints_v6"`

	BlacklistV4 []CIDR `yaml:"blacklist_v4"`
	BlacklistV6 []CIDR `yaml:"blacklist_v6"`

	AllowedManagementSources []CIDR `yaml:"allowed_management_sources"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

// New returns an empty Settings bound to path, ready for Save.
func New(path string) *Settings {
	return &Settings{path: path, changedCh: make(chan struct{}, 1)}
}

// Load reads and parses the settings document at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	s := New(path)
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return s, nil
}

// Changed is signaled whenever Save succeeds, for consumers that reload on
// change.
func (s *Settings) Changed() <-chan struct{} {
	return s.changedCh
}

// Save serializes the current settings and atomically replaces the file
// at path.
func (s *Settings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Settings) saveLocked() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".noded-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}

	select {
	case s.changedCh <- struct{}{}:
	default:
	}
	return nil
}

// Snapshot returns a copy of the settings safe to read without holding the
// lock further.
func (s *Settings) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s
	cp.mu = sync.RWMutex{}
	cp.changedCh = nil
	return cp
}
