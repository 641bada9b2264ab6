// Package config loads and validates the per-node YAML configuration
// document: identity, cluster topology, timers, fencing policy,
// placement defaults, logging, and the health-plugin directory.
package config

import (
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// SupportedSchema is the highest config schema_version this daemon build
// understands. A node whose document declares a newer major version
// refuses to start rather than silently misinterpret new fields.
var SupportedSchema = semver.New("1.0.0")

// NetworkBinding describes one of the three fixed network roles a node
// binds addresses on.
type NetworkBinding struct {
	Device     string `yaml:"device" mapstructure:"device"`
	MTU        int    `yaml:"mtu" mapstructure:"mtu"`
	Address    string `yaml:"address" mapstructure:"address"`
	FloatingIP string `yaml:"floating_ip,omitempty" mapstructure:"floating_ip"`
}

// ClusterNetworks groups the upstream, cluster, and storage bindings.
type ClusterNetworks struct {
	Upstream NetworkBinding `yaml:"upstream" mapstructure:"upstream"`
	Cluster  NetworkBinding `yaml:"cluster" mapstructure:"cluster"`
	Storage  NetworkBinding `yaml:"storage" mapstructure:"storage"`
}

// Fence actions a node can take after a peer is confirmed dead.
const (
	FenceActionMigrate = "migrate"
	FenceActionNone    = "none"
)

// FencingActions configures what the fence controller does after success
// or exhausted retries.
type FencingActions struct {
	SuccessfulFence string `yaml:"successful_fence" mapstructure:"successful_fence"` // migrate | none
	FailedFence     string `yaml:"failed_fence" mapstructure:"failed_fence"`         // migrate | none
}

// IPMIConfig carries the management-controller credentials the fence
// driver uses to power-cycle a peer.
type IPMIConfig struct {
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// FencingConfig is the fencing subtree of the config document.
type FencingConfig struct {
	FenceIntervals   int            `yaml:"fence_intervals" mapstructure:"fence_intervals"`
	SuicideIntervals int            `yaml:"suicide_intervals" mapstructure:"suicide_intervals"`
	Actions          FencingActions `yaml:"actions" mapstructure:"actions"`
	IPMI             IPMIConfig     `yaml:"ipmi" mapstructure:"ipmi"`
}

// TimersConfig holds the keepalive and VM-shutdown timers.
type TimersConfig struct {
	KeepaliveInterval  int `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`
	VMShutdownTimeout  int `yaml:"vm_shutdown_timeout" mapstructure:"vm_shutdown_timeout"`
	ConsoleLogLines    int `yaml:"console_log_lines" mapstructure:"console_log_lines"`
}

// MigrationConfig is the cluster-wide placement default.
type MigrationConfig struct {
	TargetSelector types.Selector `yaml:"target_selector" mapstructure:"target_selector"`
}

// LoggingConfig toggles JSON vs console output and level.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// PluginConfig describes one health-plugin entry; Options is decoded
// per-plugin by the plugin itself via mapstructure.
type PluginConfig struct {
	Name    string         `yaml:"name" mapstructure:"name"`
	Path    string         `yaml:"path" mapstructure:"path"`
	Options map[string]any `yaml:"options,omitempty" mapstructure:"options"`
}

// Document is the full per-node config as loaded from YAML.
type Document struct {
	SchemaVersion string `yaml:"schema_version"`

	Node string        `yaml:"node"`
	Role types.NodeRole `yaml:"role"`

	Cluster struct {
		Coordinators []string        `yaml:"coordinators"`
		Networks     ClusterNetworks `yaml:"networks"`
	} `yaml:"cluster"`

	Timers    TimersConfig    `yaml:"timers"`
	Fencing   FencingConfig   `yaml:"fencing"`
	Migration MigrationConfig `yaml:"migration"`
	Logging   LoggingConfig   `yaml:"logging"`

	PluginDir string         `yaml:"plugin_dir"`
	Plugins   []PluginConfig `yaml:"plugins"`

	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"` // control-plane HTTP
	RaftAddr string `yaml:"raft_addr"` // consensus transport, coordinators only
}

func defaults() Document {
	var d Document
	d.SchemaVersion = "1.0.0"
	d.DataDir = "/var/lib/pvc"
	d.BindAddr = "0.0.0.0:7570"
	d.RaftAddr = "0.0.0.0:7571"
	d.Timers.KeepaliveInterval = 5
	d.Timers.VMShutdownTimeout = 180
	d.Timers.ConsoleLogLines = 1000
	d.Fencing.FenceIntervals = 3
	d.Fencing.Actions.SuccessfulFence = FenceActionMigrate
	d.Fencing.Actions.FailedFence = FenceActionNone
	d.Migration.TargetSelector = types.SelectorMem
	d.Logging.Level = "info"
	return d
}

// Load reads, parses, and validates the config document at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	doc := defaults()
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := validateSchema(doc.SchemaVersion); err != nil {
		return nil, err
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

func validateSchema(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", version, err)
	}
	if v.Major > SupportedSchema.Major {
		return fmt.Errorf("config schema_version %s is newer than supported %s", version, SupportedSchema)
	}
	return nil
}

func validate(d *Document) error {
	if d.Node == "" {
		return fmt.Errorf("config: node identity is required")
	}
	if d.Role != types.RoleCoordinator && d.Role != types.RoleHypervisor {
		return fmt.Errorf("config: role must be %q or %q", types.RoleCoordinator, types.RoleHypervisor)
	}
	if d.Role == types.RoleCoordinator && len(d.Cluster.Coordinators) == 0 {
		return fmt.Errorf("config: coordinator node requires cluster.coordinators")
	}
	if d.Fencing.Actions.FailedFence == FenceActionMigrate && d.Fencing.SuicideIntervals == 0 {
		return fmt.Errorf("config: fencing.actions.failed_fence=migrate requires fencing.suicide_intervals > 0 to be explicitly enabled")
	}
	switch d.Migration.TargetSelector {
	case types.SelectorMem, types.SelectorMemProv, types.SelectorLoad, types.SelectorVCPUs, types.SelectorVMs:
	default:
		return fmt.Errorf("config: unknown migration.target_selector %q", d.Migration.TargetSelector)
	}
	return nil
}

// DecodePlugin decodes a plugin's free-form Options map into dst, which
// must be a pointer to a struct with `mapstructure` tags.
func DecodePlugin(p PluginConfig, dst any) error {
	return mapstructure.Decode(p.Options, dst)
}

// CollapsedStorageNetwork reports whether the cluster and storage network
// bindings share the same device and address — a permitted but special-cased
// topology that must not bind the floating IP twice.
func (d *Document) CollapsedStorageNetwork() bool {
	c := d.Cluster.Networks.Cluster
	s := d.Cluster.Networks.Storage
	return c.Device == s.Device && c.Address == s.Address
}
