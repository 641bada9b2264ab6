// Package vm implements the hypervisor driver and the VM placement
// controller: per-node reconciliation of actual domain state to
// the desired state recorded at domains/<uuid>, including live and cold
// migration, flush evacuation, and bounded console-log capture.
package vm

import (
	"context"
	"encoding/xml"
	"time"
)

// Operation-class deadlines. Shutdown has no constant here: its
// timeout is the configured vm_shutdown_timeout.
const (
	StartTimeout   = 60 * time.Second
	StopTimeout    = 15 * time.Second
	MigrateTimeout = 300 * time.Second
)

// Driver is the hypervisor driver ABI. Every call carries a
// context deadline; a timeout is an operation failure, not a daemon
// failure.
type Driver interface {
	// Define loads a domain definition into the hypervisor without
	// starting it. Idempotent for an unchanged definition.
	Define(ctx context.Context, definition string) error
	// Start boots a defined domain.
	Start(ctx context.Context, name string) error
	// Shutdown sends the guest a graceful shutdown signal. The guest may
	// ignore it; the caller escalates to Stop after vm_shutdown_timeout.
	Shutdown(ctx context.Context, name string) error
	// Stop force-stops a domain immediately.
	Stop(ctx context.Context, name string) error
	// Undefine removes a stopped domain's definition.
	Undefine(ctx context.Context, name string) error
	// IsRunning reports whether the domain is currently running.
	IsRunning(ctx context.Context, name string) (bool, error)
	// Migrate live-migrates a running domain to the peer hypervisor at
	// targetAddr (the target's cluster-network address).
	Migrate(ctx context.Context, name, targetAddr string) error
	// ConsoleOutput returns console lines produced since the last call
	// for this domain.
	ConsoleOutput(name string) ([]string, error)
}

// domainXML is the subset of a libvirt domain definition the core needs
// to read: identity, resource sizing, and backing volumes.
type domainXML struct {
	XMLName xml.Name `xml:"domain"`
	Name    string   `xml:"name"`
	UUID    string   `xml:"uuid"`
	Memory  struct {
		Value int64  `xml:",chardata"`
		Unit  string `xml:"unit,attr"`
	} `xml:"memory"`
	VCPU struct {
		Value int `xml:",chardata"`
	} `xml:"vcpu"`
	Devices struct {
		Disks []struct {
			Source struct {
				Name string `xml:"name,attr"` // pool/volume for network disks
				File string `xml:"file,attr"`
			} `xml:"source"`
		} `xml:"disk"`
	} `xml:"devices"`
}

func parseDefinition(definition string) (*domainXML, error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(definition), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DefinitionMemoryMiB returns the maximum memory a definition declares,
// normalized to MiB. Zero if the definition cannot be parsed.
func DefinitionMemoryMiB(definition string) int64 {
	d, err := parseDefinition(definition)
	if err != nil {
		return 0
	}
	switch d.Memory.Unit {
	case "", "KiB":
		return d.Memory.Value / 1024
	case "MiB":
		return d.Memory.Value
	case "GiB":
		return d.Memory.Value * 1024
	case "b", "bytes":
		return d.Memory.Value / (1024 * 1024)
	default:
		return d.Memory.Value / 1024
	}
}

// DefinitionVCPUs returns the vCPU count a definition declares.
func DefinitionVCPUs(definition string) int {
	d, err := parseDefinition(definition)
	if err != nil {
		return 0
	}
	return d.VCPU.Value
}

// DefinitionVolumes lists the storage volumes a definition's disks
// reference, as "name" attributes of network-backed disk sources.
func DefinitionVolumes(definition string) []string {
	d, err := parseDefinition(definition)
	if err != nil {
		return nil
	}
	var vols []string
	for _, disk := range d.Devices.Disks {
		if disk.Source.Name != "" {
			vols = append(vols, disk.Source.Name)
		}
	}
	return vols
}

// DefinitionName returns the domain name a definition declares.
func DefinitionName(definition string) string {
	d, err := parseDefinition(definition)
	if err != nil {
		return ""
	}
	return d.Name
}
