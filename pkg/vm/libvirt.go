package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-qemu/qmp"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

const (
	// DefaultLibvirtSocket is the system libvirtd socket.
	DefaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"

	// DefaultConsoleDir holds the per-domain serial console logs the
	// definitions are expected to point their serial devices at.
	DefaultConsoleDir = "/var/log/pvc/console"

	// migrationPort is the fixed QEMU incoming-migration port on the
	// cluster network.
	migrationPort = 16509
)

// LibvirtDriver drives KVM domains over libvirtd's RPC socket, with
// live migration controlled through each domain's QMP monitor.
type LibvirtDriver struct {
	socket     string
	consoleDir string

	mu      sync.Mutex
	conn    *libvirt.Libvirt
	offsets map[string]int64 // console log read offset per domain
}

// NewLibvirtDriver connects to libvirtd at socket (DefaultLibvirtSocket
// if empty).
func NewLibvirtDriver(socket, consoleDir string) (*LibvirtDriver, error) {
	if socket == "" {
		socket = DefaultLibvirtSocket
	}
	if consoleDir == "" {
		consoleDir = DefaultConsoleDir
	}

	d := &LibvirtDriver{socket: socket, consoleDir: consoleDir, offsets: map[string]int64{}}
	if err := d.reconnect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *LibvirtDriver) reconnect() error {
	c, err := net.DialTimeout("unix", d.socket, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial libvirtd at %s: %w", d.socket, err)
	}
	l := libvirt.New(c)
	if err := l.Connect(); err != nil {
		return fmt.Errorf("libvirt connect: %w", err)
	}
	d.conn = l
	return nil
}

// lv returns the current connection, redialing once if the previous one
// went away.
func (d *LibvirtDriver) lv() (*libvirt.Libvirt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		select {
		case <-d.conn.Disconnected():
			d.conn = nil
		default:
			return d.conn, nil
		}
	}
	if err := d.reconnect(); err != nil {
		return nil, err
	}
	return d.conn, nil
}

func (d *LibvirtDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Disconnect()
	d.conn = nil
	return err
}

func (d *LibvirtDriver) Define(ctx context.Context, definition string) error {
	l, err := d.lv()
	if err != nil {
		return err
	}
	_, err = l.DomainDefineXML(definition)
	return err
}

func (d *LibvirtDriver) lookup(name string) (*libvirt.Libvirt, libvirt.Domain, error) {
	l, err := d.lv()
	if err != nil {
		return nil, libvirt.Domain{}, err
	}
	dom, err := l.DomainLookupByName(name)
	if err != nil {
		return nil, libvirt.Domain{}, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	return l, dom, nil
}

func (d *LibvirtDriver) Start(ctx context.Context, name string) error {
	l, dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	return l.DomainCreate(dom)
}

func (d *LibvirtDriver) Shutdown(ctx context.Context, name string) error {
	l, dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	return l.DomainShutdown(dom)
}

func (d *LibvirtDriver) Stop(ctx context.Context, name string) error {
	l, dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	return l.DomainDestroy(dom)
}

func (d *LibvirtDriver) Undefine(ctx context.Context, name string) error {
	l, dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	return l.DomainUndefine(dom)
}

func (d *LibvirtDriver) IsRunning(ctx context.Context, name string) (bool, error) {
	l, err := d.lv()
	if err != nil {
		return false, err
	}
	dom, err := l.DomainLookupByName(name)
	if err != nil {
		// An undefined domain is simply not running.
		return false, nil
	}
	state, _, err := l.DomainGetState(dom, 0)
	if err != nil {
		return false, err
	}
	return state == int32(libvirt.DomainRunning), nil
}

// Migrate drives a live migration over the cluster network through the
// domain's QMP monitor, polling query-migrate until the job completes
// or ctx's deadline fires.
func (d *LibvirtDriver) Migrate(ctx context.Context, name, targetAddr string) error {
	mon, err := qmp.NewSocketMonitor("unix", d.qmpSocket(name), 2*time.Second)
	if err != nil {
		return fmt.Errorf("qmp monitor for %s: %w", name, err)
	}
	if err := mon.Connect(); err != nil {
		return fmt.Errorf("qmp connect for %s: %w", name, err)
	}
	defer mon.Disconnect()

	uri := fmt.Sprintf("tcp:%s", net.JoinHostPort(targetAddr, fmt.Sprintf("%d", migrationPort)))
	cmd := fmt.Sprintf(`{"execute":"migrate","arguments":{"uri":%q}}`, uri)
	if _, err := mon.Run([]byte(cmd)); err != nil {
		return fmt.Errorf("start migration of %s: %w", name, err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Abort the in-flight migration so the source stays authoritative.
			_, _ = mon.Run([]byte(`{"execute":"migrate_cancel"}`))
			return fmt.Errorf("migration of %s: %w", name, ctx.Err())
		case <-ticker.C:
			status, err := migrationStatus(mon)
			if err != nil {
				return err
			}
			switch status {
			case "completed":
				return nil
			case "failed", "cancelled":
				return fmt.Errorf("migration of %s %s", name, status)
			}
		}
	}
}

func migrationStatus(mon *qmp.SocketMonitor) (string, error) {
	raw, err := mon.Run([]byte(`{"execute":"query-migrate"}`))
	if err != nil {
		return "", fmt.Errorf("query-migrate: %w", err)
	}
	var resp struct {
		Return struct {
			Status string `json:"status"`
		} `json:"return"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode query-migrate reply: %w", err)
	}
	return resp.Return.Status, nil
}

func (d *LibvirtDriver) qmpSocket(name string) string {
	return filepath.Join("/var/lib/libvirt/qemu", fmt.Sprintf("%s.monitor", name))
}

// ConsoleOutput tails the domain's serial console log from the offset
// of the previous call.
func (d *LibvirtDriver) ConsoleOutput(name string) ([]string, error) {
	path := filepath.Join(d.consoleDir, name+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	d.mu.Lock()
	offset := d.offsets[name]
	d.mu.Unlock()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < offset {
		// Log rotated underneath us.
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		offset += int64(len(scanner.Bytes())) + 1
	}
	if err := scanner.Err(); err != nil {
		vmLog := log.WithVM(name)
		vmLog.Warn().Err(err).Msg("console scan error")
	}

	d.mu.Lock()
	d.offsets[name] = offset
	d.mu.Unlock()

	return lines, nil
}
