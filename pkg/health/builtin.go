package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// builtinOptions is the options map shared by the builtin probe types.
type builtinOptions struct {
	Type string `mapstructure:"type"` // "http" | "tcp"

	// http
	URL               string `mapstructure:"url"`
	ExpectedStatusMin int    `mapstructure:"expected_status_min"`
	ExpectedStatusMax int    `mapstructure:"expected_status_max"`

	// tcp
	Address string `mapstructure:"address"`

	// shared
	Delta          int  `mapstructure:"delta"`            // charged when the probe fails
	SkipOnHandover bool `mapstructure:"skip_on_handover"` // suppress during takeover/relinquish
}

func newBuiltinPlugin(pc config.PluginConfig) (Plugin, error) {
	var opts builtinOptions
	if err := config.DecodePlugin(pc, &opts); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
	}
	if opts.Delta == 0 {
		opts.Delta = 10
	}

	switch opts.Type {
	case "http":
		if opts.ExpectedStatusMin == 0 {
			opts.ExpectedStatusMin = 200
		}
		if opts.ExpectedStatusMax == 0 {
			opts.ExpectedStatusMax = 399
		}
		return &HTTPPlugin{name: pc.Name, opts: opts}, nil
	case "tcp":
		return &TCPPlugin{name: pc.Name, opts: opts}, nil
	default:
		return nil, fmt.Errorf("plugin %s: unknown builtin probe type %q", pc.Name, opts.Type)
	}
}

// skipDuringHandover reports whether this probe should sit out the tick:
// transition states are visible here exactly so probes watching services
// the primary stops and starts don't alarm mid-handover.
func skipDuringHandover(opts builtinOptions, cs types.CoordinatorState) bool {
	return opts.SkipOnHandover &&
		(cs == types.CoordinatorTakeover || cs == types.CoordinatorRelinquish)
}

// HTTPPlugin probes a local HTTP endpoint and charges its delta when the
// response status falls outside the expected range.
type HTTPPlugin struct {
	name string
	opts builtinOptions
}

func (p *HTTPPlugin) Name() string                     { return p.name }
func (p *HTTPPlugin) Setup(ctx context.Context) error  { return nil }
func (p *HTTPPlugin) Cleanup(ctx context.Context) error { return nil }

func (p *HTTPPlugin) Run(ctx context.Context, coordinatorState types.CoordinatorState) types.PluginResult {
	if skipDuringHandover(p.opts, coordinatorState) {
		return types.PluginResult{Name: p.name, Message: "skipped during primary handover"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return types.PluginResult{Name: p.name, Delta: p.opts.Delta, Message: err.Error()}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return types.PluginResult{Name: p.name, Delta: p.opts.Delta, Message: fmt.Sprintf("GET %s: %v", p.opts.URL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < p.opts.ExpectedStatusMin || resp.StatusCode > p.opts.ExpectedStatusMax {
		return types.PluginResult{
			Name:    p.name,
			Delta:   p.opts.Delta,
			Message: fmt.Sprintf("GET %s: unexpected status %d", p.opts.URL, resp.StatusCode),
		}
	}
	return types.PluginResult{Name: p.name, Message: fmt.Sprintf("GET %s: %d", p.opts.URL, resp.StatusCode)}
}

// TCPPlugin probes a TCP listener and charges its delta when the
// connection cannot be established within the run deadline.
type TCPPlugin struct {
	name string
	opts builtinOptions
}

func (p *TCPPlugin) Name() string                      { return p.name }
func (p *TCPPlugin) Setup(ctx context.Context) error   { return nil }
func (p *TCPPlugin) Cleanup(ctx context.Context) error { return nil }

func (p *TCPPlugin) Run(ctx context.Context, coordinatorState types.CoordinatorState) types.PluginResult {
	if skipDuringHandover(p.opts, coordinatorState) {
		return types.PluginResult{Name: p.name, Message: "skipped during primary handover"}
	}

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", p.opts.Address)
	if err != nil {
		return types.PluginResult{Name: p.name, Delta: p.opts.Delta, Message: fmt.Sprintf("dial %s: %v", p.opts.Address, err)}
	}
	conn.Close()
	return types.PluginResult{Name: p.name, Message: fmt.Sprintf("dial %s: connected in %s", p.opts.Address, time.Since(start).Round(time.Millisecond))}
}
