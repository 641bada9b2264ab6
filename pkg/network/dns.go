package network

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

const defaultUpstream = "9.9.9.9:53"

// DNSDispatcher answers hostname queries for one managed network from
// its static leases, forwarding everything else upstream. Run only on
// the primary coordinator alongside the DHCP dispatcher.
type DNSDispatcher struct {
	net      *types.Network
	domain   string
	upstream string
	logger   zerolog.Logger
	server   *dns.Server
}

// NewDNSDispatcher prepares a dispatcher for n, answering under
// "<domain>." (default "pvc.local").
func NewDNSDispatcher(n *types.Network, domain string) *DNSDispatcher {
	if domain == "" {
		domain = "pvc.local"
	}
	return &DNSDispatcher{
		net:      n,
		domain:   dns.Fqdn(domain),
		upstream: defaultUpstream,
		logger:   log.WithComponent("dns").With().Int("vni", n.VNI).Logger(),
	}
}

// Serve binds the network's gateway address and blocks until Stop.
func (d *DNSDispatcher) Serve() error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", d.handle)

	d.server = &dns.Server{
		Addr:    net.JoinHostPort(d.net.Gateway, "53"),
		Net:     "udp",
		Handler: mux,
	}
	d.logger.Info().Str("addr", d.server.Addr).Msg("dns dispatcher started")
	return d.server.ListenAndServe()
}

// Stop shuts the listener down.
func (d *DNSDispatcher) Stop() {
	if d.server != nil {
		_ = d.server.Shutdown()
	}
	d.logger.Info().Msg("dns dispatcher stopped")
}

func (d *DNSDispatcher) handle(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 0 {
		return
	}
	q := req.Question[0]

	if q.Qtype == dns.TypeA && strings.HasSuffix(strings.ToLower(q.Name), d.domain) {
		d.answerLocal(w, req, q)
		return
	}
	d.forward(w, req)
}

func (d *DNSDispatcher) answerLocal(w dns.ResponseWriter, req *dns.Msg, q dns.Question) {
	host := strings.TrimSuffix(strings.ToLower(q.Name), "."+d.domain)
	host = strings.TrimSuffix(host, ".")

	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true

	for _, lease := range d.net.Leases {
		if strings.ToLower(lease.Hostname) != host {
			continue
		}
		ip := net.ParseIP(lease.IP)
		if ip == nil {
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip.String()))
		if err == nil {
			m.Answer = append(m.Answer, rr)
		}
	}

	if len(m.Answer) == 0 {
		m.SetRcode(req, dns.RcodeNameError)
	}
	_ = w.WriteMsg(m)
}

func (d *DNSDispatcher) forward(w dns.ResponseWriter, req *dns.Msg) {
	c := new(dns.Client)
	resp, _, err := c.Exchange(req, d.upstream)
	if err != nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}
	_ = w.WriteMsg(resp)
}
