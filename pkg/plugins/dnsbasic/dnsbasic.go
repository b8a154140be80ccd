// Package dnsbasic provides the dns_basic builtin plugin, which records the
// A, AAAA, MX, NS and TXT records of a domain.
package dnsbasic

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/plugin"
)

const (
	// ID is the builtin identifier.
	ID = "dns_basic"

	// Version of the plugin.
	Version = "1.0.0"

	// DefaultTimeout bounds each query.
	DefaultTimeout = 3 * time.Second

	// FallbackResolver is used when /etc/resolv.conf cannot be read.
	FallbackResolver = "8.8.8.8:53"

	// ResolvConf is where the system resolver is read from.
	ResolvConf = "/etc/resolv.conf"
)

// RecordTypes are queried in this order, one finding each.
var RecordTypes = []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeNS, dns.TypeTXT}

// Plugin queries a single resolver.
type Plugin struct {
	name     string
	resolver string
	client   *dns.Client
	logger   core.Logger
	now      func() time.Time
}

// Manifest is the manifest written by `reconx init`.
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:            ID,
		Version:         Version,
		InputsSupported: []string{"domain"},
		Params:          map[string]any{"timeout": DefaultTimeout.String()},
	}
}

// New builds the plugin. Params: resolver (host:port) and timeout.
func New(m *plugin.Manifest, deps plugin.Deps) (plugin.Plugin, error) {
	deps = deps.WithDefaults()

	timeout, err := m.ParamDuration("timeout", DefaultTimeout)
	if err != nil {
		return nil, err
	}

	resolver := m.ParamString("resolver", "")
	if resolver == "" {
		resolver = systemResolver()
	}
	if _, _, err := net.SplitHostPort(resolver); err != nil {
		resolver = net.JoinHostPort(resolver, "53")
	}

	name := m.Name
	if name == "" {
		name = ID
	}

	return &Plugin{
		name:     name,
		resolver: resolver,
		client:   &dns.Client{Timeout: timeout},
		logger:   deps.Logger,
		now:      deps.Now,
	}, nil
}

func systemResolver() string {
	conf, err := dns.ClientConfigFromFile(ResolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return FallbackResolver
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

func (p *Plugin) Name() string              { return p.name }
func (p *Plugin) Version() string           { return Version }
func (p *Plugin) InputsSupported() []string { return []string{"domain"} }

// Resolver returns the host:port queries are sent to.
func (p *Plugin) Resolver() string { return p.resolver }

// Run issues one query per record type. A failed query yields a finding
// with no values and confidence 0.5.
func (p *Plugin) Run(ctx context.Context, target string) ([]finding.Candidate, error) {
	p.logger.Info("[%s] resolving %s via %s", p.name, target, p.resolver)

	scannedAt := p.now()
	findings := make([]finding.Finding, 0, len(RecordTypes))
	for _, qtype := range RecordTypes {
		kind := dns.TypeToString[qtype]

		values, err := p.query(ctx, target, qtype)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("[%s] no %s record for %s: %v", p.name, kind, target, err)
		}

		confidence := 0.5
		if len(values) > 0 {
			confidence = 0.9
		}
		findings = append(findings, finding.Finding{
			Target:     target,
			ScannedAt:  scannedAt,
			Module:     p.name,
			Type:       "dns_" + strings.ToLower(kind),
			Confidence: confidence,
			Priority:   5,
			Evidence:   []finding.Evidence{{Label: kind, Value: values}},
			Meta: map[string]any{
				finding.MetaSource:     ID,
				finding.MetaTTLSeconds: 86400,
			},
		})
	}

	p.logger.Info("[%s] resolved %s", p.name, target)
	return finding.Encode(findings...)
}

func (p *Plugin) query(ctx context.Context, target string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(target), qtype)
	msg.RecursionDesired = true

	resp, _, err := p.client.ExchangeContext(ctx, msg, p.resolver)
	if err != nil {
		return []string{}, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return []string{}, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}

	values := []string{}
	for _, rr := range resp.Answer {
		if rr.Header().Rrtype != qtype {
			continue
		}
		if v := rdata(rr); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return values, fmt.Errorf("empty answer")
	}
	return values, nil
}

// rdata renders the data part of rr in zone-file presentation.
func rdata(rr dns.RR) string {
	switch r := rr.(type) {
	case *dns.A:
		return r.A.String()
	case *dns.AAAA:
		return r.AAAA.String()
	case *dns.MX:
		return strconv.Itoa(int(r.Preference)) + " " + r.Mx
	case *dns.NS:
		return r.Ns
	case *dns.TXT:
		quoted := make([]string, len(r.Txt))
		for i, s := range r.Txt {
			quoted[i] = strconv.Quote(s)
		}
		return strings.Join(quoted, " ")
	default:
		return ""
	}
}
