// Package whois provides the whois_parser builtin plugin, which records the
// registrant and registration dates of a domain.
package whois

import (
	"context"
	"time"

	likewhois "github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/plugin"
)

const (
	// ID is the builtin identifier.
	ID = "whois_parser"

	// Version of the plugin.
	Version = "1.0.1"

	// DefaultTimeout bounds one WHOIS exchange.
	DefaultTimeout = 15 * time.Second

	// CacheTTL is how long successful lookups are cached.
	CacheTTL = 86400 * time.Second

	// ErrorCacheTTL is how long failed lookups are cached.
	ErrorCacheTTL = 3600 * time.Second
)

// LookupFunc returns the raw WHOIS response for domain.
type LookupFunc func(ctx context.Context, domain string) (string, error)

// Plugin performs WHOIS lookups.
type Plugin struct {
	name   string
	lookup LookupFunc
	cache  plugin.Cache
	logger core.Logger
	now    func() time.Time
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

// New builds the plugin with a network lookup. Params: timeout and server
// (a WHOIS host that overrides referral discovery).
func New(m *plugin.Manifest, deps plugin.Deps) (plugin.Plugin, error) {
	timeout, err := m.ParamDuration("timeout", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return NewWithLookup(m, deps, NetworkLookup(timeout, m.ParamString("server", ""))), nil
}

// NewWithLookup builds the plugin around lookup.
func NewWithLookup(m *plugin.Manifest, deps plugin.Deps, lookup LookupFunc) *Plugin {
	deps = deps.WithDefaults()
	name := m.Name
	if name == "" {
		name = ID
	}
	return &Plugin{
		name:   name,
		lookup: lookup,
		cache:  deps.Cache,
		logger: deps.Logger,
		now:    deps.Now,
	}
}

// NetworkLookup queries WHOIS servers over TCP port 43.
func NetworkLookup(timeout time.Duration, server string) LookupFunc {
	client := likewhois.NewClient().SetTimeout(timeout)
	return func(ctx context.Context, domain string) (string, error) {
		type result struct {
			text string
			err  error
		}
		done := make(chan result, 1)
		go func() {
			var servers []string
			if server != "" {
				servers = append(servers, server)
			}
			text, err := client.Whois(domain, servers...)
			done <- result{text, err}
		}()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case r := <-done:
			return r.text, r.err
		}
	}
}

func (p *Plugin) Name() string              { return p.name }
func (p *Plugin) Version() string           { return Version }
func (p *Plugin) InputsSupported() []string { return []string{"domain"} }

// Run returns a single whois_record finding. Failed lookups are reported
// with confidence 0.0 and cached for ErrorCacheTTL.
func (p *Plugin) Run(ctx context.Context, target string) ([]finding.Candidate, error) {
	key := "whois:" + target

	var cached []finding.Candidate
	if ok, err := p.cache.GetInto(key, &cached); err != nil {
		p.logger.Warn("[%s] cache read for %s: %v", p.name, key, err)
	} else if ok && len(cached) > 0 {
		p.logger.Debug("[%s] cache hit for %s", p.name, target)
		return cached, nil
	}

	p.logger.Info("[%s] querying WHOIS for %s", p.name, target)
	scannedAt := p.now()

	info, err := p.query(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Error("[%s] WHOIS failed for %s: %v", p.name, target, err)
		return p.store(key, ErrorCacheTTL, finding.Finding{
			Target:     target,
			ScannedAt:  scannedAt,
			Module:     p.name,
			Type:       "whois_record",
			Confidence: 0.0,
			Priority:   1,
			Evidence:   []finding.Evidence{{Label: "error", Value: err.Error()}},
			Meta:       map[string]any{finding.MetaSource: ID, finding.MetaTTLSeconds: 86400},
		})
	}

	registrant, creation, expiration := summarize(info)
	p.logger.Info("[%s] completed WHOIS for %s", p.name, target)
	return p.store(key, CacheTTL, finding.Finding{
		Target:     target,
		ScannedAt:  scannedAt,
		Module:     p.name,
		Type:       "whois_record",
		Confidence: 0.8,
		Priority:   6,
		Evidence: []finding.Evidence{
			{Label: "registrant", Value: registrant},
			{Label: "creation_date", Value: creation},
			{Label: "expiration_date", Value: expiration},
		},
		Meta: map[string]any{finding.MetaSource: ID, finding.MetaTTLSeconds: 86400},
	})
}

func (p *Plugin) query(ctx context.Context, target string) (whoisparser.WhoisInfo, error) {
	raw, err := p.lookup(ctx, target)
	if err != nil {
		return whoisparser.WhoisInfo{}, err
	}
	return whoisparser.Parse(raw)
}

func (p *Plugin) store(key string, ttl time.Duration, f finding.Finding) ([]finding.Candidate, error) {
	candidates, err := finding.Encode(f)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(key, candidates, ttl); err != nil {
		p.logger.Warn("[%s] cache write for %s: %v", p.name, key, err)
	}
	return candidates, nil
}

// summarize picks the registrant organization, falling back to its name,
// and the registration dates as reported by the registry.
func summarize(info whoisparser.WhoisInfo) (registrant, creation, expiration string) {
	registrant, creation, expiration = "Unknown", "N/A", "N/A"

	if c := info.Registrant; c != nil {
		switch {
		case c.Organization != "":
			registrant = c.Organization
		case c.Name != "":
			registrant = c.Name
		}
	}
	if d := info.Domain; d != nil {
		if d.CreatedDate != "" {
			creation = d.CreatedDate
		}
		if d.ExpirationDate != "" {
			expiration = d.ExpirationDate
		}
	}
	return registrant, creation, expiration
}
