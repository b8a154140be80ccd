// Package crtsh provides the crtsh_lookup builtin plugin, which lists the
// certificates crt.sh has logged for a domain.
package crtsh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/reconx/pkg/core"
	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
	"github.com/exploopio/reconx/pkg/plugin"
	"github.com/exploopio/reconx/pkg/retry"
)

const (
	// ID is the builtin identifier.
	ID = "crtsh_lookup"

	// Version of the plugin.
	Version = "1.1.0"

	// DefaultBaseURL is the crt.sh endpoint.
	DefaultBaseURL = "https://crt.sh"

	// DefaultTimeout bounds each request.
	DefaultTimeout = 10 * time.Second

	// DefaultRate is the request rate per second shared by all runs.
	DefaultRate = 1.0

	// DefaultRetries is how many times a failed request is retried.
	DefaultRetries = 2

	// DefaultRetryBackoff is the wait before the first retry. It doubles
	// on each following one.
	DefaultRetryBackoff = time.Second

	// CacheTTL is how long successful lookups are cached.
	CacheTTL = 86400 * time.Second

	source = "crt.sh"
)

// Plugin queries crt.sh.
type Plugin struct {
	name    string
	baseURL string
	timeout time.Duration
	limiter *rate.Limiter
	retries int
	backoff *retry.BackoffConfig

	client *http.Client
	cache  plugin.Cache
	logger core.Logger
	now    func() time.Time
}

// entry is one row of crt.sh's JSON output. Only the fields we report are
// decoded.
type entry struct {
	CommonName string `json:"common_name"`
	IssuerName any    `json:"issuer_name"`
	NotAfter   any    `json:"not_after"`
}

// Manifest is the manifest written by `reconx init`.
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:            ID,
		Version:         Version,
		InputsSupported: []string{"domain"},
		Params: map[string]any{
			"base_url": DefaultBaseURL,
			"timeout":  DefaultTimeout.String(),
			"retries":  DefaultRetries,
		},
	}
}

// New builds the plugin. Params: base_url, timeout, rate (requests per
// second), retries and retry_backoff.
func New(m *plugin.Manifest, deps plugin.Deps) (plugin.Plugin, error) {
	deps = deps.WithDefaults()

	timeout, err := m.ParamDuration("timeout", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	rps, err := m.ParamFloat("rate", DefaultRate)
	if err != nil {
		return nil, err
	}
	retries, err := m.ParamInt("retries", DefaultRetries)
	if err != nil {
		return nil, err
	}
	base, err := m.ParamDuration("retry_backoff", DefaultRetryBackoff)
	if err != nil {
		return nil, err
	}
	backoff := retry.DefaultBackoffConfig()
	backoff.BaseInterval = base

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	name := m.Name
	if name == "" {
		name = ID
	}

	return &Plugin{
		name:    name,
		baseURL: strings.TrimRight(m.ParamString("base_url", DefaultBaseURL), "/"),
		timeout: timeout,
		limiter: rate.NewLimiter(limit, 1),
		retries: retries,
		backoff: backoff,
		client:  deps.HTTPClient,
		cache:   deps.Cache,
		logger:  deps.Logger,
		now:     deps.Now,
	}, nil
}

func (p *Plugin) Name() string              { return p.name }
func (p *Plugin) Version() string           { return Version }
func (p *Plugin) InputsSupported() []string { return []string{"domain"} }

// Run returns one certificate finding per distinct common name. A failed
// request yields a single confidence 0.0 finding that is not cached.
func (p *Plugin) Run(ctx context.Context, target string) ([]finding.Candidate, error) {
	key := "crtsh:" + target

	var cached []finding.Candidate
	if ok, err := p.cache.GetInto(key, &cached); err != nil {
		p.logger.Warn("[%s] cache read for %s: %v", p.name, key, err)
	} else if ok && len(cached) > 0 {
		p.logger.Debug("[%s] cache hit for %s", p.name, target)
		return cached, nil
	}

	p.logger.Info("[%s] searching certificates for %s", p.name, target)
	scannedAt := p.now()

	var entries []entry
	err := retry.Do(ctx, p.backoff, p.retries, func(ctx context.Context) error {
		var ferr error
		entries, ferr = p.fetch(ctx, target)
		if ferr == nil {
			return nil
		}
		if up, ok := errors.IsUpstreamError(ferr); ok && !up.Retryable() {
			return retry.Permanent(ferr)
		}
		if ctx.Err() == nil {
			p.logger.Debug("[%s] attempt failed for %s: %v", p.name, target, ferr)
		}
		return ferr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Error("[%s] request failed: %v", p.name, err)
		return finding.Encode(finding.Finding{
			Target:     target,
			ScannedAt:  scannedAt,
			Module:     p.name,
			Type:       "certificate",
			Confidence: 0.0,
			Priority:   2,
			Evidence:   []finding.Evidence{{Label: "error", Value: err.Error()}},
			Meta:       map[string]any{finding.MetaSource: ID, finding.MetaTTLSeconds: 86400},
		})
	}

	seen := make(map[string]struct{})
	var findings []finding.Finding
	for _, e := range entries {
		if e.CommonName == "" {
			continue
		}
		if _, dup := seen[e.CommonName]; dup {
			continue
		}
		seen[e.CommonName] = struct{}{}

		findings = append(findings, finding.Finding{
			Target:     target,
			ScannedAt:  scannedAt,
			Module:     p.name,
			Type:       "certificate",
			Confidence: 0.8,
			Priority:   6,
			Evidence: []finding.Evidence{
				{Label: "common_name", Value: e.CommonName},
				{Label: "issuer_name", Value: e.IssuerName},
				{Label: "not_after", Value: e.NotAfter},
			},
			Meta: map[string]any{finding.MetaSource: source, finding.MetaTTLSeconds: 86400},
		})
	}

	candidates, err := finding.Encode(findings...)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(key, candidates, CacheTTL); err != nil {
		p.logger.Warn("[%s] cache write for %s: %v", p.name, key, err)
	}
	p.logger.Info("[%s] found %d certificates for %s", p.name, len(candidates), target)
	return candidates, nil
}

func (p *Plugin) fetch(ctx context.Context, target string) ([]entry, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("q", target)
	q.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &errors.UpstreamError{
			Service:    source,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var entries []entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode %s response: %w", source, err))
	}
	return entries, nil
}
