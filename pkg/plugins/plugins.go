// Package plugins registers the data-collection plugins compiled into
// reconx.
package plugins

import (
	"github.com/exploopio/reconx/pkg/plugin"
	"github.com/exploopio/reconx/pkg/plugins/crtsh"
	"github.com/exploopio/reconx/pkg/plugins/dnsbasic"
	"github.com/exploopio/reconx/pkg/plugins/whois"
)

// Register adds the shipped plugins to b.
func Register(b *plugin.Builtins) error {
	builtins := []struct {
		id       string
		factory  plugin.Factory
		manifest plugin.Manifest
	}{
		{dnsbasic.ID, dnsbasic.New, dnsbasic.Manifest()},
		{crtsh.ID, crtsh.New, crtsh.Manifest()},
		{whois.ID, whois.New, whois.Manifest()},
	}
	for _, bi := range builtins {
		if err := b.Register(bi.id, bi.factory, bi.manifest); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltins returns a builtin set holding the shipped plugins.
func NewBuiltins() *plugin.Builtins {
	b := plugin.NewBuiltins()
	// Register only fails on an empty id or nil factory.
	_ = Register(b)
	return b
}
