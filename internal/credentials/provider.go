// Package credentials supplies per-plugin secrets that the supervisor injects
// into a plugin's environment at spawn time.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/mattjoyce/plughost/internal/config"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/mattjoyce/plughost/internal/credentials Provider

// Provider returns the secret key/value pairs for a plugin.
// A plugin with no secrets yields an empty map and no error.
type Provider interface {
	GetCredentials(ctx context.Context, plugin string) (map[string]string, error)
}

// ConfigProvider serves credentials declared under plugins.<name>.credentials.
type ConfigProvider struct {
	plugins map[string]map[string]string
}

// NewConfigProvider snapshots credentials from cfg.
func NewConfigProvider(cfg *config.Config) *ConfigProvider {
	p := &ConfigProvider{plugins: make(map[string]map[string]string)}
	if cfg == nil {
		return p
	}
	for name, pc := range cfg.Plugins {
		if len(pc.Credentials) == 0 {
			continue
		}
		p.plugins[name] = maps.Clone(pc.Credentials)
	}
	return p
}

func (p *ConfigProvider) GetCredentials(_ context.Context, plugin string) (map[string]string, error) {
	return maps.Clone(p.plugins[plugin]), nil
}

// Chain merges several providers. Later providers override keys from earlier ones.
// Every provider is consulted; errors are joined but partial results are still returned.
type Chain []Provider

func (c Chain) GetCredentials(ctx context.Context, plugin string) (map[string]string, error) {
	out := make(map[string]string)
	var errs []error
	for i, p := range c {
		if p == nil {
			continue
		}
		creds, err := p.GetCredentials(ctx, plugin)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
			continue
		}
		maps.Copy(out, creds)
	}
	return out, errors.Join(errs...)
}

// Missing returns the required keys absent from creds, in declaration order.
func Missing(required []string, creds map[string]string) []string {
	var out []string
	for _, key := range required {
		if _, ok := creds[key]; !ok {
			out = append(out, key)
		}
	}
	return out
}
