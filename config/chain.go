package config

import (
	"context"

	"github.com/goliatone/go-helpdesk-bridge/core"
)

// ChainLoader merges loaders in order. Later loaders win key by key, and
// nested sections are merged rather than replaced.
type ChainLoader struct {
	Loaders []core.RawConfigLoader
}

func NewChainLoader(loaders ...core.RawConfigLoader) *ChainLoader {
	return &ChainLoader{Loaders: loaders}
}

func (c *ChainLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if c == nil {
		return out, nil
	}
	for _, loader := range c.Loaders {
		if loader == nil {
			continue
		}
		values, err := loader.LoadRaw(ctx)
		if err != nil {
			return nil, err
		}
		mergeInto(out, values)
	}
	return out, nil
}

// Load is the usual process setup: an optional YAML file overlaid by the
// environment and the given .env files.
func Load(ctx context.Context, path string, envFiles ...string) (core.Config, error) {
	var loaders []core.RawConfigLoader
	if path != "" {
		loaders = append(loaders, NewFileLoader(path))
	}
	loaders = append(loaders, NewEnvLoader(envFiles...))
	provider := core.NewCfgxConfigProvider(NewChainLoader(loaders...))
	return core.ResolveConfig(ctx, provider, nil, core.Config{})
}

func mergeInto(dst map[string]any, src map[string]any) {
	for key, value := range src {
		incoming, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		existing, ok := dst[key].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[key] = existing
		}
		mergeInto(existing, incoming)
	}
}
