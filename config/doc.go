// Package config provides raw configuration loaders for core.CfgxConfigProvider.
//
// Loaders return nested maps keyed by the mapstructure tags of core.Config.
// EnvLoader reads the process environment and optional .env files, FileLoader
// reads YAML, and ChainLoader merges several loaders with later ones winning.
package config
