package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// FileLoader reads a YAML document. ${VAR} references are expanded from the
// environment before parsing.
type FileLoader struct {
	Path     string
	Optional bool
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

func (l *FileLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l == nil || l.Path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if l.Optional && errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", l.Path, err)
	}
	return parseYAML(data, l.Path)
}

func parseYAML(data []byte, source string) (map[string]any, error) {
	out := map[string]any{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &out); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", source, err)
	}
	return out, nil
}
