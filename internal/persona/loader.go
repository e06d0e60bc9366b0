package persona

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromDirectory loads persona definitions from YAML files in a directory.
// A missing directory is not an error. Files that fail to parse are skipped.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]Persona, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("persona directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var personas []Persona
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read persona file", "path", path, "err", err)
			continue
		}

		var p Persona
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse persona file", "path", path, "err", err)
			continue
		}

		if p.Name == "" {
			p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}

		logger.Info("loaded persona", "name", p.Name, "path", path)
		personas = append(personas, p)
	}

	return personas, nil
}

// Load registers the built-ins and every persona found in dir.
func (r *Registry) Load(dir string) error {
	r.RegisterBuiltins()
	personas, err := LoadFromDirectory(dir, r.logger)
	if err != nil {
		return err
	}
	for _, p := range personas {
		if err := r.Register(p); err != nil {
			r.logger.Warn("skipping persona", "name", p.Name, "err", err)
		}
	}
	return nil
}

// WriteExample writes a sample persona file, used by `roomchat init`.
func WriteExample(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create persona dir: %w", err)
	}
	path := filepath.Join(dir, "sunny.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	example := Persona{
		Name:            "sunny",
		DisplayName:     "Sunny",
		Temperature:     0.9,
		SystemPrompt:    "You are Sunny, an upbeat friend who loves small talk.",
		AllowedCommands: []string{"rename-room"},
	}
	data, err := yaml.Marshal(example)
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o644)
}
