// Package persona manages the bot participants that can be attached to rooms.
package persona

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"roomchat/internal/domain"
)

// DefaultName is the built-in persona used when a room names none.
const DefaultName = "assistant"

// Persona describes one bot participant.
type Persona struct {
	Name            string   `yaml:"name" json:"name"`
	DisplayName     string   `yaml:"displayName" json:"display_name"`
	AvatarURL       string   `yaml:"avatarUrl" json:"avatar_url,omitempty"`
	Provider        string   `yaml:"provider" json:"provider,omitempty"`
	Model           string   `yaml:"model" json:"model,omitempty"`
	Temperature     float64  `yaml:"temperature" json:"temperature,omitempty"`
	SystemPrompt    string   `yaml:"systemPrompt" json:"-"`
	AllowedCommands []string `yaml:"allowedCommands" json:"allowed_commands,omitempty"`
	BuiltIn         bool     `yaml:"-" json:"built_in"`
}

// UserID is the id the persona posts under.
func (p Persona) UserID() string { return "bot:" + p.Name }

// User returns the user record for the persona.
func (p Persona) User() domain.User {
	name := p.DisplayName
	if name == "" {
		name = p.Name
	}
	return domain.User{
		ID:          p.UserID(),
		DisplayName: name,
		AvatarURL:   p.AvatarURL,
		IsBot:       true,
	}
}

// Registry holds the known personas.
type Registry struct {
	personas map[string]Persona
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		personas: make(map[string]Persona),
		logger:   logger,
	}
}

// Register adds or replaces a persona.
func (r *Registry) Register(p Persona) error {
	if p.Name == "" {
		return fmt.Errorf("persona name is required: %w", domain.ErrInvalid)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("persona %s: temperature must be between 0 and 2: %w", p.Name, domain.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.personas[p.Name]; exists {
		r.logger.Info("persona updated", "name", p.Name)
	} else {
		r.logger.Debug("persona registered", "name", p.Name)
	}
	r.personas[p.Name] = p
	return nil
}

// Get returns the persona by name. A bot user id ("bot:<name>") is accepted too.
func (r *Registry) Get(name string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.personas[name]; ok {
		return p, true
	}
	for _, p := range r.personas {
		if p.UserID() == name {
			return p, true
		}
	}
	return Persona{}, false
}

// List returns all personas sorted by name.
func (r *Registry) List() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// RegisterBuiltins loads the built-in personas.
func (r *Registry) RegisterBuiltins() {
	builtins := []Persona{
		{
			Name:         DefaultName,
			DisplayName:  "Assistant",
			Temperature:  0.7,
			SystemPrompt: "You are a friendly chat companion in a small group chat. Keep replies conversational and short, like text messages.",
			BuiltIn:      true,
		},
	}
	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			r.logger.Warn("cannot register built-in persona", "name", p.Name, "err", err)
		}
	}
}

// Sync upserts a bot user for every registered persona.
func (r *Registry) Sync(ctx context.Context, users domain.UserStore) error {
	for _, p := range r.List() {
		if err := users.UpsertUser(ctx, p.User()); err != nil {
			return fmt.Errorf("upsert bot user %s: %w", p.Name, err)
		}
	}
	return nil
}
