package project

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antoniostano/concierge/internal/media"
	"github.com/antoniostano/concierge/internal/prompt"
	"github.com/antoniostano/concierge/internal/retrieval"
)

// ErrUnknownProject is returned when a turn names a project that is not registered.
var ErrUnknownProject = errors.New("unknown project")

const (
	DefaultTopK = 5
	MaxTopK     = 20
)

// Config is one project's bundle. It is never mutated after the registry is built.
type Config struct {
	ID            string
	DisplayName   string
	KnowledgeBase retrieval.Index
	Template      *prompt.Template
	Media         media.Map
	Greeting      string
	TopK          int
}

// Summary is the public view of a project.
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func DefaultGreeting(displayName string) string {
	return fmt.Sprintf("Hi! I'm your assistant for %s. Ask me anything!", displayName)
}

// Registry maps project ids to their configuration.
type Registry struct {
	projects map[string]*Config
	summary  []Summary
}

func NewRegistry(configs ...*Config) (*Registry, error) {
	r := &Registry{projects: make(map[string]*Config, len(configs))}
	for _, cfg := range configs {
		if cfg == nil {
			return nil, errors.New("nil project config")
		}
		id := normalizeID(cfg.ID)
		if id == "" {
			return nil, errors.New("project id is required")
		}
		if _, dup := r.projects[id]; dup {
			return nil, fmt.Errorf("duplicate project id %q", cfg.ID)
		}
		if strings.TrimSpace(cfg.DisplayName) == "" {
			return nil, fmt.Errorf("project %s: display name is required", cfg.ID)
		}
		if cfg.Template == nil {
			return nil, fmt.Errorf("project %s: template is required", cfg.ID)
		}
		c := *cfg
		c.ID = id
		if c.KnowledgeBase == nil {
			c.KnowledgeBase = retrieval.EmptyIndex{}
		}
		if c.TopK == 0 {
			c.TopK = DefaultTopK
		}
		if c.TopK < 1 || c.TopK > MaxTopK {
			return nil, fmt.Errorf("project %s: top_k must be in [1,%d], got %d", cfg.ID, MaxTopK, c.TopK)
		}
		if strings.TrimSpace(c.Greeting) == "" {
			c.Greeting = DefaultGreeting(c.DisplayName)
		}
		r.projects[id] = &c
		r.summary = append(r.summary, Summary{ID: id, DisplayName: c.DisplayName})
	}
	sort.Slice(r.summary, func(i, j int) bool { return r.summary[i].ID < r.summary[j].ID })
	return r, nil
}

// Resolve looks up a project by id, ignoring case and surrounding whitespace.
func (r *Registry) Resolve(id string) (*Config, error) {
	cfg, ok := r.projects[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, id)
	}
	return cfg, nil
}

func (r *Registry) List() []Summary {
	out := make([]Summary, len(r.summary))
	copy(out, r.summary)
	return out
}

func (r *Registry) Len() int { return len(r.projects) }

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
