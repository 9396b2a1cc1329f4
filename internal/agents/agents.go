// Package agents defines the panel of LLM-backed participants: stable ids,
// roles, model identities, standing instructions and output limits. The
// panel is loaded once from a YAML file before any run and is read-only
// afterwards; there is no hot reload.
package agents

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a participant id has no configuration.
var ErrNotFound = errors.New("participant not configured")

// Role determines a participant's place in the pipeline and its policy
// treatment (temperature forcing, search eligibility).
type Role string

const (
	// RoleClassifier labels the proposal category. Always temperature 0.
	RoleClassifier Role = "classifier"
	// RoleSummarizer condenses the proposal content. Always temperature 0.
	RoleSummarizer Role = "summarizer"
	// RoleExpert participates in discussion rounds. The only role that may
	// use web search.
	RoleExpert Role = "expert"
	// RoleScorer produces the per-iteration feasibility judgment. Never
	// uses search.
	RoleScorer Role = "scorer"
)

// Participant is one panel member's configuration.
type Participant struct {
	ID              string `yaml:"id"`
	DisplayName     string `yaml:"name"`
	Role            Role   `yaml:"role"`
	Model           string `yaml:"model"`
	Instructions    string `yaml:"instructions"`
	PromptTemplate  string `yaml:"prompt"`
	ResponseFormat  string `yaml:"format"` // "text" (default) or "json"
	MaxOutputTokens int    `yaml:"maxOutputTokens"`
}

// JSONOutput reports whether the participant declares structured output,
// which enables code-fence stripping on its responses.
func (p Participant) JSONOutput() bool {
	return p.ResponseFormat == "json"
}

// Panel is the parsed participant configuration file.
type Panel struct {
	DefaultModel string        `yaml:"defaultModel"`
	Participants []Participant `yaml:"participants"`
}

// Registry resolves participant ids to their configuration.
type Registry struct {
	byID  map[string]Participant
	order []string // file order, drives expert speaking order
}

// Load reads and parses the panel file, applies defaults, and builds a
// registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read panel config: %w", err)
	}

	var panel Panel
	if err := yaml.Unmarshal(data, &panel); err != nil {
		return nil, fmt.Errorf("parse panel config: %w", err)
	}
	return NewRegistry(panel)
}

// NewRegistry builds a registry from an already-parsed panel, applying
// defaults and validating ids.
func NewRegistry(panel Panel) (*Registry, error) {
	r := &Registry{byID: make(map[string]Participant, len(panel.Participants))}

	for _, p := range panel.Participants {
		if p.ID == "" {
			return nil, fmt.Errorf("participant with empty id (name %q)", p.DisplayName)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate participant id %q", p.ID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		if p.Model == "" {
			p.Model = panel.DefaultModel
		}
		if p.ResponseFormat == "" {
			p.ResponseFormat = "text"
		}
		if p.MaxOutputTokens == 0 {
			p.MaxOutputTokens = 2048
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}

	if len(r.byID) == 0 {
		return nil, errors.New("panel config has no participants")
	}
	return r, nil
}

// Get returns the configuration for id, or ErrNotFound.
func (r *Registry) Get(id string) (Participant, error) {
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// DisplayName returns the participant's display name, falling back to the
// raw id when the participant is unknown.
func (r *Registry) DisplayName(id string) string {
	if p, ok := r.byID[id]; ok {
		return p.DisplayName
	}
	return id
}

// Experts returns the ids of expert-role participants in file order. File
// order is the speaking order within a discussion turn.
func (r *Registry) Experts() []string {
	var ids []string
	for _, id := range r.order {
		if r.byID[id].Role == RoleExpert {
			ids = append(ids, id)
		}
	}
	return ids
}

// FirstByRole returns the first participant with the given role in file
// order, or ErrNotFound. Used to locate the classifier, summarizer and
// scorer, which are singletons in practice.
func (r *Registry) FirstByRole(role Role) (Participant, error) {
	for _, id := range r.order {
		if p := r.byID[id]; p.Role == role {
			return p, nil
		}
	}
	return Participant{}, fmt.Errorf("%w: no participant with role %q", ErrNotFound, role)
}

// Render substitutes {{key}} placeholders in a prompt template. Unknown
// placeholders are left intact so a missing binding is visible in the
// rendered prompt rather than silently blanked.
func Render(template string, bindings map[string]string) string {
	out := template
	for key, value := range bindings {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
