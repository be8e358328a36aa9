package dialogue

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley"
)

// RosterParticipant is one participant definition from a roster file.
// Binding is a "provider:model" selection string.
type RosterParticipant struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Binding      string `yaml:"binding"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Roster is a declarative dialogue configuration.
type Roster struct {
	Conversation string              `yaml:"conversation"`
	Prompt       string              `yaml:"prompt"`
	Participants []RosterParticipant `yaml:"participants"`
}

// ProviderFactory builds a provider from the parsed halves of a binding
// string.
type ProviderFactory func(provider, model string) (parley.Provider, error)

// LoadRoster reads and validates a YAML roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dialogue: read roster: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes and validates YAML roster bytes.
func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dialogue: parse roster: %w", err)
	}
	if len(r.Participants) < 2 {
		return nil, ErrNotEnoughParticipants
	}
	for i, p := range r.Participants {
		if p.Binding == "" {
			return nil, fmt.Errorf("dialogue: participant %d has no binding", i)
		}
	}
	return &r, nil
}

// Resolve turns roster definitions into participants, constructing each
// provider through the factory. Binding errors are reported synchronously
// before any task is spawned.
func (r *Roster) Resolve(factory ProviderFactory) ([]Participant, error) {
	participants := make([]Participant, 0, len(r.Participants))
	for _, rp := range r.Participants {
		providerName, model, err := SplitBinding(rp.Binding)
		if err != nil {
			return nil, err
		}
		provider, err := factory(providerName, model)
		if err != nil {
			return nil, fmt.Errorf("dialogue: binding %q: %w", rp.Binding, err)
		}
		participants = append(participants, Participant{
			ID:           rp.ID,
			DisplayName:  rp.Name,
			SystemPrompt: rp.SystemPrompt,
			Binding:      rp.Binding,
			Provider:     provider,
			Active:       true,
		})
	}
	return participants, nil
}

// SplitBinding parses a "provider:model" selection string.
func SplitBinding(binding string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(binding, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("dialogue: malformed binding %q, want provider:model", binding)
	}
	return provider, model, nil
}
