// Package providers exposes constructors for the built-in backends and a
// factory keyed by provider name, matching the binding strings used in
// dialogue rosters.
package providers

import (
	"fmt"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/providers/anthropic"
	"github.com/parleyhq/parley/providers/chatcompletion"
	"github.com/parleyhq/parley/providers/responses"
)

// New constructs a provider by name. Supported names: "openai" (Chat
// Completions), "responses" (raw Responses wire), "anthropic".
func New(name, model string) (parley.Provider, error) {
	switch name {
	case "openai", "chatcompletion":
		return chatcompletion.New(model), nil
	case "responses":
		return responses.New(model), nil
	case "anthropic":
		return anthropic.New(model), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
}
