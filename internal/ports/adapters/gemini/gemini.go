// Package gemini is the provider variant for Google's Gemini models. It talks
// to Google's OpenAI-compatible endpoint through the openai adapter.
package gemini

import (
	"strings"

	"github.com/forPelevin/vidsum/internal/ports/adapters/openai"
)

const (
	Name           = "gemini"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	DefaultModel   = "gemini-2.0-flash"
)

// New returns an adapter for apiKey. An empty baseURL means Google's
// endpoint.
func New(apiKey, baseURL string) *openai.Adapter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return openai.NewCompatible(Name, apiKey, baseURL)
}
