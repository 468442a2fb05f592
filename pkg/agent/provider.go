package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// LLMProvider is one language-model backend.
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	Provider() string
}

// LLMRequest is a single completion request. Temperature 0 is passed through
// as is; planning and review both rely on deterministic output.
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	// ResponseSchema, when set, asks the provider to constrain its output to
	// this JSON schema. Content then holds the JSON document.
	ResponseSchema map[string]interface{}
	SchemaName     string
}

// LLMResponse is the text the model produced.
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// ProviderCreator builds the backend for an auth profile. The Client asks for
// a provider once per profile and reuses it.
type ProviderCreator interface {
	NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error)
}

type providerConstructor func(ctx context.Context, profile AuthProfile) (LLMProvider, error)

var providerConstructors = map[string]providerConstructor{
	"anthropic": func(_ context.Context, p AuthProfile) (LLMProvider, error) {
		return NewAnthropicProvider(p.APIKey, p.BaseURL), nil
	},
	"openai": func(_ context.Context, p AuthProfile) (LLMProvider, error) {
		return NewOpenAIProvider(p.APIKey, p.BaseURL), nil
	},
	"gemini": func(ctx context.Context, p AuthProfile) (LLMProvider, error) {
		provider, err := NewGeminiProvider(ctx, p.APIKey)
		if err != nil {
			return nil, err
		}
		return provider, nil
	},
}

// SupportedProviders lists the provider names a profile may use.
func SupportedProviders() []string {
	names := make([]string, 0, len(providerConstructors))
	for name := range providerConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFactory builds the SDK-backed providers.
type ProviderFactory struct{}

func (ProviderFactory) NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error) {
	construct, ok := providerConstructors[profile.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q (want one of %s)",
			profile.Provider, strings.Join(SupportedProviders(), ", "))
	}
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s: %s provider needs an API key", profile.ID, profile.Provider)
	}
	return construct(ctx, profile)
}
