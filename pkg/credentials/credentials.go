// Package credentials resolves API keys from an explicit source using ordered
// key lists. Nothing here reads the process environment unless handed an
// EnvSource.
package credentials

import (
	"os"
	"strings"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"github.com/odvcencio/stagehand/pkg/wire"
)

const (
	EnvAPIKey    = "BROWSERBASE_API_KEY"
	EnvProjectID = "BROWSERBASE_PROJECT_ID"
	EnvModelKey  = "MODEL_API_KEY"
)

// Source looks up a named credential.
type Source interface {
	Lookup(key string) (string, bool)
}

// EnvSource reads the process environment.
type EnvSource struct{}

func (EnvSource) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapSource serves credentials from a fixed map.
type MapSource map[string]string

func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Resolve returns the first non-blank value among keys, in order.
func Resolve(src Source, keys ...string) (string, bool) {
	if src == nil {
		return "", false
	}
	for _, key := range keys {
		if v, ok := src.Lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

var providerKeys = map[string][]string{
	"openai":     {"OPENAI_API_KEY"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"google":     {"GOOGLE_GENERATIVE_AI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"gemini":     {"GEMINI_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY", "GOOGLE_API_KEY"},
	"groq":       {"GROQ_API_KEY"},
	"cerebras":   {"CEREBRAS_API_KEY"},
	"mistral":    {"MISTRAL_API_KEY"},
	"deepseek":   {"DEEPSEEK_API_KEY"},
	"xai":        {"XAI_API_KEY"},
	"togetherai": {"TOGETHER_AI_API_KEY", "TOGETHER_API_KEY"},
	"perplexity": {"PERPLEXITY_API_KEY"},
	"azure":      {"AZURE_API_KEY"},
	"ollama":     nil,
}

// ProviderKeys returns the ordered env keys for a model provider, followed
// by the generic MODEL_API_KEY fallback. Unknown providers get only the
// fallback.
func ProviderKeys(provider string) []string {
	keys := append([]string(nil), providerKeys[strings.ToLower(provider)]...)
	return append(keys, EnvModelKey)
}

// ModelAPIKey picks the model key: a structured model's override wins,
// otherwise the provider's key list is resolved against src.
func ModelAPIKey(src Source, model *wire.Model) string {
	if model == nil {
		return ""
	}
	if model.APIKey != "" {
		return model.APIKey
	}
	key, _ := Resolve(src, ProviderKeys(model.Provider())...)
	return key
}

// Cloud holds the credential pair the hosted service requires.
type Cloud struct {
	APIKey    string
	ProjectID string
}

// RequireCloud fills any blank member of explicit from src and fails with
// MissingCredential naming the first key still absent.
func RequireCloud(src Source, explicit Cloud) (Cloud, error) {
	out := explicit
	if out.APIKey == "" {
		out.APIKey, _ = Resolve(src, EnvAPIKey)
	}
	if out.ProjectID == "" {
		out.ProjectID, _ = Resolve(src, EnvProjectID)
	}
	if out.APIKey == "" {
		return out, sherrors.MissingCredential(EnvAPIKey)
	}
	if out.ProjectID == "" {
		return out, sherrors.MissingCredential(EnvProjectID)
	}
	return out, nil
}
