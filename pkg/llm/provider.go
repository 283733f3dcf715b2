package llm

import (
	"strings"

	"github.com/sipeed/picoquote/pkg/config"
)

// Provider is a resolved OpenAI-compatible endpoint.
type Provider struct {
	Name    string
	APIKey  string
	APIBase string
	Proxy   string
}

// ResolveProvider maps a provider name (or alias) to its configured
// credentials and base URL, falling back to the public default base.
func ResolveProvider(providers config.ProvidersConfig, name string) (Provider, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Provider{}, false
	}

	var provider config.ProviderConfig
	var defaultBase string
	switch name {
	case "openai", "gpt":
		provider = providers.OpenAI
		defaultBase = "https://api.openai.com/v1"
	case "openrouter":
		provider = providers.OpenRouter
		defaultBase = "https://openrouter.ai/api/v1"
	case "anthropic", "claude":
		provider = providers.Anthropic
		defaultBase = "https://api.anthropic.com/v1"
	case "groq":
		provider = providers.Groq
		defaultBase = "https://api.groq.com/openai/v1"
	case "zhipu", "glm":
		provider = providers.Zhipu
		defaultBase = "https://open.bigmodel.cn/api/paas/v4"
	case "gemini", "google":
		provider = providers.Gemini
		defaultBase = "https://generativelanguage.googleapis.com/v1beta/openai"
	case "nvidia":
		provider = providers.Nvidia
		defaultBase = "https://integrate.api.nvidia.com/v1"
	case "moonshot":
		provider = providers.Moonshot
		defaultBase = "https://api.moonshot.cn/v1"
	case "deepseek":
		provider = providers.DeepSeek
		defaultBase = "https://api.deepseek.com/v1"
	case "shengsuanyun":
		provider = providers.ShengSuanYun
		defaultBase = "https://router.shengsuanyun.com/api/v1"
	case "vllm":
		provider = providers.VLLM
	case "ollama":
		provider = providers.Ollama
		defaultBase = "http://localhost:11434/v1"
	default:
		return Provider{}, false
	}

	apiBase := strings.TrimSpace(provider.APIBase)
	if apiBase == "" {
		apiBase = defaultBase
	}
	if apiBase == "" {
		return Provider{}, false
	}
	return Provider{
		Name:    name,
		APIKey:  strings.TrimSpace(provider.APIKey),
		APIBase: apiBase,
		Proxy:   strings.TrimSpace(provider.Proxy),
	}, true
}

// JoinURL appends pathPart to base unless base already ends with it.
func JoinURL(base, pathPart string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	pathPart = strings.Trim(strings.TrimSpace(pathPart), "/")
	if base == "" {
		return ""
	}
	if pathPart == "" {
		return base
	}
	if strings.HasSuffix(strings.ToLower(base), "/"+strings.ToLower(pathPart)) {
		return base
	}
	return base + "/" + pathPart
}
