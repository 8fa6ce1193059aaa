package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
)

type providerName string

const (
	providerOpenRouter providerName = "openrouter"
	providerClaude     providerName = "claude"
	providerOpenAI     providerName = "openai"
	providerDeepSeek   providerName = "deepseek"
	providerOllama     providerName = "ollama"
)

// fallbackOrder is used when the model name does not name a provider.
var fallbackOrder = []providerName{providerOpenRouter, providerClaude, providerOpenAI, providerDeepSeek, providerOllama}

var defaultBaseURLs = map[providerName]string{
	providerOpenRouter: "https://openrouter.ai/api/v1",
	providerClaude:     "https://api.anthropic.com/v1",
	providerDeepSeek:   "https://api.deepseek.com/v1",
	providerOllama:     "http://localhost:11434/v1",
}

// NewChatModel creates the planner ChatModel based on configuration. Every
// provider is reached through its OpenAI-compatible endpoint.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ChatModel, error) {
	name, p, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}
	d := cfg.Planner

	modelName := d.Model
	if providerFromModel(modelName) == name && name != providerOpenRouter {
		_, modelName, _ = strings.Cut(modelName, "/")
	}

	mc := &openai.ChatModelConfig{
		Model:       modelName,
		APIKey:      p.APIKey,
		Temperature: toFloat32Ptr(d.Temperature),
		MaxTokens:   toIntPtr(d.MaxTokens),
	}
	if base := baseURL(name, p); base != "" {
		mc.BaseURL = base
	}
	return openai.NewChatModel(ctx, mc)
}

func providerFromModel(modelName string) providerName {
	prefix, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(modelName)), "/")
	if !ok {
		return ""
	}
	switch prefix {
	case "openai":
		return providerOpenAI
	case "anthropic", "claude":
		return providerClaude
	case "deepseek":
		return providerDeepSeek
	case "ollama":
		return providerOllama
	case "openrouter":
		return providerOpenRouter
	default:
		return ""
	}
}

func lookup(cfg *config.Config, name providerName) config.ProviderConfig {
	p := cfg.Providers
	switch name {
	case providerOpenRouter:
		return p.OpenRouter
	case providerClaude:
		return p.Claude
	case providerOpenAI:
		return p.OpenAI
	case providerDeepSeek:
		return p.DeepSeek
	case providerOllama:
		return p.Ollama
	default:
		return config.ProviderConfig{}
	}
}

func configured(name providerName, p config.ProviderConfig) bool {
	if name == providerOllama {
		return p.BaseURL != ""
	}
	return p.APIKey != ""
}

func resolveProvider(cfg *config.Config) (providerName, config.ProviderConfig, error) {
	if name := providerFromModel(cfg.Planner.Model); name != "" {
		if p := lookup(cfg, name); configured(name, p) {
			return name, p, nil
		}
	}
	for _, name := range fallbackOrder {
		if p := lookup(cfg, name); configured(name, p) {
			return name, p, nil
		}
	}
	return "", config.ProviderConfig{}, fmt.Errorf("no provider configured: set api_key for at least one provider")
}

func baseURL(name providerName, p config.ProviderConfig) string {
	if p.BaseURL != "" {
		if name == providerOllama && !strings.HasSuffix(strings.TrimRight(p.BaseURL, "/"), "/v1") {
			return strings.TrimRight(p.BaseURL, "/") + "/v1"
		}
		return p.BaseURL
	}
	return defaultBaseURLs[name]
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
