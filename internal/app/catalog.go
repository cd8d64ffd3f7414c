package app

import (
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// familyDefaults holds the per-provider-family routing metadata that isn't
// derivable from providers.ModelAliases alone: context window, output cap,
// and representative per-million-token pricing in cents. Real per-model
// pricing varies by SKU; these are catalog-level defaults good enough to
// drive routing/cost-estimation until an operator overrides them via a
// reloaded registry (Registry.Reload accepts a fresh []ModelDefinition at
// any time).
type familyDefaults struct {
	contextWindow   int
	maxOutputTokens int
	costInputCents  float64
	costOutputCents float64
}

var familyDefaultsByProvider = map[string]familyDefaults{
	"openai":     {contextWindow: 128000, maxOutputTokens: 16384, costInputCents: 250, costOutputCents: 1000},
	"anthropic":  {contextWindow: 200000, maxOutputTokens: 8192, costInputCents: 300, costOutputCents: 1500},
	"gemini":     {contextWindow: 1000000, maxOutputTokens: 8192, costInputCents: 125, costOutputCents: 500},
	"mistral":    {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 200, costOutputCents: 600},
	"vertexai":   {contextWindow: 1000000, maxOutputTokens: 8192, costInputCents: 125, costOutputCents: 500},
	"bedrock":    {contextWindow: 200000, maxOutputTokens: 8192, costInputCents: 300, costOutputCents: 1500},
	"azure":      {contextWindow: 128000, maxOutputTokens: 16384, costInputCents: 250, costOutputCents: 1000},
	"xai":        {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 200, costOutputCents: 1000},
	"deepseek":   {contextWindow: 64000, maxOutputTokens: 8192, costInputCents: 55, costOutputCents: 219},
	"groq":       {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 59, costOutputCents: 79},
	"together":   {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 88, costOutputCents: 88},
	"perplexity": {contextWindow: 128000, maxOutputTokens: 4096, costInputCents: 100, costOutputCents: 100},
	"cerebras":   {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 60, costOutputCents: 120},
	"moonshot":   {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 120, costOutputCents: 120},
	"minimax":    {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 100, costOutputCents: 100},
	"qwen":       {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 80, costOutputCents: 80},
	"nebius":     {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
	"novita":     {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
	"bytedance":  {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
	"zai":        {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
	"canopywave": {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
	"inference":  {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
	"nanogpt":    {contextWindow: 128000, maxOutputTokens: 8192, costInputCents: 70, costOutputCents: 70},
}

var defaultFamily = familyDefaults{contextWindow: 32000, maxOutputTokens: 4096, costInputCents: 100, costOutputCents: 300}

// regionFor returns the routable region for a provider — the configured AWS
// region for Bedrock, the configured location for Vertex AI, and a fixed
// "global" region for every other provider (none of which expose a region
// knob in this catalog).
func regionFor(provider string, cfg *config.Config) string {
	switch provider {
	case "bedrock":
		if cfg.Bedrock.Region != "" {
			return cfg.Bedrock.Region
		}
		return "us-east-1"
	case "vertexai":
		if cfg.VertexAI.Location != "" {
			return cfg.VertexAI.Location
		}
		return "us-central1"
	default:
		return "global"
	}
}

// buildCatalog derives a registry.ModelDefinition list from the configured
// provider set and the alias tables providers.ModelAliases/
// EmbeddingModelAliases already carry — one definition per (model, provider)
// pair whose provider is actually wired up, so routing only ever candidates
// providers the operator configured keys for.
func buildCatalog(cfg *config.Config, provs map[string]providers.Provider) []registry.ModelDefinition {
	region := make(map[string]string, len(provs))
	for name := range provs {
		region[name] = regionFor(name, cfg)
	}

	defs := make([]registry.ModelDefinition, 0, len(providers.ModelAliases)+len(providers.EmbeddingModelAliases))
	seen := make(map[string]bool)

	for model, provider := range providers.ModelAliases {
		if _, ok := provs[provider]; !ok {
			continue
		}
		if seen[model+"/"+provider] {
			continue
		}
		seen[model+"/"+provider] = true

		fd, ok := familyDefaultsByProvider[provider]
		if !ok {
			fd = defaultFamily
		}
		defs = append(defs, registry.ModelDefinition{
			ID:                model,
			Provider:          provider,
			Region:            region[provider],
			Capabilities:      []string{"chat"},
			ContextWindow:     fd.contextWindow,
			MaxOutputTokens:   fd.maxOutputTokens,
			CostInputPerMTok:  fd.costInputCents,
			CostOutputPerMTok: fd.costOutputCents,
		})
	}

	for model, provider := range providers.EmbeddingModelAliases {
		if _, ok := provs[provider]; !ok {
			continue
		}
		key := model + "/" + provider
		if seen[key] {
			continue
		}
		seen[key] = true

		fd, ok := familyDefaultsByProvider[provider]
		if !ok {
			fd = defaultFamily
		}
		defs = append(defs, registry.ModelDefinition{
			ID:                model,
			Provider:          provider,
			Region:            region[provider],
			Capabilities:      []string{"embedding"},
			ContextWindow:     fd.contextWindow,
			CostInputPerMTok:  fd.costInputCents,
			CostOutputPerMTok: 0,
		})
	}

	return defs
}

// providerAPIKeys mirrors buildProviders' key selection so the credential
// resolver chain has the same configured secret buildProviders used to
// construct each adapter. Bedrock and Vertex AI don't use a bearer key
// (SigV4 signing / ADC respectively), but credential.StaticResolver still
// needs a non-empty placeholder or Resolve fails with "no key configured".
func providerAPIKeys(cfg *config.Config) map[string]string {
	keys := map[string]string{
		"openai":     cfg.OpenAI.APIKey,
		"anthropic":  cfg.Anthropic.APIKey,
		"gemini":     cfg.Gemini.APIKey,
		"mistral":    cfg.Mistral.APIKey,
		"xai":        cfg.XAI.APIKey,
		"deepseek":   cfg.DeepSeek.APIKey,
		"groq":       cfg.Groq.APIKey,
		"together":   cfg.Together.APIKey,
		"perplexity": cfg.Perplexity.APIKey,
		"cerebras":   cfg.Cerebras.APIKey,
		"moonshot":   cfg.Moonshot.APIKey,
		"minimax":    cfg.MiniMax.APIKey,
		"qwen":       cfg.Qwen.APIKey,
		"nebius":     cfg.Nebius.APIKey,
		"novita":     cfg.NovitaAI.APIKey,
		"bytedance":  cfg.ByteDance.APIKey,
		"zai":        cfg.ZAI.APIKey,
		"canopywave": cfg.CanopyWave.APIKey,
		"inference":  cfg.Inference.APIKey,
		"nanogpt":    cfg.NanoGPT.APIKey,
		"azure":      cfg.Azure.APIKey,
	}
	if cfg.Bedrock.AccessKey != "" {
		keys["bedrock"] = cfg.Bedrock.AccessKey
	}
	if cfg.VertexAI.Project != "" {
		keys["vertexai"] = "adc"
	}
	for name, key := range keys {
		if key == "" {
			delete(keys, name)
		}
	}
	return keys
}
