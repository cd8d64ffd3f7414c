package app

import (
	"regexp"

	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/safety"
)

// builtinPromptRules matches the instruction-override and delimiter-injection
// patterns most prompt-injection corpora lead with. Operators extend this set
// via SAFETY_BLOCKED_PATTERNS rather than editing it.
var builtinPromptRules = []safety.Rule{
	{
		Category: safety.CategoryInstructionOverride,
		Enabled:  true,
		Action:   safety.ActionBlock,
		Matcher:  safety.RegexMatcher{Re: regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`)},
	},
	{
		Category: safety.CategoryInstructionOverride,
		Enabled:  true,
		Action:   safety.ActionBlock,
		Matcher:  safety.RegexMatcher{Re: regexp.MustCompile(`(?i)disregard (your|the) (system|original) prompt`)},
	},
	{
		Category: safety.CategoryDelimiterInjection,
		Enabled:  true,
		Action:   safety.ActionFlag,
		Matcher:  safety.LiteralMatcher{Patterns: []string{"```system", "<|system|>", "[[system]]"}},
	},
	{
		Category: safety.CategoryRoleConfusion,
		Enabled:  true,
		Action:   safety.ActionFlag,
		Matcher:  safety.RegexMatcher{Re: regexp.MustCompile(`(?i)you are now (in )?(developer|dan|unrestricted) mode`)},
	},
}

// builtinResponseRules flags responses that look like they're leaking the
// system prompt or internal credentials back to the client.
var builtinResponseRules = []safety.Rule{
	{
		Category: safety.CategoryDataExfiltration,
		Enabled:  true,
		Action:   safety.ActionFilter,
		Matcher:  safety.RegexMatcher{Re: regexp.MustCompile(`(?i)sk-[a-zA-Z0-9]{20,}`)},
	},
}

// buildPromptFilter assembles the inbound safety.Filter from the built-in
// rule set plus any operator-supplied regular expressions.
func buildPromptFilter(cfg config.SafetyConfig) *safety.Filter {
	rules := append([]safety.Rule(nil), builtinPromptRules...)
	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, safety.Rule{
			Category: safety.CategoryInstructionOverride,
			Enabled:  true,
			Action:   safety.ActionBlock,
			Matcher:  safety.RegexMatcher{Re: re},
		})
	}
	return safety.NewFilter(rules)
}

// buildResponseFilter assembles the outbound safety.Filter.
func buildResponseFilter() *safety.Filter {
	return safety.NewFilter(builtinResponseRules)
}

// safetyFilterIf returns f when enabled, nil otherwise — nil disables that
// pipeline stage entirely rather than running a Filter with zero rules.
func safetyFilterIf(enabled bool, f *safety.Filter) *safety.Filter {
	if !enabled {
		return nil
	}
	return f
}
