// Package thinking resolves a prompt's extended-reasoning token budget
// from trigger phrases and the session's thinking mode.
package thinking

import (
	"regexp"

	"github.com/agor-dev/agor/internal/store"
)

// Token budgets per bucket.
const (
	TokensThink      = 4000
	TokensMegathink  = 10000
	TokensUltrathink = 31999
)

// bucket holds the trigger phrases for one budget level. Buckets are
// checked highest first; the first phrase match in the highest bucket
// wins.
type bucket struct {
	tokens   int
	patterns []*regexp.Regexp
}

// phrase compiles a case-insensitive, word-boundary-delimited matcher,
// so "think" cannot match inside "thinking" or "rethink".
func phrase(p string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + p + `\b`)
}

var buckets = []bucket{
	{
		tokens: TokensUltrathink,
		patterns: []*regexp.Regexp{
			phrase("ultrathink"),
			phrase("think harder"),
			phrase("think very hard"),
			phrase("think super hard"),
			phrase("think really hard"),
			phrase("think intensely"),
			phrase("think longer"),
		},
	},
	{
		tokens: TokensMegathink,
		patterns: []*regexp.Regexp{
			phrase("think hard"),
			phrase("think deeply"),
			phrase("think more"),
			phrase("think a lot"),
			phrase("think about it"),
		},
	},
	{
		tokens: TokensThink,
		patterns: []*regexp.Regexp{
			phrase("think"),
		},
	},
}

// DetectKeywords returns the budget triggered by the prompt's phrases,
// or nil when no trigger matches.
func DetectKeywords(prompt string) *int {
	for _, b := range buckets {
		for _, p := range b.patterns {
			if p.MatchString(prompt) {
				tokens := b.tokens
				return &tokens
			}
		}
	}
	return nil
}

// ResolveBudget maps the session's thinking config and the prompt to a
// max-thinking-tokens value. Nil means no extended thinking.
func ResolveBudget(prompt string, cfg *store.ModelConfig) *int {
	mode := store.ThinkingAuto
	if cfg != nil && cfg.ThinkingMode != "" {
		mode = cfg.ThinkingMode
	}
	switch mode {
	case store.ThinkingOff:
		return nil
	case store.ThinkingManual:
		if cfg != nil && cfg.ManualTokens > 0 {
			tokens := cfg.ManualTokens
			return &tokens
		}
		return nil
	default:
		return DetectKeywords(prompt)
	}
}
