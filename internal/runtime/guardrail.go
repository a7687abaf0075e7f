package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"

	"conduit/internal/observability"
)

// injectionGuard is an observational prompt-injection scanner. It never
// blocks: matches are logged and counted so operators can watch for abuse.
type injectionGuard struct {
	patterns []*regexp.Regexp

	mu     sync.Mutex
	hits   int
	hashes map[string]bool
}

var injectionPatterns = []string{
	`(?i)ignore (all )?(previous|prior|above) (instructions|prompts)`,
	`(?i)disregard (your|the) (system prompt|instructions)`,
	`(?i)you are now (dan|a different|an unrestricted)`,
	`(?i)reveal (your|the) (system prompt|instructions|api key)`,
	`(?i)pretend (you have no|there are no) (rules|restrictions|guidelines)`,
	`(?i)\bjailbreak\b`,
}

func newInjectionGuard() *injectionGuard {
	g := &injectionGuard{hashes: make(map[string]bool)}
	for _, p := range injectionPatterns {
		g.patterns = append(g.patterns, regexp.MustCompile(p))
	}
	return g
}

// Scan checks inbound content and records matches.
func (g *injectionGuard) Scan(ctx context.Context, userID, content string) {
	for _, p := range g.patterns {
		if !p.MatchString(content) {
			continue
		}
		sum := sha256.Sum256([]byte(content))
		hash := hex.EncodeToString(sum[:8])

		g.mu.Lock()
		g.hits++
		fresh := !g.hashes[hash]
		g.hashes[hash] = true
		g.mu.Unlock()

		preview := content
		if len(preview) > 100 {
			preview = preview[:100]
		}
		observability.LoggerWithTrace(ctx).Warn().
			Str("user_id", userID).
			Str("pattern", p.String()).
			Str("content_hash", hash).
			Str("preview", strings.ToValidUTF8(preview, "")).
			Bool("first_seen", fresh).
			Msg("possible_prompt_injection")
		return
	}
}

// Hits reports how many inputs matched since startup.
func (g *injectionGuard) Hits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits
}
