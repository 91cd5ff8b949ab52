// Package policy screens permission requests before they reach the shell
// and scrubs PII from text that leaves the daemon.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/events"
)

// Verdict is the gate's decision for one permission request.
type Verdict struct {
	AutoReject bool
	Reason     string
}

// builtinRejectPatterns match tool inputs that are never worth prompting
// for. They apply on top of the user's configured patterns.
var builtinRejectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
	regexp.MustCompile(`(?i)\bcat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\s`),
}

// Gate evaluates permission requests against the built-in reject list and
// the user's auto-reject patterns. Safe for concurrent use; the pattern
// set can be swapped while requests are being evaluated.
type Gate struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

func NewGate(patterns []string) (*Gate, error) {
	g := &Gate{}
	if err := g.SetPatterns(patterns); err != nil {
		return nil, err
	}
	return g, nil
}

// SetPatterns replaces the user pattern set, as when settings change.
func (g *Gate) SetPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("compile auto-reject pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	g.mu.Lock()
	g.patterns = compiled
	g.mu.Unlock()
	return nil
}

// Evaluate screens one permission request. The subject is the tool name
// plus its input, the same text the shell would show the user.
func (g *Gate) Evaluate(req events.PermissionRequest) Verdict {
	subject := strings.TrimSpace(req.Tool + " " + req.Input)
	if subject == "" {
		return Verdict{}
	}

	for _, re := range builtinRejectPatterns {
		if re.MatchString(subject) {
			return Verdict{AutoReject: true, Reason: "input matches a blocked operation"}
		}
	}

	g.mu.RLock()
	patterns := g.patterns
	g.mu.RUnlock()
	for _, re := range patterns {
		if re.MatchString(subject) {
			return Verdict{
				AutoReject: true,
				Reason:     fmt.Sprintf("input matches auto-reject pattern %q", re.String()),
			}
		}
	}
	return Verdict{}
}
