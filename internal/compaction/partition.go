package compaction

import (
	"strings"

	"github.com/connexus-ai/ragcore/internal/store"
)

// protectedPrefixes mark configuration-style messages that must survive
// every compaction verbatim.
var protectedPrefixes = []string{
	"/system", "/config", "/mode", "/project", "/setup", "/context", "/init", "/persona",
}

// Partition splits a message window for compaction
type Partition struct {
	Protected    []store.ContextMessage
	Recent       []store.ContextMessage
	Summarizable []store.ContextMessage
}

// PartitionMessages splits messages (ordered by position) into the three
// compaction classes. A message is protected when flagged, system-role,
// at position 0, or carrying a protected command prefix. The last
// preserveRecent unprotected messages stay verbatim; everything else is
// summarizable.
func PartitionMessages(messages []store.ContextMessage, preserveRecent int) Partition {
	var p Partition

	protected := make(map[int]bool, len(messages))
	for i, m := range messages {
		if isProtected(m) {
			protected[i] = true
			p.Protected = append(p.Protected, m)
		}
	}

	recentStart := len(messages) - preserveRecent
	if recentStart < 0 {
		recentStart = 0
	}
	for i := recentStart; i < len(messages); i++ {
		if !protected[i] {
			protected[i] = true // recent is disjoint from summarizable
			p.Recent = append(p.Recent, messages[i])
		}
	}

	for i, m := range messages {
		if !protected[i] {
			p.Summarizable = append(p.Summarizable, m)
		}
	}
	return p
}

func isProtected(m store.ContextMessage) bool {
	if m.IsProtected || m.Role == "system" || m.Position == 0 {
		return true
	}
	trimmed := strings.TrimSpace(m.Content)
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// Auto-tag phrase tables. Scanned over the last five messages when a
// pre-compaction checkpoint is created.
var (
	decisionPhrases  = []string{"we decided", "let's go with", "i'll use", "we will use", "decision:", "chose", "settled on"}
	errorPhrases     = []string{"error", "traceback", "exception", "panic:", "stack trace", "failed with"}
	milestonePhrases = []string{"completed", "finished", "done!", "shipped", "deployed", "milestone", "works now"}
)

// DetectAutoTag scans the last five messages for checkpoint tagging.
// Code fences win over decisions, then errors, then milestones.
func DetectAutoTag(messages []store.ContextMessage) string {
	start := len(messages) - 5
	if start < 0 {
		start = 0
	}
	window := messages[start:]

	match := func(phrases []string) bool {
		for _, m := range window {
			lower := strings.ToLower(m.Content)
			for _, p := range phrases {
				if strings.Contains(lower, p) {
					return true
				}
			}
		}
		return false
	}

	for _, m := range window {
		if strings.Contains(m.Content, "```") {
			return "code"
		}
	}
	if match(decisionPhrases) {
		return "decision"
	}
	if match(errorPhrases) {
		return "error_resolution"
	}
	if match(milestonePhrases) {
		return "milestone"
	}
	return ""
}
