// Package targeting decides whether a group message addresses this agent and
// carries the helpers that build the agent's identity.
package targeting

import (
	"regexp"
	"strings"
	"unicode"
)

// Method tells how a message addressed the agent.
type Method string

const (
	MethodNone    Method = ""
	MethodMention Method = "mention" // @AgentName
	MethodGeneric Method = "generic" // @ai, @agent
	MethodSlash   Method = "slash"   // /ask [AgentName]
)

// Result is the outcome of Parse.
type Result struct {
	IsTargeted   bool
	CleanMessage string
	Method       Method
}

var (
	mentionRe = regexp.MustCompile(`(?s)^@(\S+)\s*(.*)$`)
	askRe     = regexp.MustCompile(`(?is)^/ask\s+(.*)$`)
	wordRe    = regexp.MustCompile(`\S+`)
)

// Parse checks text for a mention of agentName, a generic mention or an /ask
// command, in that order, and strips the targeting prefix.
func Parse(text, agentName string) Result {
	trimmed := strings.TrimSpace(text)
	name := normalize(agentName)

	if m := mentionRe.FindStringSubmatch(trimmed); m != nil {
		target := normalize(m[1])
		rest := strings.TrimSpace(m[2])
		switch {
		case target == "ai" || target == "agent":
			return Result{IsTargeted: true, CleanMessage: rest, Method: MethodGeneric}
		case name != "" && target == name:
			return Result{IsTargeted: true, CleanMessage: rest, Method: MethodMention}
		}
		if remainder, ok := matchLeadingName(trimmed[1:], name); ok {
			return Result{IsTargeted: true, CleanMessage: remainder, Method: MethodMention}
		}
	}

	if m := askRe.FindStringSubmatch(trimmed); m != nil {
		afterAsk := strings.TrimSpace(m[1])
		if remainder, ok := matchLeadingName(afterAsk, name); ok {
			return Result{IsTargeted: true, CleanMessage: remainder, Method: MethodSlash}
		}
		return Result{IsTargeted: true, CleanMessage: afterAsk, Method: MethodSlash}
	}

	return Result{CleanMessage: trimmed}
}

// matchLeadingName accumulates leading words of s until their normalized
// concatenation equals name, and returns the text after them verbatim.
func matchLeadingName(s, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	var acc strings.Builder
	for _, loc := range wordRe.FindAllStringIndex(s, -1) {
		acc.WriteString(normalize(s[loc[0]:loc[1]]))
		switch {
		case acc.String() == name:
			return strings.TrimSpace(s[loc[1]:]), true
		case !strings.HasPrefix(name, acc.String()):
			return "", false
		}
	}
	return "", false
}

// normalize lowercases s and removes all whitespace.
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
