package provider

import (
	"fmt"
	"strings"

	"waagent/internal/domain"
)

// PromptConfig is the static part of the system prompt.
type PromptConfig struct {
	Identity  domain.AgentIdentity
	Directory string
	// Override replaces the built-in prompt entirely when set.
	Override string
	Append   string
}

// BuildSystemPrompt composes the system prompt for one query.
func BuildSystemPrompt(cfg PromptConfig, mode domain.PermissionMode) string {
	var sb strings.Builder
	if cfg.Override != "" {
		sb.WriteString(cfg.Override)
	} else {
		name := cfg.Identity.Name
		if name == "" {
			name = "Claude"
		}
		fmt.Fprintf(&sb, "You are %s, a coding assistant reached through a chat app.\n", name)
		if cfg.Directory != "" {
			fmt.Fprintf(&sb, "Your working directory is %s. File paths are relative to it.\n", cfg.Directory)
		}
		sb.WriteString("Replies are read on a phone: keep them short and use plain text or simple *bold* and `code`.\n")
		sb.WriteString(modeInstructions(mode))
	}
	if cfg.Append != "" {
		sb.WriteString("\n\n")
		sb.WriteString(cfg.Append)
	}
	return strings.TrimSpace(sb.String())
}

func modeInstructions(mode domain.PermissionMode) string {
	switch mode {
	case domain.ModePlan:
		return "You are in read-only mode: you may read files but not change anything. Describe the changes you would make instead."
	case domain.ModeYolo:
		return "All tools run without confirmation. Be careful with destructive commands."
	default:
		return "Writes, edits and shell commands need the user's approval; if a tool call is denied, explain what you wanted to do."
	}
}
