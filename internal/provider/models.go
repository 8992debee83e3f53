package provider

import (
	"fmt"
	"strings"

	"waagent/internal/domain"
)

const DefaultModel = "claude-sonnet-4-20250514"

var modelShorthands = map[string]string{
	"opus":       "claude-opus-4-5-20251101",
	"opus-4":     "claude-opus-4-20250514",
	"opus-4.5":   "claude-opus-4-5-20251101",
	"sonnet":     "claude-sonnet-4-5-20250929",
	"sonnet-4":   "claude-sonnet-4-20250514",
	"sonnet-4.5": "claude-sonnet-4-5-20250929",
	"haiku":      "claude-haiku-4-5-20251001",
	"haiku-3.5":  "claude-3-5-haiku-20241022",
	"haiku-4.5":  "claude-haiku-4-5-20251001",
}

// ResolveModel expands a shorthand to a full model id. Full "claude-" ids
// pass through; an empty name yields DefaultModel.
func ResolveModel(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return DefaultModel, nil
	}
	if id, ok := modelShorthands[n]; ok {
		return id, nil
	}
	if strings.HasPrefix(n, "claude-") {
		return n, nil
	}
	return "", &domain.ValidationError{
		Field:   "model",
		Problem: fmt.Sprintf("unrecognized model %q (use a claude-* id or one of: %s)", name, strings.Join(ModelShorthands(), ", ")),
	}
}

// ModelShorthands lists the accepted shorthand names in a stable order.
func ModelShorthands() []string {
	return []string{"opus", "opus-4", "opus-4.5", "sonnet", "sonnet-4", "sonnet-4.5", "haiku", "haiku-3.5", "haiku-4.5"}
}
