package domain

import "context"

// Tool is something the backend may invoke while answering (Read, Write, Edit, Bash).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}
