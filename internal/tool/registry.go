// Package tool holds the local tools the backend may call while answering
// and the rules for which of them a permission mode exposes.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"waagent/internal/domain"
)

// Registry is the set of tools offered to the backend, keyed by name.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]domain.Tool
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]domain.Tool), logger: logger}
}

// NewWorkspaceRegistry registers Read, Write, Edit and Bash, all confined to
// shell.WorkingDir.
func NewWorkspaceRegistry(shell BashConfig, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	dir := shell.WorkingDir
	r.Register(NewReadTool(dir), NewWriteTool(dir), NewEditTool(dir), NewBashTool(shell))
	return r
}

// Register adds tools. A tool with a name already present replaces it.
func (r *Registry) Register(tools ...domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, dup := r.tools[t.Name()]; dup {
			r.logger.Warn("tool replaced", "name", t.Name())
		}
		r.tools[t.Name()] = t
	}
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Execute runs the named tool. A panicking tool is reported as an error so a
// single bad call cannot take the session down.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out string, err error) {
	t := r.Get(name)
	if t == nil {
		return "", fmt.Errorf("unknown tool %q (have %s)", name, strings.Join(r.Names(), ", "))
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			out, err = "", fmt.Errorf("%s: internal error: %v", name, p)
		}
	}()
	return t.Execute(ctx, args)
}

// Names lists the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Definitions returns the schemas in name order so requests are stable.
func (r *Registry) Definitions() []domain.ToolDefinition {
	names := r.Names()
	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, n := range names {
		t := r.Get(n)
		if t == nil {
			continue
		}
		defs = append(defs, domain.ToolDefinition{Name: n, Description: t.Description(), Parameters: t.Parameters()})
	}
	return defs
}
