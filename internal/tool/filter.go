package tool

import "waagent/internal/domain"

// Filter applies allow/deny rules to tool definitions and tool execution.
type Filter struct {
	allowed map[string]bool // if non-empty, only these tools are allowed
	denied  map[string]bool // these tools are always denied
}

// NewFilter creates a filter from allow/deny lists. Denied tools are blocked
// regardless of the allow list.
func NewFilter(allowed, denied []string) *Filter {
	f := &Filter{
		allowed: make(map[string]bool),
		denied:  make(map[string]bool),
	}
	for _, t := range allowed {
		f.allowed[t] = true
	}
	for _, t := range denied {
		f.denied[t] = true
	}
	return f
}

// ForMode returns the filter a permission mode implies: plan mode offers
// only Read, the other modes offer everything.
func ForMode(mode domain.PermissionMode) *Filter {
	if mode == domain.ModePlan {
		return NewFilter([]string{"Read"}, nil)
	}
	return nil
}

// Definitions returns only the definitions that pass the filter.
func (f *Filter) Definitions(defs []domain.ToolDefinition) []domain.ToolDefinition {
	if f.IsEmpty() {
		return defs
	}
	filtered := make([]domain.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if f.IsAllowed(d.Name) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// IsAllowed returns true if the tool name passes the filter.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	if f.denied[name] {
		return false
	}
	if len(f.allowed) > 0 {
		return f.allowed[name]
	}
	return true
}

// IsEmpty returns true if the filter has no rules.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.allowed) == 0 && len(f.denied) == 0)
}
