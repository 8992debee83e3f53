// Package security decides whether a tool call may run under the current
// permission mode and records every decision in the audit log.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"waagent/internal/config"
	"waagent/internal/domain"
	"waagent/internal/permission"
	"waagent/internal/tool"
)

// Engine gates tool calls: Bash commands on the blacklist are always
// blocked, plan mode blocks every destructive tool, yolo mode allows the
// rest, and normal mode asks unless a Bash command is whitelisted.
type Engine struct {
	cfg         config.SecurityConfig
	auditLogger domain.AuditLogger
	logger      *slog.Logger

	blacklistRe []*regexp.Regexp
	whitelistRe []*regexp.Regexp
}

func NewEngine(cfg config.SecurityConfig, auditLogger domain.AuditLogger, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.blacklistRe, err = compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}
	e.whitelistRe, err = compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}
	return e, nil
}

// Check classifies a tool call without asking anyone. The reason explains
// blocks and allows; it is empty for ActionConfirm.
func (e *Engine) Check(ctx context.Context, mode domain.PermissionMode, toolName string, input map[string]any) (domain.SecurityAction, string) {
	if !tool.IsDestructive(toolName) {
		return domain.ActionAllow, "read-only tool"
	}

	cmd := ""
	if tool.KindOf(toolName) == tool.KindBash {
		cmd = strings.TrimSpace(tool.ArgsString(input, "command"))
		for _, re := range e.blacklistRe {
			if re.MatchString(cmd) {
				e.logger.Warn("command BLOCKED by blacklist",
					"tool", toolName,
					"command", cmd,
					"pattern", re.String(),
				)
				reason := "blacklist match: " + re.String()
				e.logAction(ctx, mode, "command_blocked", toolName, cmd, "blocked", reason)
				return domain.ActionBlock, reason
			}
		}
	}

	switch mode {
	case domain.ModePlan:
		reason := "plan mode is read-only"
		e.logAction(ctx, mode, "command_blocked", toolName, cmd, "blocked", reason)
		return domain.ActionBlock, reason
	case domain.ModeYolo:
		e.logAction(ctx, mode, "tool_exec", toolName, cmd, "allowed", "permissions skipped")
		return domain.ActionAllow, "permissions skipped"
	}

	if cmd != "" {
		for _, re := range e.whitelistRe {
			if re.MatchString(cmd) {
				reason := "whitelist match: " + re.String()
				e.logAction(ctx, mode, "tool_exec", toolName, cmd, "allowed", reason)
				return domain.ActionAllow, reason
			}
		}
	}
	return domain.ActionConfirm, ""
}

// Authorize runs Check and, when confirmation is needed, asks through ask.
// A nil ask denies. The returned reason is suitable for a tool result.
func (e *Engine) Authorize(ctx context.Context, mode domain.PermissionMode, toolName string, input map[string]any, ask domain.PermissionFunc) (bool, string, error) {
	action, reason := e.Check(ctx, mode, toolName, input)
	switch action {
	case domain.ActionAllow:
		return true, reason, nil
	case domain.ActionBlock:
		return false, reason, nil
	}

	if ask == nil {
		e.logAction(ctx, mode, "confirm_no", toolName, commandOf(toolName, input), "denied", "no permission handler")
		return false, "no permission handler", nil
	}

	e.logger.Info("tool requires confirmation", "tool", toolName)
	allowed, err := ask(ctx, toolName, tool.FormatInput(toolName, input), input)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, "permission request cancelled", err
		}
		return false, "permission request failed", fmt.Errorf("ask permission: %w", err)
	}
	if !allowed {
		return false, "denied by user", nil
	}
	return true, "approved by user", nil
}

// ObservePermission records how a permission request ended. It is the
// broker's Observer.
func (e *Engine) ObservePermission(req permission.Request, d permission.Decision) {
	action := "confirm_no"
	result := "denied"
	switch d {
	case permission.DecisionAllowed:
		action, result = "confirm_yes", "confirmed"
	case permission.DecisionCancelled:
		action = "confirm_cancelled"
	}
	e.log(context.Background(), domain.AuditEntry{
		Action:    action,
		ToolName:  req.ToolName,
		Command:   commandOf(req.ToolName, req.Input),
		Result:    result,
		Details:   req.Description,
		RequestID: req.ID,
	})
}

// LogAction writes an arbitrary audit entry.
func (e *Engine) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	return e.log(ctx, entry)
}

func (e *Engine) logAction(ctx context.Context, mode domain.PermissionMode, action, toolName, command, result, details string) {
	e.log(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  command,
		Result:   result,
		Details:  details,
		Mode:     mode,
	})
}

func (e *Engine) log(ctx context.Context, entry domain.AuditEntry) error {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return nil
	}
	if err := e.auditLogger.LogAudit(ctx, entry); err != nil {
		e.logger.Warn("audit write failed", "action", entry.Action, "err", err)
		return err
	}
	return nil
}

func commandOf(toolName string, input map[string]any) string {
	switch tool.KindOf(toolName) {
	case tool.KindBash:
		return tool.ArgsString(input, "command")
	case tool.KindOther:
		return ""
	}
	return tool.ArgsString(input, "file_path")
}

// Simple strings are converted to case-insensitive substring patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
