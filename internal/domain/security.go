package domain

import (
	"context"
	"time"
)

type SecurityAction string

const (
	ActionAllow   SecurityAction = "allow"
	ActionBlock   SecurityAction = "block"
	ActionConfirm SecurityAction = "confirm"
)

// AuditEntry records one permission decision.
type AuditEntry struct {
	Action    string // tool_exec | command_blocked | confirm_yes | confirm_no | confirm_cancelled
	ToolName  string
	Command   string
	Result    string // allowed | blocked | confirmed | denied
	Details   string
	Mode      PermissionMode
	RequestID string
	CreatedAt time.Time
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}
