package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"waagent/internal/domain"
)

// ChatCommand is a parsed "/name args..." message.
type ChatCommand struct {
	Name string   // lowercased, without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// ParseCommand returns nil when text is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{Name: name, Args: args, Raw: text}
}

// bypassesQueue reports whether the command answers permission prompts and
// so must not wait behind the sender's running query.
func (c *ChatCommand) bypassesQueue() bool {
	switch c.Name {
	case "allow", "deny", "pending":
		return true
	}
	return false
}

// version is set by the build system.
var version = "dev"

// SetVersion sets the version string shown by /version and /status.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// HandleCommand runs a chat command and returns the reply text.
func (d *Dispatcher) HandleCommand(cmd *ChatCommand) string {
	switch cmd.Name {
	case "help", "start":
		return helpText()

	case "clear", "new":
		d.window.Clear()
		return "✓ Conversation cleared."

	case "readonly", "plan":
		d.SetMode(domain.ModePlan)
		return "✓ Switched to *read-only* mode. Claude can only read files."

	case "normal":
		d.SetMode(domain.ModeNormal)
		return "✓ Switched to *normal* mode. Claude will ask permission for writes."

	case "yolo":
		d.SetMode(domain.ModeYolo)
		return "⚠️ Switched to *YOLO* mode. Claude has full access without confirmation!"

	case "mode":
		return fmt.Sprintf("Current mode: *%s*", modeLabel(d.backend.Mode()))

	case "status":
		return d.StatusText()

	case "uptime":
		return fmt.Sprintf("Uptime: %s", d.uptime())

	case "version":
		return fmt.Sprintf("waagent %s (%s/%s, %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())

	case "pending":
		return d.pendingText()

	case "allow", "deny":
		return d.resolveCommand(cmd)

	default:
		return fmt.Sprintf("Unknown command: /%s\n\nType /help for available commands.", cmd.Name)
	}
}

func (d *Dispatcher) resolveCommand(cmd *ChatCommand) string {
	if len(cmd.Args) == 0 {
		return fmt.Sprintf("Usage: /%s <request id>. Type /pending to list requests.", cmd.Name)
	}
	req, ok := d.broker.Find(cmd.Args[0])
	if !ok {
		return fmt.Sprintf("No pending request matches %q.", cmd.Args[0])
	}
	allowed := cmd.Name == "allow"
	if !d.broker.Resolve(req.ID, allowed) {
		return fmt.Sprintf("Request %s was already answered.", shortID(req.ID))
	}
	if allowed {
		return fmt.Sprintf("✓ Allowed *%s* (%s).", req.ToolName, shortID(req.ID))
	}
	return fmt.Sprintf("✗ Denied *%s* (%s).", req.ToolName, shortID(req.ID))
}

func (d *Dispatcher) pendingText() string {
	reqs := d.broker.Pending()
	if len(reqs) == 0 {
		return "No pending permission requests."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Pending permissions* (%d):\n", len(reqs))
	for _, r := range reqs {
		fmt.Fprintf(&sb, "\n• %s *%s*", shortID(r.ID), r.ToolName)
		if r.Description != "" {
			fmt.Fprintf(&sb, ": %s", preview(r.Description, 80))
		}
	}
	sb.WriteString("\n\nReply *yes*/*no* for the oldest, or /allow <id> and /deny <id>.")
	return sb.String()
}

// StatusText summarises the session for /status.
func (d *Dispatcher) StatusText() string {
	var sb strings.Builder
	sb.WriteString("*Agent Status:*\n\n")
	if d.identity.Name != "" {
		fmt.Fprintf(&sb, "🤖 Agent: %s\n", d.identity.Display())
	}
	fmt.Fprintf(&sb, "📁 Working directory: `%s`\n", d.directory)
	fmt.Fprintf(&sb, "🔐 Mode: %s\n", modeLabel(d.backend.Mode()))
	if d.model != "" {
		fmt.Fprintf(&sb, "🧠 Model: %s\n", d.model)
	}
	fmt.Fprintf(&sb, "💬 Conversation length: %d messages\n", d.window.Len())
	fmt.Fprintf(&sb, "⏳ Pending permissions: %d\n", d.broker.PendingCount())
	if group := d.currentPolicy().GroupAddress; group != "" {
		fmt.Fprintf(&sb, "👥 Group: %s\n", group)
	}
	fmt.Fprintf(&sb, "⏱ Uptime: %s", d.uptime())
	return sb.String()
}

func (d *Dispatcher) uptime() time.Duration {
	return d.now().Sub(d.startTime).Round(time.Second)
}

func modeLabel(m domain.PermissionMode) string {
	switch m {
	case domain.ModePlan:
		return "readonly"
	case domain.ModeYolo:
		return "yolo"
	default:
		return string(m)
	}
}

func helpText() string {
	return `*Available Commands:*

/clear - Clear conversation history
/mode - Show current permission mode
/readonly - Switch to read-only mode
/normal - Switch to normal mode (asks for permission)
/yolo - Switch to full access mode (dangerous!)
/status - Show agent status
/pending - List pending permission requests
/allow <id> - Approve a pending request
/deny <id> - Deny a pending request
/ask <message> - Address the agent in a group
/help - Show this help message

*Permission Modes:*
• *readonly* - Claude can only read files
• *normal* - Claude asks before writing
• *yolo* - Claude has full access (be careful!)`
}
