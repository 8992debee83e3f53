package tool

import (
	"encoding/json"
	"fmt"

	"waagent/internal/chunk"
)

// Kind classifies a tool by what it can touch.
type Kind int

const (
	KindOther Kind = iota
	KindRead
	KindWrite
	KindEdit
	KindBash
)

var kindByName = map[string]Kind{
	"Read":  KindRead,
	"Write": KindWrite,
	"Edit":  KindEdit,
	"Bash":  KindBash,
}

// KindOf maps a tool name to its Kind.
func KindOf(name string) Kind {
	return kindByName[name]
}

// Destructive reports whether tools of this kind change the filesystem or
// run commands.
func (k Kind) Destructive() bool {
	switch k {
	case KindWrite, KindEdit, KindBash:
		return true
	}
	return false
}

// IsDestructive is KindOf(name).Destructive().
func IsDestructive(name string) bool {
	return KindOf(name).Destructive()
}

// FormatInput renders tool input for a permission prompt.
func FormatInput(name string, input map[string]any) string {
	if input == nil {
		return "<no input>"
	}
	switch KindOf(name) {
	case KindWrite:
		return fmt.Sprintf("File: %s\nContent: %s...", ArgsString(input, "file_path"), chunk.Head(ArgsString(input, "content"), 200))
	case KindEdit:
		return fmt.Sprintf("File: %s\nOld: %s\nNew: %s", ArgsString(input, "file_path"), ArgsString(input, "old_string"), ArgsString(input, "new_string"))
	case KindBash:
		return "Command: " + ArgsString(input, "command")
	case KindRead:
		return "File: " + ArgsString(input, "file_path")
	}
	b, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Sprint(input)
	}
	return chunk.Head(string(b), 500)
}
