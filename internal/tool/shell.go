package tool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"waagent/internal/domain"
)

const (
	defaultBashTimeout    = 120
	maxBashTimeout        = 600
	defaultMaxOutputBytes = 65536
)

// BashTool runs a command through sh -c in the working directory.
type BashTool struct {
	workingDir     string
	timeoutSeconds int
	maxOutputBytes int
}

type BashConfig struct {
	WorkingDir     string
	TimeoutSeconds int
	MaxOutputBytes int
}

func NewBashTool(cfg BashConfig) *BashTool {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultBashTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &BashTool{
		workingDir:     cfg.WorkingDir,
		timeoutSeconds: cfg.TimeoutSeconds,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

func (s *BashTool) Name() string { return "Bash" }

func (s *BashTool) Description() string {
	return "Execute a shell command in the working directory. Returns combined stdout and stderr."
}

func (s *BashTool) Parameters() map[string]any {
	return objectSchema().
		must("command", "string", "The shell command to execute (e.g. 'ls -la', 'git status')").
		opt("timeout", "integer", "Timeout in seconds (max 600)").
		build()
}

func (s *BashTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(ArgsString(args, "command"))
	if command == "" {
		return "", fmt.Errorf("missing argument: command")
	}

	dir := s.workingDir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	secs := s.timeoutSeconds
	if v, ok := ArgsInt(args, "timeout"); ok && v > 0 {
		secs = min(v, maxBashTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = absDir

	output, err := cmd.CombinedOutput()
	result := string(output)
	if s.maxOutputBytes > 0 && len(result) > s.maxOutputBytes {
		result = result[:s.maxOutputBytes] + "\n... (output truncated)"
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command timed out after %ds", secs)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		return result, fmt.Errorf("exit: %w", err)
	}
	return result, nil
}

var _ domain.Tool = (*BashTool)(nil)
