package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"waagent/internal/domain"
	"waagent/internal/provider"
)

// Config is the root configuration for waagent.
type Config struct {
	Directory           string         `json:"directory" yaml:"directory"`
	Mode                string         `json:"mode" yaml:"mode"`
	Whitelist           FlexStringList `json:"whitelist" yaml:"whitelist"`
	SessionPath         string         `json:"sessionPath" yaml:"sessionPath"`
	Model               string         `json:"model" yaml:"model"`
	FallbackModel       string         `json:"fallbackModel,omitempty" yaml:"fallbackModel,omitempty"`
	MaxTurns            int            `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
	ProcessMissed       bool           `json:"processMissed" yaml:"processMissed"`
	MissedThresholdMins int            `json:"missedThresholdMins" yaml:"missedThresholdMins"`
	Verbose             bool           `json:"verbose" yaml:"verbose"`
	LogLevel            string         `json:"logLevel" yaml:"logLevel"`
	AgentName           string         `json:"agentName,omitempty" yaml:"agentName,omitempty"`
	SystemPrompt        string         `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	SystemPromptAppend  string         `json:"systemPromptAppend,omitempty" yaml:"systemPromptAppend,omitempty"`
	Transport           string         `json:"transport" yaml:"transport"` // "whatsapp" | "telegram" | "console"
	HistoryLimit        int            `json:"historyLimit" yaml:"historyLimit"`

	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Chunk     ChunkConfig     `json:"chunk" yaml:"chunk"`
}

type WhatsAppConfig struct {
	BridgeURL                 string `json:"bridgeUrl" yaml:"bridgeUrl"`
	JoinGroup                 string `json:"joinGroup,omitempty" yaml:"joinGroup,omitempty"` // invite link or code
	AllowAllGroupParticipants bool   `json:"allowAllGroupParticipants" yaml:"allowAllGroupParticipants"`
}

type TelegramConfig struct {
	Token string `json:"token" yaml:"token"`
}

type AnthropicConfig struct {
	APIKey         string `json:"apiKey" yaml:"apiKey"`
	APIBase        string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxTokens      int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// SecurityConfig drives the tool gate. Blacklisted Bash commands are refused
// in every mode; whitelisted ones run without asking in normal mode.
type SecurityConfig struct {
	Blacklist []string `json:"blacklist" yaml:"blacklist"`
	Whitelist []string `json:"whitelist" yaml:"whitelist"`
	AuditLog  bool     `json:"auditLog" yaml:"auditLog"`
	AuditPath string   `json:"auditPath" yaml:"auditPath"`
}

type ToolsConfig struct {
	Shell ShellToolConfig `json:"shell" yaml:"shell"`
}

type ShellToolConfig struct {
	Timeout        int `json:"timeout" yaml:"timeout"`
	MaxOutputBytes int `json:"maxOutputBytes" yaml:"maxOutputBytes"`
}

// EventsConfig enables the AMQP event sink when AMQPURL is set.
type EventsConfig struct {
	AMQPURL       string `json:"amqpUrl,omitempty" yaml:"amqpUrl,omitempty"`
	Exchange      string `json:"exchange" yaml:"exchange"`
	RoutingPrefix string `json:"routingPrefix" yaml:"routingPrefix"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

type ChunkConfig struct {
	MaxLen  int `json:"maxLen" yaml:"maxLen"`
	DelayMs int `json:"delayMs" yaml:"delayMs"`
}

// FlexStringList is a []string that also accepts numbers and a single
// comma-separated string (e.g. ["123", 456] or "123,456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json5.Unmarshal(data, &s); err == nil {
		*f = splitList(s)
		return nil
	}
	var raw []any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case float64:
			result = append(result, strconv.FormatInt(int64(v), 10))
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*f = splitList(node.Value)
		return nil
	case yaml.SequenceNode:
		result := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: whitelist entries must be scalars", item.Line)
			}
			result = append(result, item.Value)
		}
		*f = result
		return nil
	}
	return fmt.Errorf("line %d: expected a list", node.Line)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultConfigDir returns the default config directory (~/.waagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".waagent"
	}
	return filepath.Join(home, ".waagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON5 or YAML config (by extension) over Defaults and applies
// environment overrides. A missing file yields the defaults. Load does not
// validate: callers apply flag overrides first, then call Validate.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json5.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays secrets from the environment when the file
// leaves them empty.
func (c *Config) applyEnvOverrides() {
	envStr := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	envStr(&c.Anthropic.APIKey, "WAAGENT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	envStr(&c.Anthropic.APIBase, "WAAGENT_ANTHROPIC_API_BASE", "ANTHROPIC_BASE_URL")
	envStr(&c.Telegram.Token, "WAAGENT_TELEGRAM_TOKEN")
	envStr(&c.Events.AMQPURL, "WAAGENT_AMQP_URL")
}

func (c *Config) expandPaths() {
	c.Directory = ExpandPath(c.Directory)
	c.SessionPath = ExpandPath(c.SessionPath)
	c.Security.AuditPath = ExpandPath(c.Security.AuditPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or indented JSON depending on the extension. The
// file may hold secrets, so it is private to the user.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Every problem is
// reported; the error matches domain.ErrValidation.
func Validate(cfg *Config) error {
	var errs []string

	if _, err := domain.ParsePermissionMode(cfg.Mode); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := provider.ResolveModel(cfg.Model); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.FallbackModel != "" {
		if _, err := provider.ResolveModel(cfg.FallbackModel); err != nil {
			errs = append(errs, "fallbackModel: "+strings.TrimPrefix(err.Error(), "model: "))
		}
	}

	switch cfg.Transport {
	case "whatsapp":
		if cfg.WhatsApp.BridgeURL == "" {
			errs = append(errs, "whatsapp.bridgeUrl is required for the whatsapp transport")
		} else if u, err := url.Parse(cfg.WhatsApp.BridgeURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, "whatsapp.bridgeUrl must be a ws:// or wss:// URL")
		}
	case "telegram":
		if cfg.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required for the telegram transport")
		}
	case "console":
	default:
		errs = append(errs, "transport must be one of: whatsapp, telegram, console")
	}

	if cfg.Transport != "console" && len(cfg.Whitelist) == 0 {
		errs = append(errs, "whitelist must contain at least one entry")
	}
	for i, w := range cfg.Whitelist {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, fmt.Sprintf("whitelist[%d] is empty", i))
		}
	}

	if cfg.MaxTurns < 0 || cfg.MaxTurns > 200 {
		errs = append(errs, "maxTurns must be between 0 and 200")
	}
	if cfg.MissedThresholdMins < 0 {
		errs = append(errs, "missedThresholdMins must be >= 0")
	}
	if cfg.HistoryLimit < 1 {
		errs = append(errs, "historyLimit must be >= 1")
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Anthropic.TimeoutSeconds < 0 {
		errs = append(errs, "anthropic.timeoutSeconds must be >= 0")
	}
	if cfg.Tools.Shell.Timeout < 1 {
		errs = append(errs, "tools.shell.timeout must be >= 1")
	}
	if cfg.Chunk.MaxLen != 0 && cfg.Chunk.MaxLen < 100 {
		errs = append(errs, "chunk.maxLen must be 0 (default) or >= 100")
	}
	if cfg.Chunk.DelayMs < 0 {
		errs = append(errs, "chunk.delayMs must be >= 0")
	}

	if cfg.Events.AMQPURL != "" {
		if u, err := url.Parse(cfg.Events.AMQPURL); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			errs = append(errs, "events.amqpUrl must be an amqp:// or amqps:// URL")
		}
		if cfg.Events.Exchange == "" {
			errs = append(errs, "events.exchange is required when events.amqpUrl is set")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}
	if cfg.Security.AuditLog && cfg.Security.AuditPath == "" {
		errs = append(errs, "security.auditPath is required when the audit log is enabled")
	}

	if len(errs) > 0 {
		return &domain.ValidationError{
			Problem: "config validation errors:\n  - " + strings.Join(errs, "\n  - "),
		}
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
