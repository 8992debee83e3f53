package config

func Defaults() *Config {
	return &Config{
		Mode:                "normal",
		SessionPath:         "~/.waagent/session",
		Model:               "claude-sonnet-4-20250514",
		ProcessMissed:       true,
		MissedThresholdMins: 60,
		LogLevel:            "info",
		Transport:           "whatsapp",
		HistoryLimit:        50,
		WhatsApp: WhatsAppConfig{
			BridgeURL: "ws://127.0.0.1:3001",
		},
		Anthropic: AnthropicConfig{
			TimeoutSeconds: 300,
		},
		Security: SecurityConfig{
			Blacklist: defaultBlacklist(),
			Whitelist: defaultWhitelist(),
			AuditLog:  true,
			AuditPath: "~/.waagent/audit.db",
		},
		Tools: ToolsConfig{
			Shell: ShellToolConfig{
				Timeout:        120,
				MaxOutputBytes: 65536,
			},
		},
		Events: EventsConfig{
			Exchange:      "waagent.events",
			RoutingPrefix: "waagent",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Chunk: ChunkConfig{
			MaxLen:  4000,
			DelayMs: 500,
		},
	}
}

func defaultBlacklist() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"rm -rf ~",
		"mkfs",
		"dd if=",
		":(){:|:&};:",
		"chmod -R 777 /",
		"> /dev/sda",
		"mv /* /dev/null",
		"shutdown",
		"reboot",
	}
}

// Anchored so a whitelisted prefix cannot smuggle a chained command.
func defaultWhitelist() []string {
	return []string{
		`^(ls|pwd|date|whoami|uname|uptime)(\s[^;&|<>$` + "`" + `]*)?$`,
		`^git (status|log|diff|branch|show)(\s[^;&|<>$` + "`" + `]*)?$`,
		`^go (version|env|vet|test|build)(\s[^;&|<>$` + "`" + `]*)?$`,
	}
}
