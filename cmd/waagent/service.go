package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"text/template"

	"waagent/internal/config"

	"github.com/spf13/cobra"
)

// service describes one background agent. Each working directory gets its
// own unit so several agents can run on one machine.
type service struct {
	Name      string // waagent-<folder>
	Exec      string
	Config    string
	Directory string
	LogDir    string
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run the agent in the background (launchd/systemd user service)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write a user service that starts the agent at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			switch runtime.GOOS {
			case "darwin":
				return svc.installLaunchd()
			case "linux":
				return svc.installSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the user service for the configured directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			path := svc.unitPath()
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	})
	return cmd
}

var unsafeUnitChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func newService() (*service, error) {
	cfgPath, err := filepath.Abs(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Transport == "console" {
		return nil, fmt.Errorf("the console transport needs a terminal and cannot run as a service")
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("set \"directory\" in %s before installing a service", cfgPath)
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot determine executable path: %w", err)
	}
	folder := strings.ToLower(unsafeUnitChars.ReplaceAllString(filepath.Base(cfg.Directory), "-"))
	return &service{
		Name:      "waagent-" + folder,
		Exec:      execPath,
		Config:    cfgPath,
		Directory: cfg.Directory,
		LogDir:    filepath.Join(config.DefaultConfigDir(), "logs"),
	}, nil
}

func (s *service) unitPath() string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "LaunchAgents", "com."+s.Name+".plist")
	}
	return filepath.Join(home, ".config", "systemd", "user", s.Name+".service")
}

func (s *service) write(tmpl *template.Template) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return "", err
	}
	path := s.unitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *service) installLaunchd() error {
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return err
	}
	path, err := s.write(launchdTemplate)
	if err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func (s *service) installSystemd() error {
	path, err := s.write(systemdTemplate)
	if err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start %s\n", s.Name)
	fmt.Printf("To enable: systemctl --user enable %s\n", s.Name)
	fmt.Printf("Logs:      journalctl --user -u %s -f\n", s.Name)
	return nil
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.Directory}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/{{.Name}}.err.log</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description=waagent coding agent for {{.Directory}}
After=network-online.target

[Service]
Type=simple
WorkingDirectory={{.Directory}}
ExecStart={{.Exec}} run --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
