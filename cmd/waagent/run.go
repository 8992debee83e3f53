package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"waagent/internal/access"
	"waagent/internal/agent"
	"waagent/internal/bus"
	"waagent/internal/channel"
	"waagent/internal/config"
	"waagent/internal/domain"
	"waagent/internal/eventsink"
	"waagent/internal/metrics"
	"waagent/internal/permission"
	"waagent/internal/provider"
	"waagent/internal/security"
	"waagent/internal/session"
	"waagent/internal/store"
	"waagent/internal/targeting"
	"waagent/internal/tool"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// runFlags override the config file for one run.
type runFlags struct {
	directory          string
	mode               string
	whitelist          []string
	session            string
	model              string
	maxTurns           int
	processMissed      bool
	missedThreshold    int
	verbose            bool
	agentName          string
	systemPrompt       string
	systemPromptAppend string
	joinGroup          string
	allowAllGroup      bool
	transport          string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent on the configured transport (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd, &f)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.directory, "directory", "d", "", "working directory for the agent (default: current directory)")
	fl.StringVar(&f.mode, "mode", "", "permission mode: plan|readonly, normal, dangerously-skip-permissions|yolo")
	fl.StringSliceVarP(&f.whitelist, "whitelist", "w", nil, "phone numbers or chat ids allowed to talk to the agent")
	fl.StringVar(&f.session, "session", "", "session directory for the WhatsApp bridge")
	fl.StringVarP(&f.model, "model", "m", "", "Claude model (shorthand such as sonnet, opus, haiku, or a full id)")
	fl.IntVar(&f.maxTurns, "max-turns", 0, "maximum backend turns per message")
	fl.BoolVar(&f.processMissed, "process-missed", true, "answer messages that arrived while the agent was offline")
	fl.IntVar(&f.missedThreshold, "missed-threshold", 0, "ignore missed messages older than this many minutes")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	fl.StringVar(&f.agentName, "agent-name", "", "name used in message prefixes and @mentions (default: random hero)")
	fl.StringVar(&f.systemPrompt, "system-prompt", "", "replace the built-in system prompt")
	fl.StringVar(&f.systemPromptAppend, "system-prompt-append", "", "text appended to the system prompt")
	fl.StringVar(&f.joinGroup, "join-whatsapp-group", "", "WhatsApp group invite link or code; the agent then only listens to that group")
	fl.BoolVar(&f.allowAllGroup, "allow-all-group-participants", false, "in group mode, answer every participant instead of whitelisted ones only")
	fl.StringVar(&f.transport, "transport", "", "whatsapp, telegram or console")
	return cmd
}

func chatCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.transport = "console"
			cfg, err := loadRunConfig(cmd, &f)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.directory, "directory", "d", "", "working directory for the agent (default: current directory)")
	fl.StringVar(&f.mode, "mode", "", "permission mode: plan|readonly, normal, dangerously-skip-permissions|yolo")
	fl.StringVarP(&f.model, "model", "m", "", "Claude model")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	fl.StringVar(&f.agentName, "agent-name", "", "name used in message prefixes")
	return cmd
}

// loadRunConfig reads the config file, applies the flags that were set and
// validates the result.
func loadRunConfig(cmd *cobra.Command, f *runFlags) (*config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed

	if changed("directory") {
		cfg.Directory = config.ExpandPath(f.directory)
	}
	if changed("mode") {
		cfg.Mode = f.mode
	}
	if changed("whitelist") {
		cfg.Whitelist = f.whitelist
	}
	if changed("session") {
		cfg.SessionPath = config.ExpandPath(f.session)
	}
	if changed("model") {
		cfg.Model = f.model
	}
	if changed("max-turns") {
		cfg.MaxTurns = f.maxTurns
	}
	if changed("process-missed") {
		cfg.ProcessMissed = f.processMissed
	}
	if changed("missed-threshold") {
		cfg.MissedThresholdMins = f.missedThreshold
	}
	if changed("verbose") {
		cfg.Verbose = f.verbose
	}
	if changed("agent-name") {
		cfg.AgentName = f.agentName
	}
	if changed("system-prompt") {
		cfg.SystemPrompt = f.systemPrompt
	}
	if changed("system-prompt-append") {
		cfg.SystemPromptAppend = f.systemPromptAppend
	}
	if changed("join-whatsapp-group") {
		cfg.WhatsApp.JoinGroup = f.joinGroup
	}
	if changed("allow-all-group-participants") {
		cfg.WhatsApp.AllowAllGroupParticipants = f.allowAllGroup
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}

	if cfg.Directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.Directory = wd
	}
	abs, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, err
	}
	cfg.Directory = abs

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if info, err := os.Stat(cfg.Directory); err != nil || !info.IsDir() {
		return nil, &domain.ValidationError{Field: "directory", Problem: fmt.Sprintf("%s is not a directory", cfg.Directory)}
	}
	return cfg, nil
}

// chunkDelay maps chunk.delayMs to the dispatcher setting, where 0 turns
// pacing off.
func chunkDelay(ms int) time.Duration {
	if ms == 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// runAgent wires every component for one transport and blocks until a signal
// arrives or the console quits.
func runAgent(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger = newLogger(cfg.LogLevel, cfg.Verbose)
	startTime := time.Now()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mode, err := domain.ParsePermissionMode(cfg.Mode)
	if err != nil {
		return err
	}
	identity := targeting.NewIdentity(cfg.Directory, cfg.AgentName)

	// Audit log and tool gate
	var audit domain.AuditLogger
	if cfg.Security.AuditLog {
		st, err := store.NewSQLiteStore(cfg.Security.AuditPath, logger)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer st.Close()
		audit = st
	}
	engine, err := security.NewEngine(cfg.Security, audit, logger)
	if err != nil {
		return fmt.Errorf("security engine: %w", err)
	}

	// Events
	events := bus.NewEventBus(logger)
	events.On(bus.AllEvents, bus.LogHandler(logger))
	events.On(bus.AllEvents, metrics.HandleEvent)
	events.On(domain.EventQR, func(e domain.Event) {
		fmt.Fprintf(os.Stderr, "\nLink this agent: open WhatsApp > Linked devices and scan the QR code for:\n%s\n\n", e.QR)
	})
	if cfg.Events.AMQPURL != "" {
		rmq, err := eventsink.DialRabbitMQ(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			logger.Warn("event sink disabled", "err", err)
		} else {
			sink := eventsink.NewSink(rmq, eventsink.SinkConfig{
				RoutingPrefix: cfg.Events.RoutingPrefix,
				Producer:      "waagent/" + identity.Name,
				Logger:        logger,
			})
			events.Subscribe(sink)
			defer sink.Close()
			logger.Info("publishing events", "exchange", cfg.Events.Exchange)
		}
	}

	// Permission broker
	var broker *permission.Broker
	broker = permission.NewBroker(permission.Config{
		Observer: func(req permission.Request, d permission.Decision) {
			engine.ObservePermission(req, d)
			metrics.PendingPermissions.Set(int64(broker.PendingCount()))
		},
		Logger: logger,
	})
	events.On(domain.EventPermissionRequest, func(domain.Event) {
		metrics.PendingPermissions.Set(int64(broker.PendingCount()))
	})

	// Backend
	tools := tool.NewWorkspaceRegistry(tool.BashConfig{
		WorkingDir:     cfg.Directory,
		TimeoutSeconds: cfg.Tools.Shell.Timeout,
		MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
	}, logger)

	backend, err := provider.New(provider.Options{
		APIKey:        cfg.Anthropic.APIKey,
		APIBase:       cfg.Anthropic.APIBase,
		Model:         cfg.Model,
		FallbackModel: cfg.FallbackModel,
		Timeout:       time.Duration(cfg.Anthropic.TimeoutSeconds) * time.Second,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		MaxTurns:      cfg.MaxTurns,
		Mode:          mode,
		Prompt: provider.PromptConfig{
			Identity:  identity,
			Directory: cfg.Directory,
			Override:  cfg.SystemPrompt,
			Append:    cfg.SystemPromptAppend,
		},
		Tools:  tools,
		Gate:   engine,
		OnChat: metrics.ObserveChat,
		OnTool: metrics.ObserveTool,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Transport
	messageBus := bus.New(100, logger)
	sent := channel.NewSentIDs(0, 0)
	whitelist := []string(cfg.Whitelist)

	var dispatcher *agent.Dispatcher
	var transport domain.Transport
	switch cfg.Transport {
	case "whatsapp":
		transport = channel.NewWhatsApp(channel.WhatsAppConfig{
			BridgeURL: cfg.WhatsApp.BridgeURL,
			JoinGroup: cfg.WhatsApp.JoinGroup,
			Events:    events,
			OnGroupJoined: func(address string) {
				dispatcher.SetGroupAddress(address)
			},
			Sent:   sent,
			Logger: logger,
		})
	case "telegram":
		transport = channel.NewTelegram(channel.TelegramConfig{
			Token:  cfg.Telegram.Token,
			Events: events,
			Sent:   sent,
			Logger: logger,
		})
	case "console":
		transport = channel.NewConsole(channel.ConsoleConfig{OnQuit: cancel, Logger: logger})
		whitelist = append(whitelist, channel.ConsoleSender)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	dispatcher = agent.NewDispatcher(agent.DispatcherConfig{
		Transport: transport,
		Backend:   backend,
		Broker:    broker,
		Queue:     session.NewQueue(),
		Window:    session.NewWindow(cfg.HistoryLimit),
		Policy: access.Policy{
			Whitelist:                 whitelist,
			AllowAllGroupParticipants: cfg.WhatsApp.AllowAllGroupParticipants,
		},
		Identity:        identity,
		Events:          events,
		Logger:          logger,
		Mode:            mode,
		Model:           cfg.Model,
		Directory:       cfg.Directory,
		GroupMode:       cfg.Transport == "whatsapp" && cfg.WhatsApp.JoinGroup != "",
		ProcessMissed:   cfg.ProcessMissed,
		MissedThreshold: time.Duration(cfg.MissedThresholdMins) * time.Minute,
		StartTime:       startTime,
		ChunkSize:       cfg.Chunk.MaxLen,
		ChunkDelay:      chunkDelay(cfg.Chunk.DelayMs),
	})

	// Hot reload of whitelist and mode
	if _, err := os.Stat(resolveConfigPath()); err == nil {
		err := config.Watch(ctx, resolveConfigPath(), logger, func(next *config.Config) {
			wl := []string(next.Whitelist)
			if cfg.Transport == "console" {
				wl = append(wl, channel.ConsoleSender)
			}
			dispatcher.SetWhitelist(wl)
			if m, err := domain.ParsePermissionMode(next.Mode); err == nil && m != backend.Mode() {
				_ = engine.LogAction(ctx, domain.AuditEntry{
					Action:  "mode_change",
					Result:  string(m),
					Details: "config reload, was " + string(backend.Mode()),
					Mode:    m,
				})
				dispatcher.SetMode(m)
			}
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	logger.Info("starting waagent",
		"version", version,
		"agent", identity.Display(),
		"transport", transport.Name(),
		"backend", backend.Name(),
		"mode", mode,
		"whitelist", len(cfg.Whitelist))

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx, messageBus.Subscribe())
	}()

	transportErr := make(chan error, 1)
	go func() {
		transportErr <- transport.Start(ctx, messageBus)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-transportErr:
		if err != nil {
			logger.Error("transport stopped", "transport", transport.Name(), "err", err)
			runErr = err
		}
		cancel()
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Shutdown()
		if err := transport.Stop(); err != nil {
			logger.Warn("transport stop", "err", err)
		}
		<-dispatchDone
		messageBus.Close()
	}()

	select {
	case <-done:
		delivered, dropped := messageBus.Stats()
		logger.Info("shutdown complete", "messages", delivered, "dropped", dropped,
			"errors", events.Counts()[domain.EventError])
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		runErr = errors.Join(runErr, fmt.Errorf("shutdown timed out"))
	}
	return runErr
}
