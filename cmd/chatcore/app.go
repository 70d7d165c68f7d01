package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/chatcore/internal/buildinfo"
	"github.com/nugget/chatcore/internal/calendar"
	"github.com/nugget/chatcore/internal/config"
	"github.com/nugget/chatcore/internal/events"
	"github.com/nugget/chatcore/internal/fetch"
	"github.com/nugget/chatcore/internal/mcp"
	"github.com/nugget/chatcore/internal/memory"
	"github.com/nugget/chatcore/internal/notify"
	"github.com/nugget/chatcore/internal/publicapi"
	"github.com/nugget/chatcore/internal/search"
	"github.com/nugget/chatcore/internal/settings"
	"github.com/nugget/chatcore/internal/tools"
	"github.com/nugget/chatcore/internal/turn"
)

// app is the wired set of components one command runs against.
type app struct {
	cfg       *config.Config
	opts      options
	logger    *slog.Logger
	bus       *events.Bus
	snapshot  settings.Snapshot
	registry  *tools.Registry
	router    *tools.Router
	executor  *turn.Executor
	memory    *memory.Store
	notifier  *notify.Provider
	stopWatch func()
}

// withApp loads configuration, wires the app, runs fn and tears the
// app down again.
func withApp(ctx context.Context, stderr io.Writer, opts options, fn func(*app) error) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath, "version", buildinfo.Version)

	a, err := newApp(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newApp(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()
	store, err := memory.NewStore(cfg.DBPath(), logger, memory.WithEventBus(bus))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		bus:      bus,
		snapshot: cfg.Snapshot(),
		memory:   store,
	}
	a.stopWatch = watchEvents(bus, logger)

	if err := a.migrateLegacyMemory(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.registry = tools.NewRegistry(logger)
	if err := a.registerProviders(); err != nil {
		a.close()
		return nil, err
	}
	a.router = tools.NewRouter(a.registry, logger)
	a.router.SetEventBus(bus)
	a.executor = turn.NewExecutor(a.router, logger, turn.WithEventBus(bus))
	return a, nil
}

// registerProviders binds every known provider identifier to its
// implementation. Enablement is left to the snapshot.
func (a *app) registerProviders() error {
	cfg := a.cfg
	reg := func(id string, p tools.Provider) {
		a.registry.Register(id, p, tools.WithTimeout(cfg.ProviderTimeout(id)))
	}

	shell := tools.DefaultShellExecConfig()
	shell.WorkingDir = cfg.Local.WorkingDir
	shell.AllowedCmds = cfg.Local.AllowedCmds
	if len(cfg.Local.DeniedCmds) > 0 {
		shell.DeniedCmds = cfg.Local.DeniedCmds
	}
	if cfg.Local.MaxOutputBytes > 0 {
		shell.MaxOutputBytes = cfg.Local.MaxOutputBytes
	}
	reg(settings.Local, tools.NewShellExec(shell))
	reg(settings.File, tools.NewFileTools(cfg.Workspace.Path))
	reg(settings.Browse, fetch.New(0))
	reg(settings.Memory, memory.NewTool(a.memory))

	cal, err := calendar.New(calendar.Config{
		Endpoint: cfg.Calendar.Endpoint,
		Username: cfg.Calendar.Username,
		Password: cfg.Calendar.Password,
		Calendar: cfg.Calendar.Calendar,
		Timezone: cfg.Calendar.Timezone,
	}, a.logger)
	if err != nil {
		return err
	}
	reg(settings.Calendar, cal)

	a.notifier = notify.New(notify.Config{
		Broker:   cfg.Notification.Broker,
		Username: cfg.Notification.Username,
		Password: cfg.Notification.Password,
		ClientID: cfg.Notification.ClientID,
		Topic:    cfg.Notification.Topic,
		DataDir:  cfg.DataDir,
	}, a.logger)
	reg(settings.Notification, a.notifier)

	for _, id := range tools.PublicAPIOrder {
		reg(id, publicapi.New(id, cfg.PublicAPIBaseURL(id)))
	}
	reg(settings.SERPBaidu, search.NewAdapter(search.NewBaidu(cfg.SERPBaseURL(settings.SERPBaidu)), search.Options{}))
	reg(settings.SERPDuckDuckGo, search.NewAdapter(search.NewDuckDuckGo(cfg.SERPBaseURL(settings.SERPDuckDuckGo)), search.Options{}))

	reg(settings.MCP, mcp.NewProvider(a.logger, a.snapshot.MCPServers()))
	return nil
}

// migrateLegacyMemory imports the configured legacy file into the
// default session once.
func (a *app) migrateLegacyMemory(ctx context.Context) error {
	path := a.cfg.Memory.LegacyFile
	if path == "" {
		return nil
	}
	lines, err := memory.ReadLegacyFile(path)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Debug("legacy memory file absent", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = a.memory.MigrateLegacy(ctx, tools.DefaultSessionID, lines)
	return err
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.notifier != nil {
		if err := a.notifier.Stop(ctx); err != nil {
			a.logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if err := a.memory.Close(); err != nil {
		a.logger.Warn("close memory store", "error", err)
	}
}

// watchEvents logs every bus event at trace level until the returned
// function is called.
func watchEvents(bus *events.Bus, logger *slog.Logger) func() {
	if !logger.Enabled(context.Background(), config.LevelTrace) {
		return func() {}
	}
	ch := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			logger.Log(context.Background(), config.LevelTrace, "event",
				"source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}
