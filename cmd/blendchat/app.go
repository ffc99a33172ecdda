package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/blendchat/internal/buildinfo"
	"github.com/nugget/blendchat/internal/channel"
	"github.com/nugget/blendchat/internal/chat"
	"github.com/nugget/blendchat/internal/config"
	"github.com/nugget/blendchat/internal/connwatch"
	"github.com/nugget/blendchat/internal/events"
	"github.com/nugget/blendchat/internal/llm"
	"github.com/nugget/blendchat/internal/memory"
	"github.com/nugget/blendchat/internal/mqtt"
	"github.com/nugget/blendchat/internal/opstate"
	"github.com/nugget/blendchat/internal/prompts"
	"github.com/nugget/blendchat/internal/scheduler"
	"github.com/nugget/blendchat/internal/worker"
)

// app holds what every configured command shares. It is built once per
// invocation by newApp and released by Close.
type app struct {
	opts    globalOptions
	cfg     *config.Config
	logger  *slog.Logger
	persona prompts.Persona
	memory  *memory.Store
	state   *opstate.Store
	session *chat.Session
	bus     *events.Bus
	client  *llm.OllamaClient
}

func newApp(opts globalOptions, stderr io.Writer) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	persona, err := loadPersona(cfg)
	if err != nil {
		return nil, err
	}

	trimmer := memory.NewTrimmer(
		memory.MarkerPhrases(persona.ImportantPhrases...),
		logger,
		memory.WithMarkers(prompts.PreservedMarker(persona.Name), prompts.TruncatedMarker),
	)
	policy := memory.NewReinforcementPolicy(persona, cfg.Memory.ReinforceEvery)
	mem := memory.NewStore(cfg.Memory.Dir, trimmer, policy, logger)

	state, err := opstate.NewStore(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	def := chat.DefaultPreferences(cfg.Ollama.DefaultModel)
	def.TokenBudget = memory.TokenBudget(cfg.Memory.TokenBudget)
	def.MemoryEnabled = cfg.Memory.Enabled
	def.AutoRefresh = cfg.Channel.AutoRefresh
	prefs, err := chat.LoadPreferences(state, chat.DefaultScope, def)
	if err != nil {
		logger.Warn("ignoring stored preferences", "error", err)
		prefs = def
	}

	bus := events.New()
	a := &app{
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
		persona: persona,
		memory:  mem,
		state:   state,
		bus:     bus,
	}
	a.session = chat.New(chat.Config{
		Writer:       channel.NewWriter(cfg.Channel.Dir, cfg.Ollama.DefaultModel, logger),
		Watcher:      channel.NewWatcher(cfg.Channel.Dir, logger),
		Memory:       mem,
		Assembler:    memory.NewAssembler(trimmer, persona, logger),
		PollInterval: cfg.Channel.PollInterval,
		Preferences:  prefs,
		State:        state,
		Scope:        chat.DefaultScope,
		Bus:          bus,
		Logger:       logger,
	})
	return a, nil
}

// loadPersona reads the configured persona file, or the built-in one,
// and applies memory overrides from the config.
func loadPersona(cfg *config.Config) (prompts.Persona, error) {
	persona := prompts.DefaultPersona()
	if cfg.PersonaFile != "" {
		p, err := prompts.LoadPersona(cfg.PersonaFile)
		if err != nil {
			return prompts.Persona{}, err
		}
		persona = p
	}
	if len(cfg.Memory.ImportantPhrases) > 0 {
		persona.ImportantPhrases = cfg.Memory.ImportantPhrases
	}
	if cfg.Memory.TopicKeyword != "" {
		persona.TopicKeyword = cfg.Memory.TopicKeyword
	}
	return persona, nil
}

// Close releases the state database.
func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("close state", "error", err)
	}
}

// startScheduler starts the polling scheduler and attaches it to the
// session. With wake_on_change, a new response file triggers an
// immediate poll.
func (a *app) startScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	var opts []scheduler.Option
	if a.cfg.Channel.WakeOnChange {
		opts = append(opts, scheduler.WithWake(a.cfg.Channel.Dir, isResponseFile))
	}
	s := scheduler.New(a.logger, opts...)
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}
	a.session.SetScheduler(s)
	return s, nil
}

func isResponseFile(name string) bool {
	_, ok := channel.ParseSequence(name)
	return ok
}

// ollama returns the backend client, creating it on first use.
func (a *app) ollama() *llm.OllamaClient {
	if a.client == nil {
		a.client = llm.NewOllamaClient(a.cfg.Ollama.URL, a.cfg.Ollama.Timeout, a.logger)
	}
	return a.client
}

func (a *app) newWorker(gen llm.Generator, ready func() bool) *worker.Worker {
	return worker.New(worker.Config{
		Dir:          a.cfg.Channel.Dir,
		DefaultModel: a.cfg.Ollama.DefaultModel,
		Generator:    gen,
		BackendURL:   a.cfg.Ollama.URL,
		Ready:        ready,
		Debounce:     a.cfg.Worker.Debounce,
		Bus:          a.bus,
		Logger:       a.logger,
	})
}

// workerStats adapts the worker's configuration and backend health to
// [mqtt.StatsSource].
type workerStats struct {
	model  string
	health *connwatch.Watcher
}

func (workerStats) Uptime() time.Duration  { return buildinfo.Uptime() }
func (workerStats) Version() string        { return buildinfo.Version }
func (s workerStats) DefaultModel() string { return s.model }
func (s workerStats) BackendReady() bool   { return s.health.IsReady() }

// startStatusPublisher connects to the configured broker and keeps the
// worker's sensors current until the returned stop func is called.
func (a *app) startStatusPublisher(ctx context.Context, health *connwatch.Watcher) (func(), error) {
	instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
	if err != nil {
		return nil, err
	}

	usage := mqtt.NewDailyUsage(nil)
	sub := a.bus.Subscribe(64)
	go usage.Follow(ctx, sub)

	pub := mqtt.New(a.cfg.MQTT, instanceID, usage, workerStats{model: a.cfg.Ollama.DefaultModel, health: health}, a.logger)
	// The connection outlives ctx so the stop func can still mark the
	// device offline after a signal.
	pubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pub.Start(pubCtx); err != nil {
			a.logger.Error("mqtt publisher stopped", "error", err)
		}
	}()
	a.logger.Info("publishing worker status", "broker", a.cfg.MQTT.Broker, "device", a.cfg.MQTT.DeviceName)

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()
		if err := pub.Stop(shutdownCtx); err != nil {
			a.logger.Warn("mqtt disconnect", "error", err)
		}
		cancel()
		<-done
		a.bus.Unsubscribe(sub)
	}, nil
}
