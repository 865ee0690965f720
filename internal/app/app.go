package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadbot/internal/coalesce"
	"threadbot/internal/config"
	"threadbot/internal/eventbus"
	"threadbot/internal/platform"
	"threadbot/internal/reasoning"
	"threadbot/internal/runtime/supervisor"
	"threadbot/internal/storage"
	"threadbot/internal/task/engine"
	"threadbot/internal/task/scheduler"
	"threadbot/internal/telemetry"
	logx "threadbot/pkg/logx"
	"threadbot/pkg/systemd"
)

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     *storage.Store
	artifacts *storage.ArtifactCache
	client    *platform.Client
	reasoner  *reasoning.Webhook

	engine   *engine.Service
	sched    *scheduler.Service
	coalesce *coalesce.Engine

	session     string
	pollEvery   time.Duration
	traceClose  func(context.Context) error
	coalesceCfg coalesce.Config
}

// NewApp loads the config and builds every component. Nothing talks to
// the network until Start.
func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	alerter, err := buildAlerter(cfg)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	logSvc, log := logx.New(mapLogConfig(cfg), alerter)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var artifacts *storage.ArtifactCache
	if dir := strings.TrimSpace(cfg.Artifacts.Dir); dir != "" {
		artifacts, err = storage.OpenArtifactCache(dir, log.With(logx.String("comp", "artifacts")))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open artifacts: %w", err)
		}
	}

	pc, err := mapPlatformConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rc, err := mapReasoningConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ccfg, err := mapCoalesceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	every, err := pollInterval(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	return &App{
		cfgPath:     cfgPath,
		version:     version,
		cfgm:        cfgm,
		log:         appLog,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		artifacts:   artifacts,
		client:      platform.NewClient(pc, log.With(logx.String("comp", "platform"))),
		reasoner:    reasoning.NewWebhook(rc, log.With(logx.String("comp", "reasoning"))),
		engine:      engineSvc,
		sched:       scheduler.New(mapSchedulerConfig(cfg), store, engineSvc, log.With(logx.String("comp", "scheduler"))),
		pollEvery:   every,
		coalesceCfg: ccfg,
		traceClose:  func(context.Context) error { return nil },
	}, nil
}

// validateRuntime checks what the running service needs beyond a
// structurally valid file.
func validateRuntime(cfg *config.Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Platform.Handle) == "" {
		errs = append(errs, errors.New("platform.handle: required"))
	}
	if strings.TrimSpace(cfg.Reasoning.Endpoint) == "" {
		errs = append(errs, errors.New("reasoning.endpoint: required"))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := scheduleDefinitions(cfg, nopPrompts{}, nil, nil, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type nopPrompts struct{}

func (nopPrompts) SubmitPrompt(context.Context, reasoning.Prompt) error { return nil }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	cfg := a.cfgm.Get()
	if shutdown, err := telemetry.Setup(run, mapTelemetryConfig(cfg, a.version)); err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
	} else {
		a.traceClose = shutdown
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := validateRuntime(c); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(c); err != nil {
			return err
		}
		_, err := mapCoalesceConfig(c)
		return err
	})

	if err := a.client.Login(run); err != nil {
		return err
	}
	ccfg := a.coalesceCfg
	ccfg.SelfDID = a.client.DID()

	a.session = uuid.NewString()
	if err := a.store.StartSession(run, a.session, time.Now()); err != nil {
		a.log.Warn("session not recorded", logx.Err(err))
		a.session = ""
	}

	var sink coalesce.ArtifactSink
	if a.artifacts != nil {
		sink = a.artifacts
	}
	a.coalesce = coalesce.New(ccfg, coalesce.Deps{
		Store:     a.store,
		Feed:      a.client,
		Fetcher:   a.client,
		Submitter: a.reasoner,
		Pool:      a.engine,
		Bus:       a.bus,
		Artifacts: sink,
		Log:       a.log,
		SessionID: a.session,
	})

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	defs, err := scheduleDefinitions(cfg, a.reasoner, a.store, a.artifacts, a.log.With(logx.String("comp", "maintenance")))
	if err != nil {
		return err
	}
	if err := a.sched.Sync(run, defs); err != nil {
		return err
	}
	a.sched.Start(run)

	a.sup.GoRestart("coalesce.poll", func(c context.Context) error {
		err := a.coalesce.Run(c, a.pollEvery)
		if c.Err() != nil {
			return nil
		}
		return err
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.RunWatchdog(c, func() bool { return a.sup.Err() == nil }, a.log); err != nil {
			a.log.Debug("watchdog unavailable", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status("polling every %s", a.pollEvery)
	a.log.Info("app started",
		logx.String("version", a.version), logx.String("session", a.session),
		logx.Bool("coalesce", ccfg.Enabled), logx.Duration("poll", a.pollEvery))
	return nil
}

// logEvents mirrors bus traffic into the log. Batch and task failures are
// warnings so they reach the alert sink.
func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			switch d := e.Data.(type) {
			case eventbus.Thread:
				fields = append(fields, logx.String("root", d.RootID), logx.Int("count", d.Count))
				if d.Error != "" {
					fields = append(fields, logx.String("err", d.Error))
				}
			case engine.TaskEvent:
				fields = append(fields, logx.String("task", d.Name), logx.String("key", d.Key), logx.Duration("took", d.Duration))
				if d.Error != "" {
					fields = append(fields, logx.String("err", d.Error))
				}
			}
			switch e.Type {
			case eventbus.TopicBatchExhausted, eventbus.TopicTaskFailed:
				a.log.Warn("event", fields...)
			default:
				a.log.Debug("event", fields...)
			}
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the latest of a burst.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "platform", "reasoning", "coalesce", "poller", "telemetry", "artifacts":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if alerter, err := buildAlerter(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.logs.SetAlerter(alerter)
	}

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(c, engCfg)
		switch {
		case wasEnabled && !engCfg.Enabled:
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !wasEnabled && engCfg.Enabled:
			a.engine.Start(c)
		}
	}

	if defs, err := scheduleDefinitions(newCfg, a.reasoner, a.store, a.artifacts, a.log.With(logx.String("comp", "maintenance"))); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		if err := a.sched.Sync(c, defs); err != nil {
			a.log.Warn("schedule sync incomplete", logx.Err(err))
		}
		a.sched.Apply(c, mapSchedulerConfig(newCfg))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		_ = a.store.Close()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("session", time.Second, func(c context.Context) error {
		if a.session == "" {
			return nil
		}
		return a.store.StopSession(c, a.session, time.Now())
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("telemetry", 3*time.Second, a.traceClose)

	a.log.Info("stopped")
	return a.logs.Close()
}
