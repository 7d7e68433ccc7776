package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medremind/internal/config"
	"medremind/internal/eventbus"
	"medremind/internal/notifier"
	"medremind/internal/observability/ops"
	"medremind/internal/reminders"
	rtsup "medremind/internal/runtime/supervisor"
	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	kit "medremind/internal/transport"
	logx "medremind/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	channel   kit.Channel
	engine    *scheduler.Engine
	notif     *notifier.Service
	reminders *reminders.Service
	metrics   *ops.Metrics
	ops       *ops.Service
}

// New loads and validates the config and builds every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, log logx.Logger) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	ch, err := newChannel(cfg, log.With(logx.String("comp", "channel")))
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	notif := notifier.New(ncfg, ch, log.With(logx.String("comp", "notifier")), bus, store)
	engine := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, notif, log.With(logx.String("comp", "scheduler")), bus)
	rem := reminders.New(engine, store, store, log.With(logx.String("comp", "reminders")), bus)
	rem.SetBrand(cfg.Dispatch.Brand)

	metrics := ops.NewMetrics()
	opsSvc := ops.New(ocfg, ops.Deps{
		Jobs:       engine,
		Deliveries: notif,
		Schedules:  rem,
		Metrics:    metrics,
	}, log.With(logx.String("comp", "ops")))

	log.Info("components ready",
		logx.String("channel", ch.Name()),
		logx.String("storage", sc.Driver),
		logx.String("timezone", engine.Location().String()),
	)
	return &App{
		log:       log.With(logx.String("comp", "app")),
		bus:       bus,
		store:     store,
		channel:   ch,
		engine:    engine,
		notif:     notif,
		reminders: rem,
		metrics:   metrics,
		ops:       opsSvc,
	}, nil
}

func (a *App) Reminders() *reminders.Service { return a.reminders }

func (a *App) Engine() *scheduler.Engine { return a.engine }

func (a *App) Store() storage.Store { return a.store }

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

// Recover registers every enabled schedule without starting the engine.
// The job table can then be inspected with Engine().Snapshot().
func (a *App) Recover(ctx context.Context) (reminders.RecoveryReport, error) {
	return a.reminders.RecoverAll(ctx)
}

// Start brings the pipeline up: dispatcher, recovery, engine, then the ops
// server and the config watcher. The returned report is the startup recovery.
func (a *App) Start(ctx context.Context) (reminders.RecoveryReport, error) {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app.sup"))),
		rtsup.WithCancelOnError(true),
	)
	run := a.sup.Context()

	// In-flight sends get until Stop's deadline, not the moment run is cancelled.
	a.notif.Start(context.WithoutCancel(run))

	rep, err := a.reminders.RecoverAll(run)
	if err != nil {
		// Nothing was registered, but schedules enabled later still work.
		a.log.Error("startup recovery failed", logx.Err(err))
	}
	a.engine.Start(run)

	a.sup.GoRestart("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.ops.Start(run)

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Int("jobs", a.engine.Len()))
	return rep, err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies a validated config. Sections that only take effect
// at startup are reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(change.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, change.Attrs...)...)

	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")),
		)
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	// Jobs already registered keep the text they were built with.
	a.reminders.SetBrand(newCfg.Dispatch.Brand)

	if ocfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	a.log.Info("config reloaded", logx.String("changed", changed))
}

// Stop shuts down in reverse dependency order: intake first, storage last.
// Each step is bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
