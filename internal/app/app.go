package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tabnotify/internal/crosstab"
	"tabnotify/internal/diagnostics"
	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/pipeline"
	"tabnotify/internal/scheduler"
	"tabnotify/internal/storage"
	"tabnotify/internal/transport/realtime"
	"tabnotify/internal/transport/rest"
	"tabnotify/internal/transport/telegram"
	logx "tabnotify/pkg/logx"
)

// Options are the per-process settings that do not live in the config file.
type Options struct {
	// TabID identifies this tab in the shared store.
	TabID string
	// Headless tabs never render cards; only the OS channel presents.
	Headless bool
}

type App struct {
	cfgPath string
	opts    Options

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	shared crosstab.Store
	coord  *crosstab.Coordinator

	fx    *effects.Service
	sched *scheduler.Service
	rt    *realtime.Client
	tg    *telegram.Notifier
	pipe  *pipeline.Pipeline

	metrics   *diagnostics.Metrics
	lifecycle *diagnostics.Lifecycle
	debug     *diagnostics.Server
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	if strings.TrimSpace(opts.TabID) == "" {
		return nil, errors.New("tab id is required")
	}
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"), logx.String("tab", opts.TabID))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Shared tab state
	xc, err := mapCrossTabConfig(cfg)
	if err != nil {
		return nil, err
	}
	shared, err := crosstab.Open(xc, opts.TabID, log.With(logx.String("comp", "crosstab")))
	if err != nil {
		closeStore(store)
		return nil, err
	}

	pcfg, err := mapPipelineConfig(cfg, opts.Headless)
	if err != nil {
		return nil, err
	}
	coord := crosstab.NewCoordinator(shared, crosstab.Config{TabID: opts.TabID, MuteTTL: pcfg.MuteTTL}, log)

	fxCfg, err := mapEffectsConfig(cfg)
	if err != nil {
		return nil, err
	}
	fx := effects.New(fxCfg, log.With(logx.String("comp", "effects")), bus)

	deps := pipeline.Deps{
		Recipient:   mapRecipient(cfg),
		Coordinator: coord,
		Store:       store,
		Effects:     fx,
		Bus:         bus,
		Log:         log,
	}

	rc, err := mapRESTConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch api, err := rest.New(rc, log.With(logx.String("comp", "rest"))); {
	case errors.Is(err, rest.ErrNotConfigured):
		log.Warn("rest base url not set; read receipts and replay disabled")
	case err != nil:
		return nil, err
	default:
		deps.API = api
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	deps.OS = tg

	// The realtime hooks reach the pipeline, and the pipeline acks through
	// the client, so the pipeline is bound after both exist.
	var pipe *pipeline.Pipeline
	var app *App
	rtc, err := mapRealtimeConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt, err := realtime.New(rtc, realtime.Hooks{
		OnFrame: func(f realtime.Frame) {
			if err := pipe.HandleFrame(app.runContext(), f); err != nil && !errors.Is(err, pipeline.ErrLoopStopped) {
				log.Debug("frame not handled", logx.String("event", f.Event), logx.Err(err))
			}
		},
		OnConnect:    func(reconnect bool) { pipe.OnConnect(reconnect) },
		OnDisconnect: func(err error) { pipe.OnDisconnect(err) },
	}, log.With(logx.String("comp", "realtime")), bus)
	if err != nil {
		return nil, err
	}
	deps.Acker = rt
	pipe = pipeline.New(pcfg, deps)

	schedules, err := mapSchedules(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log.With(logx.String("comp", "scheduler")), bus)
	if err := pipe.RegisterTasks(sched, schedules); err != nil {
		return nil, err
	}

	tg.OnOpen(func(conversationID string) {
		ctx, cancel := context.WithTimeout(app.runContext(), 2*time.Second)
		defer cancel()
		if err := pipe.OpenConversation(ctx, conversationID); err != nil {
			log.Warn("open from os notification failed", logx.String("conversation", conversationID), logx.Err(err))
		}
	})

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	metrics := diagnostics.NewMetrics(bus)

	app = &App{
		cfgPath:   cfgPath,
		opts:      opts,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		shared:    shared,
		coord:     coord,
		fx:        fx,
		sched:     sched,
		rt:        rt,
		tg:        tg,
		pipe:      pipe,
		metrics:   metrics,
		lifecycle: diagnostics.NewLifecycle(log.With(logx.String("comp", "lifecycle")), metrics),
		debug:     diagnostics.NewServer(srvCfg, metrics, log.With(logx.String("comp", "debug"))),
	}
	return app, nil
}

// Pipeline is the controller the terminal view drives.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// RequestPermission asks the OS channel for permission. Interactive tabs call
// it on the first user gesture; headless tabs call it at start.
func (a *App) RequestPermission() {
	if a.sup == nil {
		return
	}
	a.sup.Go0("telegram.permission", func(c context.Context) {
		perm := a.tg.RequestPermission(c)
		a.log.Info("os notification permission", logx.String("state", perm.String()))
	})
}

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

func (a *App) runContext() context.Context {
	if a == nil || a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateConfig(cfg) })

	preCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := a.pipe.Preload(preCtx); err != nil {
		a.log.Warn("preload incomplete", logx.Err(err))
	}
	cancel()

	loop := a.pipe.Loop()
	a.sup.Go0("pipeline.loop", loop.Run)

	a.fx.Start(a.sup.Context())

	a.sup.GoRestart("crosstab.watch", func(c context.Context) error {
		return a.pipe.WatchShared(c, a.shared)
	}, WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	a.sched.Start(a.sup.Context())
	a.rt.Start(a.sup.Context())
	a.tg.Start(a.sup.Context())
	if a.opts.Headless {
		a.RequestPermission()
	}

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}
	a.sup.Go0("diagnostics.lifecycle", func(c context.Context) { a.lifecycle.Run(c, a.bus) })

	snaps, unsub := a.pipe.Subscribe()
	a.sup.Go0("metrics.queue", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case s, ok := <-snaps:
				if !ok {
					return
				}
				a.metrics.SetQueue(len(s.Visible), s.Total)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("headless", a.opts.Headless))
	return nil
}

// applyConfig pushes the live sections of newCfg into the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if pcfg, err := mapPipelineConfig(newCfg, a.opts.Headless); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else if err := a.pipe.Apply(ctx, pcfg); err != nil {
		a.log.Warn("queue config not applied", logx.Err(err))
	}

	if fxCfg, err := mapEffectsConfig(newCfg); err != nil {
		a.log.Warn("invalid effects config; keeping previous", logx.Err(err))
	} else {
		a.fx.Apply(fxCfg)
	}

	if srvCfg, err := mapServerConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, srvCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

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
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Inputs first so nothing new reaches the loop while it drains.
	step("realtime", 2*time.Second, a.rt.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// The loop must still be running here: Shutdown releases pending batches and persists the watermark.
	step("pipeline", 2*time.Second, a.pipe.Shutdown)

	a.sup.Cancel()

	step("effects", 2*time.Second, func(c context.Context) error { a.fx.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error { a.tg.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("crosstab", time.Second, func(context.Context) error { return a.shared.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (loop, config watch/reload, metrics).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
