// Package app wires notifyguard's components into a running daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"notifyguard/internal/alert"
	"notifyguard/internal/breaker"
	"notifyguard/internal/clock"
	"notifyguard/internal/config"
	"notifyguard/internal/dlq"
	"notifyguard/internal/eventbus"
	"notifyguard/internal/httpapi"
	"notifyguard/internal/notification"
	"notifyguard/internal/notification/amqp"
	"notifyguard/internal/notification/smtp"
	"notifyguard/internal/notification/telegram"
	"notifyguard/internal/notification/webhook"
	rtsup "notifyguard/internal/runtime/supervisor"
	"notifyguard/internal/storage"
	logx "notifyguard/pkg/logx"
	"notifyguard/pkg/systemd"
)

type Option func(*options)

type options struct {
	lookup config.LookupFunc
	clock  clock.Clock
	dotenv []string
}

// WithEnv replaces os.LookupEnv for config overrides. nil disables overrides.
func WithEnv(fn config.LookupFunc) Option { return func(o *options) { o.lookup = fn } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = clock.OrSystem(c) } }

// WithDotEnv sets the .env files loaded before the config. No paths disables loading.
func WithDotEnv(paths ...string) Option { return func(o *options) { o.dotenv = paths } }

type App struct {
	cfgm     *config.ConfigManager
	settings *config.Settings
	clock    clock.Clock

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store      storage.Store
	breakers   *breaker.Manager
	dispatcher *notification.Dispatcher
	alerts     *alert.Service
	queue      *dlq.Queue
	admin      *httpapi.Server
	amqp       *amqp.Publisher

	sup *rtsup.Supervisor
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{lookup: os.LookupEnv, clock: clock.System{}, dotenv: []string{".env"}}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if len(o.dotenv) > 0 {
		if err := config.LoadDotEnv(o.dotenv...); err != nil {
			return nil, err
		}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnv(o.lookup)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	// The bot doubles as the log sink, so it must not log through logx.Service.
	var tg *telegram.Sender
	var sink logx.TextSink
	if settings.Telegram != nil {
		tg, err = telegram.New(*settings.Telegram, logx.Nop())
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sink = tg
	}
	logs, log := logx.New(settings.Logging, sink)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:     cfgm,
		settings: settings,
		clock:    o.clock,
		logs:     logs,
		log:      log.With(logx.String("comp", "app")),
		bus:      eventbus.New(),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(settings.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a.breakers = breaker.NewManager(
		breaker.WithManagerClock(o.clock),
		breaker.WithManagerLogger(log.With(logx.String("comp", "breaker"))),
		breaker.WithManagerBus(a.bus),
		breaker.WithDefaults(settings.Breakers),
	)

	guarded, err := a.buildSenders(tg, log)
	if err != nil {
		return nil, err
	}
	a.dispatcher = notification.NewDispatcher(guarded)

	alertOpts := []alert.Option{
		alert.WithClock(o.clock),
		alert.WithBus(a.bus),
		alert.WithLogger(log.With(logx.String("comp", "alert"))),
	}
	if a.store != nil {
		alertOpts = append(alertOpts, alert.WithDedupStore(a.store))
	}
	a.alerts = alert.New(settings.Alert, guarded.Chat, alertOpts...)

	if a.store != nil {
		a.queue = dlq.New(a.store, a.dispatcher,
			dlq.WithConfig(settings.DLQ),
			dlq.WithClock(o.clock),
			dlq.WithLogger(log.With(logx.String("comp", "dlq"))),
			dlq.WithBus(a.bus),
			dlq.WithAlerter(a.alerts),
		)
	} else {
		a.log.Warn("storage disabled; failed notifications will not be dead-lettered")
	}

	if settings.Admin.Enabled {
		deps := httpapi.Deps{
			Breakers: a.breakers,
			Queue:    a.queue,
			Clock:    o.clock,
			Log:      log.With(logx.String("comp", "httpapi")),
		}
		if a.store != nil {
			deps.Audit = a.store
		}
		a.admin = httpapi.New(httpapi.Config{
			Addr:         settings.Admin.Addr,
			Token:        settings.Admin.Token,
			ReadTimeout:  settings.Admin.ReadTimeout,
			WriteTimeout: settings.Admin.WriteTimeout,
			Pprof:        settings.Admin.Pprof,
		}, deps)
	}

	ok = true
	return a, nil
}

// buildSenders constructs every configured channel sender and wraps each
// dependency in its own breaker.
func (a *App) buildSenders(tg *telegram.Sender, log logx.Logger) (notification.Senders, error) {
	s := a.settings
	var out notification.Senders

	if tg != nil {
		out.Chat = notification.Guard(notification.Senders{Chat: tg}, a.breakers, "telegram").Chat
	}
	if s.SMTP != nil {
		mail, err := smtp.New(*s.SMTP, smtp.WithClock(a.clock), smtp.WithLogger(log.With(logx.String("comp", "smtp"))))
		if err != nil {
			return out, fmt.Errorf("smtp: %w", err)
		}
		out.Email = notification.Guard(notification.Senders{Email: mail}, a.breakers, "smtp").Email
	}
	if s.SMS != nil {
		sms, err := webhook.New(*s.SMS, webhook.WithLogger(log.With(logx.String("comp", "sms"))))
		if err != nil {
			return out, fmt.Errorf("sms: %w", err)
		}
		out.SMS = notification.Guard(notification.Senders{SMS: sms}, a.breakers, "sms-gateway").SMS
	}
	if s.AMQP != nil {
		pub, err := amqp.New(*s.AMQP, amqp.WithClock(a.clock), amqp.WithLogger(log.With(logx.String("comp", "amqp"))))
		if err != nil {
			return out, fmt.Errorf("amqp: %w", err)
		}
		a.amqp = pub
		g := notification.Guard(notification.Senders{Push: pub, InApp: pub}, a.breakers, "amqp")
		out.Push, out.InApp = g.Push, g.InApp
	}
	return out, nil
}

func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Breakers() *breaker.Manager           { return a.breakers }
func (a *App) Dispatcher() *notification.Dispatcher { return a.dispatcher }

// Queue is nil when storage is disabled.
func (a *App) Queue() *dlq.Queue { return a.queue }

// Done is closed when the app run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
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

// Deliver sends p through the guarded dispatcher and dead-letters a failed
// send. The send error is returned either way. Payloads that can never be
// sent are not recorded.
func (a *App) Deliver(ctx context.Context, typ, recipient string, p notification.Payload) error {
	err := a.dispatcher.Dispatch(ctx, recipient, p)
	if err == nil {
		return nil
	}
	if a.queue == nil || errors.Is(err, notification.ErrInvalidPayload) || errors.Is(err, notification.ErrUnsupportedChannel) {
		return err
	}
	if _, rerr := a.queue.RecordFailedNotification(ctx, dlq.FailureRecord{
		Type:      typ,
		Payload:   p,
		Recipient: recipient,
		Err:       err,
	}); rerr != nil {
		a.log.Error("dead-letter record failed", logx.String("type", typ), logx.Err(rerr))
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.queue != nil && a.settings.ProcessDLQ {
		if err := a.queue.StartProcessing(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.admin != nil {
		a.sup.Go("admin.http", a.admin.Serve)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.Bool("dlq", a.queue != nil),
		logx.Bool("admin", a.admin != nil),
		logx.String("channels", strings.Join(a.channels(), ",")),
	)
	return nil
}

func (a *App) channels() []string {
	var out []string
	for _, ch := range []notification.Channel{
		notification.ChannelChat, notification.ChannelEmail, notification.ChannelSMS,
		notification.ChannelPush, notification.ChannelInApp,
	} {
		if a.dispatcher.Supports(ch) {
			out = append(out, string(ch))
		}
	}
	return out
}

// applyConfig applies the live-reloadable sections of next. Sections that need
// a restart are only reported.
func (a *App) applyConfig(last, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(last, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if _, err := systemd.Reloading(); err != nil {
		a.log.Debug("systemd reloading notification failed", logx.Err(err))
	}
	defer func() {
		if _, err := systemd.Ready(); err != nil {
			a.log.Debug("systemd ready notification failed", logx.Err(err))
		}
	}()

	s, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid config after reload; keeping previous", logx.Err(err))
		return
	}
	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(s.Logging)
	for _, typ := range breaker.Types() {
		bc, ok := s.Breakers[typ]
		if !ok {
			bc = breaker.DefaultConfig(typ)
		}
		if err := a.breakers.SetDefaults(typ, bc); err != nil {
			a.log.Warn("breaker defaults rejected", logx.String("type", string(typ)), logx.Err(err))
		}
	}
	a.alerts.Apply(s.Alert)

	if a.queue != nil {
		if err := a.queue.Apply(s.DLQ); err != nil {
			a.log.Warn("invalid dlq config; keeping previous", logx.Err(err))
		}
		switch {
		case s.ProcessDLQ && !a.queue.Running():
			a.log.Info("dlq processing enabled via config")
			if err := a.queue.StartProcessing(a.sup.Context()); err != nil {
				a.log.Warn("dlq processing start failed", logx.Err(err))
			}
		case !s.ProcessDLQ && a.queue.Running():
			a.log.Info("dlq processing disabled via config")
			stopCtx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
			if err := a.queue.StopProcessing(stopCtx); err != nil {
				a.log.Warn("dlq processing stop failed", logx.Err(err))
			}
			cancel()
		}
	}
	a.settings = s

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	a.sup.Cancel()

	a.step(ctx, "dlq", 10*time.Second, func(c context.Context) error {
		if a.queue != nil {
			return a.queue.StopProcessing(c)
		}
		return nil
	})
	// admin.http, config watch and reload exit on cancel
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Wait)
	a.step(ctx, "amqp", time.Second, func(context.Context) error {
		if a.amqp != nil {
			return a.amqp.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline, so one
// component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
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
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// closeResources releases what New opened when Start never ran.
func (a *App) closeResources() {
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
