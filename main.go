package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"aim-bot/annotation"
	"aim-bot/bot"
	"aim-bot/chat"
	"aim-bot/config"
	"aim-bot/fetch"
	"aim-bot/filter"
	"aim-bot/live"
	"aim-bot/metasmoke"
	"aim-bot/metrics"
	"aim-bot/reconcile"
	"aim-bot/relay"
	"aim-bot/scheduler"
	"aim-bot/storage"
)

func main() {
	// Set up structured logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("starting AIM relay bot")

	// Load configuration
	configPath := config.GetConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("invalid log level, using info", "level", cfg.LogLevel)
	}
	slog.Info("config loaded", "path", configPath, "room_id", cfg.RoomID, "chat_host", cfg.ChatHost)

	// Initialize database
	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database initialized", "path", cfg.DBPath)

	// Initialize Telegram bot
	tgBot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		slog.Error("failed to initialize Telegram bot", "error", err)
		os.Exit(1)
	}
	slog.Info("telegram bot initialized", "username", tgBot.Self.UserName)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, m)
		defer srv.Shutdown(context.Background())
	}

	sender := relay.NewTelegramSender(tgBot)
	notifier := relay.NewTelegramNotifier(sender, cfg.AdminChatID, 10*time.Minute)

	msOpts := []metasmoke.Option{
		metasmoke.WithBaseURL(cfg.MSAPIURL),
		metasmoke.WithTimeout(cfg.FetchTimeout()),
		metasmoke.WithPerPage(cfg.PerPage),
	}
	if cfg.MSWriteToken != "" {
		msOpts = append(msOpts, metasmoke.WithWriteToken(cfg.MSWriteToken))
	}
	msClient := metasmoke.NewClient(cfg.MSAPIKey, msOpts...)

	// The field map is fetched once; a failed load leaves fetches unfiltered.
	fields := filter.NewFieldMap()
	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.FetchTimeout())
	if err := fields.Load(loadCtx, msClient); err != nil {
		notifier.Notify(ctx, "loading metasmoke filter fields failed", err)
	} else {
		slog.Info("filter fields loaded", "fields", fields.Len())
	}
	loadCancel()

	decorator := annotation.NewDecorator()
	renderer := relay.NewRenderer(sender, db, cfg.ChatID, relay.WithRenderObserver(m))
	reconciler := reconcile.New(decorator, renderer,
		reconcile.WithTargets(relay.Targets{Reports: db}),
		reconcile.WithObserver(m),
	)

	app := &App{
		cfg:        cfg,
		db:         db,
		tgBot:      tgBot,
		notifier:   notifier,
		decorator:  decorator,
		reconciler: reconciler,
		relay: relay.NewRelay(sender, db, reconciler, cfg.ChatID,
			relay.WithStates(decorator),
			relay.WithObserver(m),
		),
		fetcher: fetch.NewOrchestrator(msClient, reconciler, notifier,
			fetch.WithFieldMap(fields),
			fetch.WithConcurrency(cfg.DetailConcurrency),
			fetch.WithObserver(m),
		),
		watcher: chat.NewWatcher(cfg.ChatHost, cfg.RoomID, cfg.SmokeyID,
			chat.WithTimeout(cfg.FetchTimeout()),
		),
		commands: bot.NewCommandHandler(sender, decorator, db, reconciler, msClient,
			bot.WithAllowedChats(cfg.ChatID, cfg.AdminChatID),
			bot.WithRequestSink(reconciler),
		),
	}

	if err := app.restore(ctx); err != nil {
		slog.Error("failed to restore state", "error", err)
		os.Exit(1)
	}

	renderDone := make(chan struct{})
	go func() {
		renderer.Run(ctx)
		close(renderDone)
	}()

	// Live updates
	hub := live.NewHub(cfg.MSWebSocketURL,
		live.WithOrigin(cfg.MSAPIURL),
		live.WithObserver(m),
	)
	hub.Watch(cfg.MSAPIKey, live.RequestListener(reconciler), func(reason error) {
		notifier.Notify(ctx, "metasmoke websocket closed", reason)
	})
	defer hub.Close()

	// Scheduled jobs
	sched, err := scheduler.NewScheduler(cfg.Timezone)
	if err != nil {
		slog.Error("failed to initialize scheduler", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}
	if err := app.schedule(ctx, sched); err != nil {
		slog.Error("failed to schedule jobs", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()
	slog.Info("jobs scheduled", "poll", cfg.PollSchedule, "resync", cfg.ResyncSchedule, "timezone", cfg.Timezone)

	go func() {
		app.resync(ctx)
		app.pollTranscript(ctx)
	}()

	// Run the bot
	slog.Info("starting bot polling")
	app.run(ctx)
	cancel()
	<-renderDone
	slog.Info("bot stopped")
}

func startMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	return srv
}

// App holds all application dependencies.
type App struct {
	cfg        *config.Config
	db         *storage.DB
	tgBot      *tgbotapi.BotAPI
	notifier   relay.Notifier
	decorator  *annotation.Decorator
	reconciler *reconcile.Reconciler
	relay      *relay.Relay
	fetcher    *fetch.Orchestrator
	watcher    *chat.Watcher
	commands   *bot.CommandHandler
}

// restore re-registers recently relayed reports as targets and seeds their
// persisted annotation states.
func (a *App) restore(ctx context.Context) error {
	since := time.Now().Add(-a.cfg.RestoreWindow())

	states, err := a.db.LoadAnnotations(ctx, since)
	if err != nil {
		return err
	}
	for id, st := range states {
		a.decorator.Seed(id, st)
	}

	reports, err := a.db.ListReportsSince(ctx, since)
	if err != nil {
		return err
	}
	for _, r := range reports {
		a.reconciler.OnTargetResolved(annotation.Identifier(r.PostLink))
	}

	slog.Info("state restored", "reports", len(reports), "annotations", len(states))
	return nil
}

func (a *App) schedule(ctx context.Context, sched *scheduler.Scheduler) error {
	if err := sched.Schedule("poll", a.cfg.PollSchedule, func() { a.pollTranscript(ctx) }); err != nil {
		return err
	}
	if err := sched.Schedule("resync", a.cfg.ResyncSchedule, func() { a.resync(ctx) }); err != nil {
		return err
	}
	if ttl := a.cfg.PendingTTL(); ttl > 0 {
		if err := sched.Schedule("sweep", "@every 1m", func() { a.reconciler.Sweep(ttl) }); err != nil {
			return err
		}
	}
	return nil
}

// pollTranscript relays new SmokeDetector reports and fetches their
// annotations.
func (a *App) pollTranscript(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	reports, err := a.watcher.Poll(ctx)
	if err != nil {
		a.notifier.Notify(ctx, "polling chat transcript failed", err)
		return
	}
	if len(reports) == 0 {
		return
	}

	last, ok := a.lastMessageID(ctx)
	if !ok {
		// First run: start after the current transcript instead of
		// relaying its backlog.
		newest := reports[len(reports)-1].MessageID
		if err := a.db.SetSetting(ctx, storage.SettingLastMessageID, strconv.FormatInt(newest, 10)); err != nil {
			slog.Warn("failed to save last message id", "error", err)
		}
		slog.Info("skipping transcript backlog", "last_message_id", newest, "reports", len(reports))
		return
	}

	var fresh []annotation.Identifier
	for _, rep := range reports {
		if rep.MessageID <= last {
			continue
		}
		posted, err := a.relay.Post(ctx, rep)
		if err != nil {
			a.notifier.Notify(ctx, "relaying report failed", err)
			continue
		}
		if posted {
			fresh = append(fresh, annotation.Identifier(rep.PostLink))
		}
	}

	if len(fresh) > 0 {
		stats := a.fetcher.FetchBatch(ctx, fresh)
		slog.Info("fetched annotations for new reports", "posts", len(fresh), "items", stats.Items, "failures", stats.Failures)
	}
}

func (a *App) lastMessageID(ctx context.Context) (int64, bool) {
	v, err := a.db.GetSetting(ctx, storage.SettingLastMessageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("failed to read last message id", "error", err)
		}
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// resync re-fetches every tracked post. Merging is idempotent, so this only
// fills gaps left by missed websocket frames.
func (a *App) resync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ids := a.reconciler.Resolved()
	if len(ids) == 0 {
		return
	}
	stats := a.fetcher.FetchBatch(ctx, ids)
	slog.Info("resync finished", "posts", len(ids), "pages", stats.Pages, "items", stats.Items, "failures", stats.Failures)
}

func (a *App) run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.tgBot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.tgBot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				a.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (a *App) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	slog.Info("received command", "chat_id", msg.Chat.ID, "text", text)
	if err := a.commands.Handle(ctx, msg.Chat.ID, text); err != nil {
		slog.Warn("command failed", "chat_id", msg.Chat.ID, "text", text, "error", err)
	}
}
