package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	setupPollInterval            = 5 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
)

var (
	// Set at build time, ex:
	// -ldflags "-X github.com/ItsBonfireTime/PRIME-Multigaming-Discord-Bot/primebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// PrimeBot is the PRIME community bot: leveling, the coin economy and its
// games, birthdays, twitch alerts and temporary voice channels, plus the
// dashboard API.
type PrimeBot struct {
	config  *Config
	logger  *slog.Logger
	db      *gorm.DB
	writeDB DBI

	discord    *Discord
	channelLog *ChannelLogger
	events     *EventHub
	api        *API
	dbNotifier DBNotifier

	leveling  *Leveler
	ledger    *Ledger
	heist     *Heist
	birthdays *BirthdayStore
	twitch    *TwitchWatcher
	voice     *TempVoiceManager

	twitchClient TwitchClient
	rng          randomSource
	now          func() time.Time
	loc          *time.Location

	// paused mirrors RuntimeConfig.Paused
	paused       atomic.Bool
	pendingSetup atomic.Bool

	// initialized is set once the database-backed features exist
	initialized atomic.Bool

	cfgMu         sync.RWMutex
	runtimeConfig *RuntimeConfig

	runMu     sync.Mutex
	runtimeWG sync.WaitGroup
	jobs      jobGuard
	startedAt time.Time

	signalReady                   chan struct{}
	signalStop                    chan struct{}
	triggerRuntimeConfigRefreshCh chan bool
}

// New validates the parts of config needed to construct the bot, and
// sets up its loggers, discord handler and API server. The database is
// opened by [PrimeBot.Run].
func New(config *Config) (*PrimeBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	p := &PrimeBot{
		config:                        config,
		rng:                           newLockedRand(),
		now:                           time.Now,
		loc:                           config.location(),
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	p.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)
	slog.SetDefault(p.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.p = p
	p.discord = disc

	p.channelLog = newChannelLogger(
		p.logger.With(loggerNameKey, "channel_log"),
		config.Channels.Log,
		p.now,
		p.sendLogChannel,
	)

	var checkOrigin func(r *http.Request) bool
	if config.API.Development {
		checkOrigin = func(*http.Request) bool { return true }
	}
	p.events = newEventHub(p.logger.With(loggerNameKey, "events"), p.now, checkOrigin)

	birthdays, err := newBirthdayStore(config.Birthday.File)
	errs = append(errs, err)
	p.birthdays = birthdays

	if config.Twitch.enabled() {
		p.twitchClient = newHelixClient(*config.Twitch, config.HTTPClient)
	}

	api, err := newAPI(p, config.API)
	errs = append(errs, err)
	p.api = api

	return p, errors.Join(errs...)
}

// ValidateConfig checks the config's binding rules
func (p *PrimeBot) ValidateConfig() error {
	return structValidator.Struct(p.config)
}

// RuntimeConfig returns a copy of the current RuntimeConfig
func (p *PrimeBot) RuntimeConfig() RuntimeConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	if p.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *p.runtimeConfig
}

// UpdateRuntimeConfig persists update and applies it, then notifies any
// other bot sharing the database
func (p *PrimeBot) UpdateRuntimeConfig(ctx context.Context, update RuntimeConfigUpdate) (
	RuntimeConfig,
	error,
) {
	p.cfgMu.Lock()
	current := DefaultRuntimeConfig()
	if p.runtimeConfig != nil {
		current = *p.runtimeConfig
	}
	if _, err := applyRuntimeConfigUpdate(ctx, p.writeDB, current, update); err != nil {
		p.cfgMu.Unlock()
		return current, err
	}
	p.unsafeRefreshRuntimeConfig(ctx)
	updated := *p.runtimeConfig
	p.cfgMu.Unlock()

	p.logger.InfoContext(ctx, "runtime config updated", "runtime_config", updated)
	if p.dbNotifier != nil && p.config.DatabaseType == dbTypePostgres {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
		defer cancel()
		p.dbNotifier.ReloadRuntimeConfig(notifyCtx)
	}
	return updated, nil
}

// Pause stops command handling and scheduled jobs. It returns false if
// the bot was already paused.
func (p *PrimeBot) Pause(ctx context.Context) bool {
	if p.paused.Swap(true) {
		return false
	}
	p.logger.WarnContext(ctx, "bot paused")
	paused := true
	if _, err := p.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused}); err != nil {
		p.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
	}
	p.channelLog.Warning(ctx, "Bot pausiert.")
	return true
}

// Resume undoes Pause. It returns false if the bot wasn't paused.
func (p *PrimeBot) Resume(ctx context.Context) bool {
	if !p.paused.Swap(false) {
		p.logger.Warn("bot not paused")
		return false
	}
	p.logger.InfoContext(ctx, "bot resumed")
	paused := false
	if _, err := p.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused}); err != nil {
		p.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
	}
	p.channelLog.Success(ctx, "Bot fortgesetzt.")
	return true
}

// Run starts the bot, blocking until ctx is cancelled or a stop signal
// is received (via the API, or the DB notifier), then shuts down.
func (p *PrimeBot) Run(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.startedAt = p.now()
	logger := p.logger

	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(p)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	p.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.signalStop:
			p.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			p.logger.Warn("context canceled")
		}
	}()

	if err = p.api.listen(ctx); err != nil {
		return err
	}
	go func() {
		if httpErr := p.api.Serve(); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			p.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- p.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		_ = p.api.httpServer.Close()
		return errors.New("startup cancelled or timed out")
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			_ = p.api.httpServer.Close()
			return e
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := p.waitOnSetup(ctx, logger); setupErr != nil {
		return setupErr
	}

	if discErr := p.initDiscordSession(ctx); discErr != nil {
		p.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		_ = p.api.httpServer.Close()
		return discErr
	}

	if p.heist.Due() {
		p.goJob(ctx, jobHeistResolve, p.resolveHeist)
	}
	if e := p.voice.recover(ctx); e != nil {
		logger.ErrorContext(ctx, "error recovering temporary channels", tint.Err(e))
	}

	p.startRuntimeGoroutines(ctx)
	p.channelLog.Success(ctx, fmt.Sprintf("Dashboard läuft auf %s", p.api.listener.Addr().String()))

	select {
	case p.signalReady <- struct{}{}:
	default:
	}
	p.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return p.shutdown(ctx)
}

func (p *PrimeBot) startRuntimeGoroutines(ctx context.Context) {
	background := []func(ctx context.Context){
		p.scheduler,
		p.twitchPoller,
		p.runtimeConfigRefresher,
	}
	for _, channel := range []string{
		p.dbNotifier.RuntimeConfigChannelName(),
		p.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		background = append(
			background, func(ctx context.Context) {
				if e := p.dbNotifier.Listen(ctx, channel); e != nil {
					p.logger.ErrorContext(ctx, "error listening to notifier channel", tint.Err(e), "channel", channel)
				}
			},
		)
	}
	for _, fn := range background {
		p.runtimeWG.Add(1)
		go func() {
			defer p.runtimeWG.Done()
			fn(ctx)
		}()
	}
}

// initRun opens the database, loads the runtime config and the heist
// state
func (p *PrimeBot) initRun(ctx context.Context) error {
	p.logger.Debug("initializing DB...")
	if err := p.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	p.logger.Debug("finished initializing DB")

	cfg, err := loadRuntimeConfig(ctx, p.writeDB)
	if err != nil {
		return err
	}
	if validationErr := structValidator.Struct(cfg); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		p.pendingSetup.Store(true)
	}
	p.paused.Store(cfg.Paused)
	p.setRuntimeLevels(*cfg)

	p.cfgMu.Lock()
	p.runtimeConfig = cfg
	p.cfgMu.Unlock()

	if err = p.heist.init(ctx); err != nil {
		return fmt.Errorf("error initializing heist: %w", err)
	}
	p.initialized.Store(true)
	return nil
}

// waitOnSetup blocks until admin credentials have been set, through
// this bot's API or another bot sharing the database
func (p *PrimeBot) waitOnSetup(ctx context.Context, logger *slog.Logger) error {
	if !p.pendingSetup.Load() {
		return nil
	}
	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s%s",
			p.api.listener.Addr().String(),
			apiPrefix,
			apiPathSetup,
		),
	)

	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()
	for p.pendingSetup.Load() {
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return p.shutdown(ctx)
		case <-ticker.C:
			var cfg RuntimeConfig
			if err := p.db.WithContext(ctx).Last(&cfg).Error; err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
				continue
			}
			if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
				p.refreshRuntimeConfig(ctx)
				p.pendingSetup.Store(false)
			}
		}
	}
	return nil
}

// initDiscordSession creates the gateway session (unless one was already
// set), registers the event handlers and connects
func (p *PrimeBot) initDiscordSession(ctx context.Context) error {
	if p.discord.session == nil {
		session, err := p.discord.newSession()
		if err != nil {
			return err
		}
		p.discord.session = session
	}
	p.discord.removeHandlers()

	p.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  p.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(p.RuntimeConfig()),
		},
	)
	p.discord.addHandlers()

	p.logger.InfoContext(ctx, "connecting to discord")
	if err := p.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (p *PrimeBot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = p.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     p.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, p.config.DatabaseSlowThreshold)
	db, err := getDB(p.config.DatabaseType, p.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	p.db = db
	p.writeDB = NewDatabase(db, p.logger, p.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	if p.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, pragma := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(pragma).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	p.initComponents()
	return nil
}

// initComponents creates the database-backed features
func (p *PrimeBot) initComponents() {
	p.leveling = newLeveler(p.writeDB, p.rng, p.now, p.config.Leveling.Cooldown)
	p.ledger = newLedger(p.writeDB)
	p.heist = newHeist(p.writeDB, p.rng, p.now, *p.config.Economy)
	p.twitch = newTwitchWatcher(p.writeDB, p.twitchClient, p.logger.With(loggerNameKey, "twitch"))
	p.voice = newTempVoiceManager(
		p.writeDB,
		p.discord,
		p.logger.With(loggerNameKey, "voice"),
		*p.config.Voice,
	)
}

// shutdown stops the bot's background work, waiting up to
// Config.ShutdownTimeout for in-flight handlers and jobs to finish
func (p *PrimeBot) shutdown(ctx context.Context) error {
	p.logger.WarnContext(ctx, "shutting down")
	if p.voice != nil {
		p.voice.stop()
	}
	p.events.close()
	if p.discord.session != nil {
		p.discord.removeHandlers()
		if err := p.discord.session.Close(); err != nil {
			p.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	shutdownStart := time.Now()
	shutdownTimeout := p.config.ShutdownTimeout
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()

	if shutdownTimeout <= 0 {
		p.logger.Warn("immediate shutdown")
		_ = p.api.httpServer.Close()
		return errors.New("shutdown timeout is zero, not waiting for running jobs")
	}

	p.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
	)

	done := make(chan struct{})
	go func() {
		p.runtimeWG.Wait()
		close(done)
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case <-done:
			p.logger.InfoContext(ctx, "runtime goroutines stopped", "elapsed", time.Since(shutdownStart))
			if err := p.api.httpServer.Shutdown(closeCtx); err != nil {
				p.logger.ErrorContext(ctx, "error shutting down api server", tint.Err(err))
			}
			p.closeDB(ctx)
			return nil
		case <-announcementTicker.C:
			p.logger.Info(
				"waiting for shutdown",
				"remaining", shutdownTimeout-time.Since(shutdownStart),
			)
		case <-closeCtx.Done():
			p.logger.Warn("jobs did not stop in time, forcing close")
			_ = p.api.httpServer.Close()
			return errors.New("jobs did not stop in time")
		}
	}
}

func (p *PrimeBot) closeDB(ctx context.Context) {
	if p.db == nil {
		return
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		p.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}

// setRuntimeLevels sets the component log levels from the runtime config
func (p *PrimeBot) setRuntimeLevels(cfg RuntimeConfig) {
	p.config.LogLevel.Set(cfg.LogLevel.Level())
	p.config.Discord.LogLevel.Set(cfg.DiscordLogLevel.Level())
	p.config.Discord.DiscordGoLogLevel.Set(cfg.DiscordGoLogLevel.Level())
	p.config.DatabaseLogLevel.Set(cfg.DatabaseLogLevel.Level())
	p.config.API.LogLevel.Set(cfg.APILogLevel.Level())
}

// updateDiscordPresence sets the bot's presence for the given config,
// if the gateway is connected
func (p *PrimeBot) updateDiscordPresence(ctx context.Context, cfg RuntimeConfig) {
	if p.discord.session == nil || !p.discord.connected.Load() {
		return
	}
	if err := p.discord.session.UpdateStatusComplex(getDiscordStatusUpdateData(cfg)); err != nil {
		p.logger.ErrorContext(ctx, "error updating discord presence", tint.Err(err))
	}
}

// sendLogChannel posts to the log channel. It's a no-op until the
// gateway session exists.
func (p *PrimeBot) sendLogChannel(channelID string, content string) error {
	if p.discord.session == nil {
		return errors.New("discord session not initialized")
	}
	_, err := p.discord.session.ChannelMessageSend(channelID, content)
	return err
}

// handleRecover must be deferred. It logs and reports a panic in the
// named event handler, instead of letting it take down the bot.
func (p *PrimeBot) handleRecover(ctx context.Context, source string) {
	rc := recover()
	if rc == nil {
		return
	}
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = p.logger
	}
	stackTrace := string(debug.Stack())
	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"source", source,
		"stack_trace", stackTrace,
	)
	p.channelLog.Error(ctx, fmt.Sprintf("Unerwarteter Fehler (%s): %v", source, err))
}
