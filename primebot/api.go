package primebot

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix         = "/debug"
	apiPrefix           = "/api"
	apiPathDashboard    = "/dashboard"
	apiPathEvents       = "/events"
	apiPathSetup        = "/setup"
	apiPathLogin        = "/login"
	apiPathLogout       = "/logout"
	apiPathLoggedIn     = "/loggedin"
	apiPathConfig       = "/config"
	apiPathHeistStart   = "/heist/start"
	apiPathPause        = "/pause"
	apiPathResume       = "/resume"
	apiPathQuit         = "/quit"
	apiPathHealthCheck  = "/healthz"
	dashboardServerName = "PRIME-Server"
	dashboardTopSize    = 10
	dashboardTemplate   = "index.html"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

//go:embed templates/index.html
var dashboardHTML string

// API serves the dashboard, the live event feed and the admin endpoints
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger
	p                   *PrimeBot
}

func newAPI(p *PrimeBot, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	if config.Development {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()

	tmpl, err := template.New(dashboardTemplate).Funcs(
		template.FuncMap{
			"coins": formatCoins,
			"inc":   func(i int) int { return i + 1 },
		},
	).Parse(dashboardHTML)
	if err != nil {
		return nil, fmt.Errorf("error parsing dashboard template: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	loginLimit := config.LoginRatePerMinute
	if loginLimit <= 0 {
		loginLimit = DefaultAPILoginRatePerMinute
	}
	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(loginLimit)), loginLimit),
		logger:              logger,
		p:                   p,
	}
	api.store = newSessionStore(config, logger)

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		api.httpServer.TLSConfig = tlsCfg
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, api.store),
	)
	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiPathHealthCheck, api.healthCheck)

	dashboard := r.Group("/")
	dashboard.Use(dashboardAuthMiddleware(config.DashboardPassword))
	dashboard.GET("/", api.dashboardPage)
	dashboard.GET(apiPrefix+apiPathDashboard, api.dashboardJSON)
	dashboard.GET(apiPrefix+apiPathEvents, api.events)

	r.POST(apiPrefix+apiPathSetup, api.adminSetup)
	r.POST(apiPrefix+apiPathLogin, api.loginHandler)
	r.POST(apiPrefix+apiPathLogout, api.logoutHandler)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))
	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathConfig, api.getConfig)
	protected.PATCH(apiPathConfig, api.updateRuntimeConfig)
	protected.POST(apiPathHeistStart, api.heistStart)
	protected.POST(apiPathPause, api.pause)
	protected.POST(apiPathResume, api.resume)
	protected.POST(apiPathQuit, api.botQuit)

	r.NoRoute(
		func(c *gin.Context) {
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)
	return api, nil
}

// listen opens the API listener, on APIConfig.ListenNetwork and
// APIConfig.Listen
func (a *API) listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return nil
}

// Serve serves the API on the listener opened by listen, until the
// server is shut down. TLS is used when a certificate is configured.
func (a *API) Serve() error {
	if a.listener == nil {
		return errors.New("api listener not opened")
	}
	if a.httpServer.TLSConfig != nil {
		return a.httpServer.ServeTLS(a.listener, "", "")
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// newSessionStore returns the cookie store for admin sessions. Without a
// configured secret, a random one is used, and sessions don't survive
// a restart.
func newSessionStore(config *APIConfig, logger *slog.Logger) CookieStore {
	var secretKey []byte
	if config.Secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		secretKey = derive64ByteKey(config.Secret)
	}
	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(config))
	return store
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   !config.Development || sameSite == http.SameSiteNoneMode,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

type dashboardLevelEntry struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	XP     int64  `json:"xp"`
	Level  int64  `json:"level"`
}

type dashboardCoinEntry struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// dashboardData is everything shown on the dashboard
type dashboardData struct {
	TopLevel          []dashboardLevelEntry `json:"top_level"`
	TopCoins          []dashboardCoinEntry  `json:"top_coins"`
	ActiveStreamers   []twitchStream        `json:"active_streamers"`
	UpcomingBirthdays []upcomingBirthday    `json:"upcoming_birthdays"`
	ServerName        string                `json:"server_name"`
	Uptime            string                `json:"uptime"`
	HeistBank         int64                 `json:"heist_bank"`
}

// formatUptime renders d as "H:MM:SS", prefixed with the number of days
// once it's longer than a day
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int64(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int64(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int64(d / time.Second)
	clock := fmt.Sprintf("%d:%02d:%02d", h, m, s)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}

// dashboard collects the dashboard sections concurrently. A section that
// fails to load is reported to the log channel and left empty.
func (p *PrimeBot) dashboard(ctx context.Context) dashboardData {
	data := dashboardData{
		TopLevel:          []dashboardLevelEntry{},
		TopCoins:          []dashboardCoinEntry{},
		ActiveStreamers:   p.twitch.Live(),
		UpcomingBirthdays: []upcomingBirthday{},
		ServerName:        dashboardServerName,
		Uptime:            formatUptime(p.now().Sub(p.startedAt)),
	}
	var guildID string
	if guilds := p.discord.guilds(); len(guilds) > 0 {
		guildID = guilds[0].ID
		if guilds[0].Name != "" {
			data.ServerName = guilds[0].Name
		}
	}

	var g errgroup.Group
	g.Go(
		func() error {
			users, err := p.leveling.Top(ctx, dashboardTopSize)
			if err != nil {
				p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Laden von Top Level: %v", err))
				return nil
			}
			entries := make([]dashboardLevelEntry, 0, len(users))
			for _, u := range users {
				entries = append(
					entries, dashboardLevelEntry{
						UserID: u.UserID,
						Name:   p.userName(guildID, u.UserID),
						XP:     u.XP,
						Level:  u.Level,
					},
				)
			}
			data.TopLevel = entries
			return nil
		},
	)
	g.Go(
		func() error {
			balances, err := p.ledger.Top(ctx, dashboardTopSize)
			if err != nil {
				p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Laden von Top Coins: %v", err))
				return nil
			}
			entries := make([]dashboardCoinEntry, 0, len(balances))
			for _, b := range balances {
				entries = append(
					entries, dashboardCoinEntry{
						UserID:  b.UserID,
						Name:    p.userName(guildID, b.UserID),
						Balance: b.Balance,
					},
				)
			}
			data.TopCoins = entries
			return nil
		},
	)
	g.Go(
		func() error {
			entries, err := p.birthdays.Load()
			if err != nil {
				p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Laden von Geburtstagen: %v", err))
				return nil
			}
			upcoming := upcomingBirthdays(entries, p.today(), dashboardUpcomingMax)
			for i := range upcoming {
				upcoming[i].Name = p.birthdayName(guildID, upcoming[i].UserID, entries[upcoming[i].UserID])
			}
			if upcoming != nil {
				data.UpcomingBirthdays = upcoming
			}
			return nil
		},
	)
	g.Go(
		func() error {
			bank, err := p.heist.Bank(ctx)
			if err != nil {
				p.logger.ErrorContext(ctx, "error loading heist bank", tint.Err(err))
				return nil
			}
			data.HeistBank = bank
			return nil
		},
	)
	_ = g.Wait()
	return data
}

func (a *API) dashboardPage(c *gin.Context) {
	if !a.p.initialized.Load() {
		c.String(http.StatusServiceUnavailable, "starting")
		return
	}
	c.HTML(http.StatusOK, dashboardTemplate, a.p.dashboard(c.Request.Context()))
}

func (a *API) dashboardJSON(c *gin.Context) {
	if !a.p.initialized.Load() {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "starting"})
		return
	}
	c.JSON(http.StatusOK, a.p.dashboard(c.Request.Context()))
}

func (a *API) events(c *gin.Context) {
	a.p.events.ServeHTTP(c.Writer, c.Request)
}

// dashboardAuthMiddleware requires `Authorization: Bearer <password>`
// when a dashboard password is set
func dashboardAuthMiddleware(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
			ginContextLogger(c).Warn("dashboard authorization failed")
			c.String(http.StatusUnauthorized, "Unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  a.p.paused.Load(),
			DiscordGatewayConnected: a.p.discord.connected.Load(),
			EventSubscribers:        a.p.events.subscriberCount(),
		},
	)
}

// adminSetup sets the admin credentials, on first run only
func (a *API) adminSetup(c *gin.Context) {
	p := a.p
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if !p.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	hash, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}
	if _, err = p.writeDB.Updates(
		c.Request.Context(),
		p.runtimeConfig, map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: hash,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	p.runtimeConfig.AdminUsername = payload.Username
	p.runtimeConfig.AdminPassword = hash
	p.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg := a.p.RuntimeConfig()
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(login.Username), []byte(cfg.AdminUsername)) != 1 {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(cfg.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) loggedIn(c *gin.Context) {
	username, err := a.getSessionUsername(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.p.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update, then notifies other bots
// sharing the database
func (a *API) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, err := a.p.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (a *API) heistStart(c *gin.Context) {
	err := a.p.startHeist(c.Request.Context())
	switch {
	case errors.Is(err, ErrHeistActive):
		c.JSON(http.StatusConflict, httpError{Error: "a heist is already active"})
	case err != nil:
		ginReplyError(c, err.Error())
	default:
		c.JSON(http.StatusCreated, httpReply{Message: "heist started"})
	}
}

func (a *API) pause(c *gin.Context) {
	if a.p.Pause(c.Request.Context()) {
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (a *API) resume(c *gin.Context) {
	if a.p.Resume(c.Request.Context()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

func (a *API) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		a.p.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	EventSubscribers        int  `json:"event_subscribers"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// authMiddleware rejects requests without a logged-in admin session
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.p.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("no admin session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware propagates the request's X-Request-ID, or assigns
// a new one
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger stored in the gin context,
// creating it with the request's details on first use.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", time.Since(start),
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", time.Since(start),
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.requestMetricsMu.Lock()
		a.requestMetrics[c.Request.Method+" "+c.FullPath()]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gin validation tags are named "binding"
func init() {
	structValidator.SetTagName("binding")
}
