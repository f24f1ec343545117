//nolint:lll // struct tags can't be split
package primebot

import (
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
	_ "time/tzdata" // timezones must resolve in minimal containers
)

const (
	EnvvarSetEnvPrefix     = "PRIME_ENV_PREFIX"
	DefaultEnvPrefix       = "PRIME"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "prime.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
	DefaultCommandPrefix   = "."
	DefaultTimezone        = "UTC"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordCustomStatus   = "Von Gamern. Für Gamer."
	DefaultDiscordStartupMessage = "PRIME-Bot ist online!"
	discordMaxMessageLength      = 2000
	discordMaxEmbedFields        = 25

	DefaultBirthdayFile = "birthdays.json"

	DefaultLevelingCooldown          = 60 * time.Second
	DefaultLevelingLevelUpMessageTTL = 10 * time.Second

	DefaultHeistStartBank     = 1000
	DefaultHeistJoinWindow    = 10 * time.Minute
	DefaultHeistSuccessChance = 0.4
	DefaultDuelSuspense       = 3 * time.Second

	DefaultTwitchTokenURL          = "https://id.twitch.tv/oauth2/token"
	DefaultTwitchAPIURL            = "https://api.twitch.tv/helix"
	DefaultTwitchPollInterval      = 60 * time.Second
	DefaultTwitchRequestsPerSecond = 5

	DefaultVoiceIdleTimeout = 60 * time.Second

	DefaultAPIListen               = ":1234"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILoginRatePerMinute   = 10
	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelWarn
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Prefix is the text prefix for chat commands (ex: ".rank")
	Prefix string `yaml:"prefix" mapstructure:"prefix" json:"prefix" binding:"required"`

	// Timezone is the IANA zone the scheduled jobs are evaluated in
	// (08:00 birthday rewards, top-of-the-hour heists, etc.)
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"required,timezone"`

	// Discord configures the discord session itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Channels maps features to the discord channels they're restricted to
	Channels ChannelsConfig `yaml:"channels" mapstructure:"channels" json:"channels"`

	// Roles holds discord role IDs used by features
	Roles RolesConfig `yaml:"roles" mapstructure:"roles" json:"roles"`

	Birthday *BirthdayConfig `yaml:"birthday" mapstructure:"birthday" json:"birthday"`
	Leveling *LevelingConfig `yaml:"leveling" mapstructure:"leveling" json:"leveling"`
	Economy  *EconomyConfig  `yaml:"economy" mapstructure:"economy" json:"economy"`
	Twitch   *TwitchConfig   `yaml:"twitch" mapstructure:"twitch" json:"twitch"`
	Voice    *VoiceConfig    `yaml:"voice" mapstructure:"voice" json:"voice"`

	// API configures the dashboard and admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets how often the RuntimeConfig is reloaded from
	// the database. 0 disables the periodic reload (updates made through
	// the API, or announced by the DB notifier, still apply immediately).
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `yaml:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// location returns the configured timezone, falling back to UTC
func (c Config) location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// GuildID optionally restricts the bot to a single guild. Messages and
	// events from other guilds are ignored when set.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, and [ChannelsConfig.Log] is set, this message is sent to the
	// log channel whenever the bot connects to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// ChannelsConfig holds the channel IDs features are bound to. Commands
// for a feature are only accepted in its channel.
type ChannelsConfig struct {
	// Log receives the channel logger's output
	Log      string `yaml:"log" mapstructure:"log" json:"log"`
	Birthday string `yaml:"birthday" mapstructure:"birthday" json:"birthday"`
	Economy  string `yaml:"economy" mapstructure:"economy" json:"economy"`
	Duel     string `yaml:"duel" mapstructure:"duel" json:"duel"`
	Roulette string `yaml:"roulette" mapstructure:"roulette" json:"roulette"`
	Slots    string `yaml:"slots" mapstructure:"slots" json:"slots"`
}

type RolesConfig struct {
	// Birthday is granted on a member's birthday and removed at 23:59
	Birthday string `yaml:"birthday" mapstructure:"birthday" json:"birthday"`
}

type BirthdayConfig struct {
	// File is the path to the JSON birthday store
	File string `yaml:"file" mapstructure:"file" json:"file" binding:"required"`
}

type LevelingConfig struct {
	// Cooldown is the minimum time between two XP gains for the same user
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"min=0"`

	// LevelUpMessageTTL is how long level-up announcements stay up
	// before being deleted. 0 keeps them.
	LevelUpMessageTTL time.Duration `yaml:"levelup_message_ttl" mapstructure:"levelup_message_ttl" json:"levelup_message_ttl" binding:"min=0"`
}

type EconomyConfig struct {
	// HeistStartBank is the bank balance seeded on first start
	HeistStartBank int64 `yaml:"heist_start_bank" mapstructure:"heist_start_bank" json:"heist_start_bank" binding:"min=0"`

	// HeistJoinWindow is how long members can join a heist after it starts
	HeistJoinWindow time.Duration `yaml:"heist_join_window" mapstructure:"heist_join_window" json:"heist_join_window" binding:"min=1s"`

	// HeistSuccessChance is the probability (0-1) a heist succeeds
	HeistSuccessChance float64 `yaml:"heist_success_chance" mapstructure:"heist_success_chance" json:"heist_success_chance" binding:"min=0,max=1"`

	// DuelSuspense is the delay between a duel challenge and the roll
	DuelSuspense time.Duration `yaml:"duel_suspense" mapstructure:"duel_suspense" json:"duel_suspense" binding:"min=0"`
}

// TwitchConfig configures live-stream alerts. The watcher is disabled
// when ClientID or ClientSecret are empty.
type TwitchConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret" json:"client_secret" log:"[redacted]"`

	// TokenURL is the OAuth2 client-credentials endpoint
	TokenURL string `yaml:"token_url" mapstructure:"token_url" json:"token_url" binding:"required,url"`

	// APIURL is the helix base URL
	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"required,url"`

	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// RequestsPerSecond limits calls to the helix API
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`
}

func (t TwitchConfig) enabled() bool {
	return t.ClientID != "" && t.ClientSecret != ""
}

type VoiceConfig struct {
	// TriggerChannelID is the "create new channel" voice channel. Joining
	// it creates a temporary channel for the member.
	TriggerChannelID string `yaml:"trigger_channel_id" mapstructure:"trigger_channel_id" json:"trigger_channel_id"`

	// IdleTimeout is how long a temporary channel may stay empty before
	// it's deleted
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=0"`
}

// APIConfig configures the dashboard/admin API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., ":1234").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// DashboardPassword, if set, is required as a Bearer token to view
	// the dashboard
	DashboardPassword string `yaml:"dashboard_password" mapstructure:"dashboard_password" json:"dashboard_password" log:"[redacted]"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// LoginRatePerMinute limits admin login attempts
	LoginRatePerMinute int `yaml:"login_rate_per_minute" mapstructure:"login_rate_per_minute" json:"login_rate_per_minute" binding:"min=1"`

	// If true, CORS allows all origins, pprof is mounted, and the
	// session cookie's SameSite attribute is set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		Prefix:                DefaultCommandPrefix,
		Timezone:              DefaultTimezone,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Birthday: &BirthdayConfig{File: DefaultBirthdayFile},
		Leveling: &LevelingConfig{
			Cooldown:          DefaultLevelingCooldown,
			LevelUpMessageTTL: DefaultLevelingLevelUpMessageTTL,
		},
		Economy: &EconomyConfig{
			HeistStartBank:     DefaultHeistStartBank,
			HeistJoinWindow:    DefaultHeistJoinWindow,
			HeistSuccessChance: DefaultHeistSuccessChance,
			DuelSuspense:       DefaultDuelSuspense,
		},
		Twitch: &TwitchConfig{
			TokenURL:          DefaultTwitchTokenURL,
			APIURL:            DefaultTwitchAPIURL,
			PollInterval:      DefaultTwitchPollInterval,
			RequestsPerSecond: DefaultTwitchRequestsPerSecond,
		},
		Voice: &VoiceConfig{IdleTimeout: DefaultVoiceIdleTimeout},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:           apiLogLevel,
			ReadHeaderTimeout:  DefaultReadHeaderTimeout,
			ReadTimeout:        DefaultReadTimeout,
			WriteTimeout:       DefaultWriteTimeout,
			IdleTimeout:        DefaultIdleTimeout,
			SessionMaxAge:      DefaultAPISessionMaxAge,
			LoginRatePerMinute: DefaultAPILoginRatePerMinute,
			CORS:               DefaultCORSConfig(),
		},
	}
}

// channelMention formats a channel ID as a discord channel mention
func channelMention(channelID string) string {
	return fmt.Sprintf("<#%s>", channelID)
}
