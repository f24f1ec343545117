package cmd

import (
	"context"
	"fmt"
	"github.com/ItsBonfireTime/PRIME-Multigaming-Discord-Bot/primebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = primebot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a log level
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "prime-bot [flags]",
	Short: "PRIME-Bot, the PRIME multigaming community bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return unmarshalConfig(cfg)
	},
}

func unmarshalConfig(target *primebot.Config) error {
	return viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("INFO") into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		typ := t
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		// a field already holding a *slog.LevelVar is handed over as the
		// struct it points to
		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	switch strings.ToLower(filepath.Ext(configFile)) {
	case "":
		if configFile == "" {
			if err := godotenv.Load(); err != nil {
				log.Println("No .env file found")
			}
		} else if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %q: %v", configFile, err)
		}
	case ".yaml", ".yml":
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("unable to read config file %q: %v", configFile, err)
		}
	default:
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %q: %v", configFile, err)
		}
	}

	if err := setDefaults(); err != nil {
		log.Fatalf("error: %v", err)
	}

	envPrefix := os.Getenv(primebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = primebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// levels are decoded by LevelToStringHookFunc, but a typo should stop
	// startup rather than fall back to INFO
	for _, key := range levelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// setDefaults registers every config key with viper, so each one can be
// set through the environment
func setDefaults() error {
	d := primebot.DefaultConfig()

	viper.SetDefault("database", d.Database)
	viper.SetDefault("database_type", d.DatabaseType)
	viper.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	viper.SetDefault("database_log_level", d.DatabaseLogLevel.Level().String())
	viper.SetDefault("prefix", d.Prefix)
	viper.SetDefault("timezone", d.Timezone)
	viper.SetDefault("log_level", d.LogLevel.Level().String())
	viper.SetDefault("startup_timeout", d.StartupTimeout)
	viper.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", d.RuntimeConfigTTL)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", d.Discord.LogLevel.Level().String())
	viper.SetDefault("discord.discordgo_log_level", d.Discord.DiscordGoLogLevel.Level().String())
	viper.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	viper.SetDefault("discord.startup_message", d.Discord.StartupMessage)

	// Channels and roles
	for _, key := range []string{"log", "birthday", "economy", "duel", "roulette", "slots"} {
		viper.SetDefault("channels."+key, "")
	}
	viper.SetDefault("roles.birthday", "")

	// Features
	viper.SetDefault("birthday.file", d.Birthday.File)
	viper.SetDefault("leveling.cooldown", d.Leveling.Cooldown)
	viper.SetDefault("leveling.levelup_message_ttl", d.Leveling.LevelUpMessageTTL)
	viper.SetDefault("economy.heist_start_bank", d.Economy.HeistStartBank)
	viper.SetDefault("economy.heist_join_window", d.Economy.HeistJoinWindow)
	viper.SetDefault("economy.heist_success_chance", d.Economy.HeistSuccessChance)
	viper.SetDefault("economy.duel_suspense", d.Economy.DuelSuspense)
	viper.SetDefault("twitch.client_id", "")
	viper.SetDefault("twitch.client_secret", "")
	viper.SetDefault("twitch.token_url", d.Twitch.TokenURL)
	viper.SetDefault("twitch.api_url", d.Twitch.APIURL)
	viper.SetDefault("twitch.poll_interval", d.Twitch.PollInterval)
	viper.SetDefault("twitch.requests_per_second", d.Twitch.RequestsPerSecond)
	viper.SetDefault("voice.trigger_channel_id", "")
	viper.SetDefault("voice.idle_timeout", d.Voice.IdleTimeout)

	// API
	viper.SetDefault("api.listen", d.API.Listen)
	viper.SetDefault("api.listen_network", d.API.ListenNetwork)
	viper.SetDefault("api.dashboard_password", "")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", d.API.LogLevel.Level().String())
	viper.SetDefault("api.read_timeout", d.API.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", d.API.WriteTimeout)
	viper.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	viper.SetDefault("api.session_max_age", d.API.SessionMaxAge)
	viper.SetDefault("api.login_rate_per_minute", d.API.LoginRatePerMinute)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.tls_min_version", d.API.SSL.TLSMinVersion)

	// API: CORS
	viper.SetDefault("api.cors.allow_headers", primebot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", primebot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", primebot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", primebot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", primebot.DefaultAPICORSAllowCredentials)

	for _, key := range []string{"api.ssl.cert", "api.ssl.key"} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env or YAML file to load before reading the environment",
	)
}
