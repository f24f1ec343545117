package primebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig holds the settings that can be changed while the bot is
// running (via the admin API), and that survive restarts. There is only
// ever one row.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. A paused bot
	// still records XP, but ignores commands and skips scheduled jobs.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the "Playing ..." activity shown for the bot
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	AdminUsername string `json:"-" gorm:"type:string" log:"[redacted]"`
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"column:discordgo_log_level;default:WARN;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"column:api_log_level;default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

// DefaultRuntimeConfig returns the RuntimeConfig created on first start
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		LogLevel:            DBLogLevel(DefaultLogLevel.String()),
		DiscordLogLevel:     DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel:   DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:    DBLogLevel(DefaultDatabaseLogLevel.String()),
		APILogLevel:         DBLogLevel(DefaultAPILogLevel.String()),
	}
}

// RuntimeConfigUpdate is the PATCH payload for the runtime config.
// Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused              *bool   `json:"paused,omitempty"`
	DiscordCustomStatus *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the config table columns to update, keyed by
// column name
func (u RuntimeConfigUpdate) columns() map[string]any {
	cols := map[string]any{}
	if u.Paused != nil {
		cols[columnRuntimeConfigPaused] = *u.Paused
	}
	if u.DiscordCustomStatus != nil {
		cols["discord_custom_status"] = *u.DiscordCustomStatus
	}
	if u.LogLevel != nil {
		cols["log_level"] = *u.LogLevel
	}
	if u.DiscordLogLevel != nil {
		cols["discord_log_level"] = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		cols["discordgo_log_level"] = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		cols["database_log_level"] = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		cols["api_log_level"] = *u.APILogLevel
	}
	return cols
}

// getDiscordPresenceStatusUpdate returns the gateway presence for the
// given config: do-not-disturb while paused, otherwise online and
// "playing" the custom status.
func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	update := discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		update.Game = discordgo.Activity{
			Name: config.DiscordCustomStatus,
			Type: discordgo.ActivityTypeGame,
		}
	}
	return update
}

// getDiscordStatusUpdateData is getDiscordPresenceStatusUpdate, in the
// form used to change the presence of an open session
func getDiscordStatusUpdateData(config RuntimeConfig) discordgo.UpdateStatusData {
	presence := getDiscordPresenceStatusUpdate(config)
	data := discordgo.UpdateStatusData{
		AFK:    presence.AFK,
		Status: presence.Status,
	}
	if presence.Game.Name != "" {
		activity := presence.Game
		data.Activities = []*discordgo.Activity{&activity}
	}
	return data
}

// loadRuntimeConfig returns the stored RuntimeConfig, creating it with
// DefaultRuntimeConfig if it doesn't exist yet.
func loadRuntimeConfig(ctx context.Context, db DBI) (*RuntimeConfig, error) {
	var existing []RuntimeConfig
	if err := db.DB().WithContext(ctx).Limit(1).Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("error loading runtime config: %w", err)
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	cfg := DefaultRuntimeConfig()
	if _, err := db.Create(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("error creating runtime config: %w", err)
	}
	return &cfg, nil
}

// applyRuntimeConfigUpdate validates and persists update, returning the
// resulting config. The stored row is left unchanged if the update
// is invalid.
func applyRuntimeConfigUpdate(
	ctx context.Context,
	db DBI,
	current RuntimeConfig,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return current, err
	}
	cols := update.columns()
	if len(cols) == 0 {
		return current, nil
	}

	updated := current
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Model(&updated).Updates(cols).Error; err != nil {
				return err
			}
			return tx.First(&updated, current.ID).Error
		},
	)
	if err != nil {
		return current, fmt.Errorf("error updating runtime config: %w", err)
	}
	return updated, nil
}

// refreshRuntimeConfig reloads the RuntimeConfig from the database,
// and applies log level and presence changes.
func (p *PrimeBot) refreshRuntimeConfig(ctx context.Context) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.unsafeRefreshRuntimeConfig(ctx)
}

// unsafeRefreshRuntimeConfig is refreshRuntimeConfig without locking cfgMu
func (p *PrimeBot) unsafeRefreshRuntimeConfig(ctx context.Context) {
	var cfg RuntimeConfig
	if err := p.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		p.logger.ErrorContext(ctx, "error reloading runtime config", tint.Err(err))
		return
	}
	previous := p.runtimeConfig
	p.runtimeConfig = &cfg
	p.setRuntimeLevels(cfg)

	wasPaused := p.paused.Swap(cfg.Paused)
	switch {
	case wasPaused && !cfg.Paused:
		p.logger.InfoContext(ctx, "bot unpaused by runtime config refresh")
	case cfg.Paused && !wasPaused:
		p.logger.WarnContext(ctx, "bot paused by runtime config refresh")
	}

	if previous == nil ||
		previous.Paused != cfg.Paused ||
		previous.DiscordCustomStatus != cfg.DiscordCustomStatus {
		p.updateDiscordPresence(ctx, cfg)
	}
}

// runtimeConfigRefresher reloads the runtime config every
// Config.RuntimeConfigTTL, or whenever triggerRuntimeConfigRefreshCh
// receives a value.
func (p *PrimeBot) runtimeConfigRefresher(ctx context.Context) {
	var tick <-chan time.Time
	if p.config.RuntimeConfigTTL > 0 {
		ticker := time.NewTicker(p.config.RuntimeConfigTTL)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			p.refreshRuntimeConfig(ctx)
		case <-p.triggerRuntimeConfigRefreshCh:
			p.logger.InfoContext(ctx, "runtime config refresh triggered")
			p.refreshRuntimeConfig(ctx)
		}
	}
}
