package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	tempChannelEveryoneAllow = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak

	tempChannelOwnerAllow = discordgo.PermissionManageChannels |
		discordgo.PermissionManageRoles |
		discordgo.PermissionManageWebhooks |
		discordgo.PermissionViewChannel |
		discordgo.PermissionVoiceConnect |
		discordgo.PermissionVoiceSpeak |
		discordgo.PermissionVoiceStreamVideo |
		discordgo.PermissionVoiceUseVAD |
		discordgo.PermissionVoicePrioritySpeaker |
		discordgo.PermissionVoiceMuteMembers |
		discordgo.PermissionVoiceDeafenMembers |
		discordgo.PermissionVoiceMoveMembers
)

// TempVoiceChannel is a voice channel created for a member who joined
// the trigger channel
type TempVoiceChannel struct {
	ChannelID string `gorm:"primaryKey;type:string" json:"channel_id"`
	GuildID   string `gorm:"type:string;not null;index" json:"guild_id"`
	OwnerID   string `gorm:"type:string;not null" json:"owner_id"`
	Name      string `gorm:"type:string" json:"name"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (TempVoiceChannel) TableName() string {
	return "temp_voice_channels"
}

// TempVoiceManager creates a voice channel for every member joining the
// trigger channel, and deletes it once it's been empty for the
// idle timeout.
type TempVoiceManager struct {
	db               DBI
	discord          *Discord
	logger           *slog.Logger
	triggerChannelID string
	idleTimeout      time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTempVoiceManager(db DBI, discord *Discord, logger *slog.Logger, cfg VoiceConfig) *TempVoiceManager {
	return &TempVoiceManager{
		db:               db,
		discord:          discord,
		logger:           logger,
		triggerChannelID: cfg.TriggerChannelID,
		idleTimeout:      cfg.IdleTimeout,
		timers:           map[string]*time.Timer{},
	}
}

// handleVoiceStateUpdate creates a channel when a member joins the
// trigger channel, and schedules the deletion of temporary channels
// that were left empty
func (m *TempVoiceManager) handleVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil {
		return
	}
	if m.discord.config.GuildID != "" && v.GuildID != m.discord.config.GuildID {
		return
	}
	joined := v.ChannelID
	var left string
	if v.BeforeUpdate != nil {
		left = v.BeforeUpdate.ChannelID
	}
	if joined == left {
		return
	}

	if joined != "" {
		m.cancelDeletion(joined)
		if m.triggerChannelID != "" && joined == m.triggerChannelID {
			if err := m.createChannel(ctx, v.VoiceState); err != nil {
				m.logger.ErrorContext(
					ctx,
					"error creating temporary channel",
					tint.Err(err),
					"user_id", v.UserID,
				)
			}
		}
	}

	if left != "" && m.isTracked(ctx, left) {
		// an unknown count is rechecked when the deletion fires
		if n, ok := m.discord.session.VoiceChannelMemberCount(v.GuildID, left); !ok || n == 0 {
			m.scheduleDeletion(v.GuildID, left)
		}
	}
}

// createChannel creates a voice channel named after the member, right
// below the trigger channel, and moves them into it
func (m *TempVoiceManager) createChannel(ctx context.Context, vs *discordgo.VoiceState) error {
	trigger, err := m.discord.session.Channel(vs.ChannelID)
	if err != nil {
		return fmt.Errorf("error loading trigger channel: %w", err)
	}
	member := vs.Member
	if member == nil {
		member, err = m.discord.session.GuildMember(vs.GuildID, vs.UserID)
		if err != nil {
			return fmt.Errorf("error loading member: %w", err)
		}
	}
	name := displayName(member.User, member)
	if name == "" {
		name = vs.UserID
	}

	ch, err := m.discord.session.GuildChannelCreateComplex(
		vs.GuildID, discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: trigger.ParentID,
			Position: trigger.Position + 1,
			PermissionOverwrites: []*discordgo.PermissionOverwrite{
				{
					ID:    vs.GuildID,
					Type:  discordgo.PermissionOverwriteTypeRole,
					Allow: tempChannelEveryoneAllow,
				},
				{
					ID:    vs.UserID,
					Type:  discordgo.PermissionOverwriteTypeMember,
					Allow: tempChannelOwnerAllow,
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error creating channel: %w", err)
	}
	log := m.logger.With("channel_id", ch.ID, "channel_name", ch.Name, "user_id", vs.UserID)
	log.InfoContext(ctx, "created temporary channel", "trigger_channel", trigger.Name)

	if _, err := m.db.Create(
		ctx, &TempVoiceChannel{
			ChannelID: ch.ID,
			GuildID:   vs.GuildID,
			OwnerID:   vs.UserID,
			Name:      ch.Name,
		},
	); err != nil {
		log.ErrorContext(ctx, "error recording temporary channel", tint.Err(err))
	}

	if err := m.discord.session.GuildMemberMove(vs.GuildID, vs.UserID, &ch.ID); err != nil {
		log.ErrorContext(ctx, "error moving member into temporary channel", tint.Err(err))
		m.scheduleDeletion(vs.GuildID, ch.ID)
		return nil
	}
	log.InfoContext(ctx, "moved member into temporary channel")
	return nil
}

func (m *TempVoiceManager) isTracked(ctx context.Context, channelID string) bool {
	var n int64
	if err := m.db.DB().WithContext(ctx).Model(&TempVoiceChannel{}).Where(
		"channel_id = ?",
		channelID,
	).Count(&n).Error; err != nil {
		m.logger.ErrorContext(ctx, "error checking temporary channel", tint.Err(err))
		return false
	}
	return n > 0
}

// scheduleDeletion deletes the channel after the idle timeout, unless
// it's cancelled by someone joining. Scheduling an already scheduled
// channel does nothing.
func (m *TempVoiceManager) scheduleDeletion(guildID string, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[channelID]; ok {
		return
	}
	m.logger.Debug("scheduled temporary channel deletion", "channel_id", channelID, "after", m.idleTimeout)
	m.timers[channelID] = time.AfterFunc(
		m.idleTimeout, func() {
			m.mu.Lock()
			delete(m.timers, channelID)
			m.mu.Unlock()
			m.deleteIfEmpty(context.Background(), guildID, channelID)
		},
	)
}

func (m *TempVoiceManager) cancelDeletion(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[channelID]; ok {
		t.Stop()
		delete(m.timers, channelID)
		m.logger.Debug("cancelled temporary channel deletion", "channel_id", channelID)
	}
}

// pending returns the number of scheduled deletions
func (m *TempVoiceManager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// deleteIfEmpty deletes and untracks the channel if it's still tracked
// and nobody is in it. Channels that no longer exist are untracked. If
// the member count is unknown, the deletion is rescheduled.
func (m *TempVoiceManager) deleteIfEmpty(ctx context.Context, guildID string, channelID string) {
	if !m.isTracked(ctx, channelID) {
		return
	}
	n, ok := m.discord.session.VoiceChannelMemberCount(guildID, channelID)
	if !ok {
		m.logger.WarnContext(
			ctx,
			"guild not in state, postponing temporary channel deletion",
			"guild_id", guildID,
			"channel_id", channelID,
		)
		m.scheduleDeletion(guildID, channelID)
		return
	}
	if n > 0 {
		m.logger.DebugContext(ctx, "temporary channel in use, keeping it", "channel_id", channelID, "members", n)
		return
	}

	ch, err := m.discord.session.ChannelDelete(channelID)
	if err != nil && !isNotFound(err) {
		m.logger.ErrorContext(ctx, "error deleting temporary channel", tint.Err(err), "channel_id", channelID)
		return
	}
	if _, err := m.db.Delete(ctx, &TempVoiceChannel{}, "channel_id = ?", channelID); err != nil {
		m.logger.ErrorContext(ctx, "error untracking temporary channel", tint.Err(err), "channel_id", channelID)
	}
	name := channelID
	if ch != nil {
		name = ch.Name
	}
	m.logger.InfoContext(
		ctx,
		"deleted temporary channel after idle timeout",
		"channel_id", channelID,
		"channel_name", name,
		"idle_timeout", m.idleTimeout,
	)
}

// recover schedules every channel left over from a previous run for
// deletion, so those that stay empty are cleaned up
func (m *TempVoiceManager) recover(ctx context.Context) error {
	var channels []TempVoiceChannel
	if err := m.db.DB().WithContext(ctx).Find(&channels).Error; err != nil {
		return fmt.Errorf("error loading temporary channels: %w", err)
	}
	for _, ch := range channels {
		m.scheduleDeletion(ch.GuildID, ch.ChannelID)
	}
	if len(channels) > 0 {
		m.logger.InfoContext(ctx, "recovered temporary channels", "count", len(channels))
	}
	return nil
}

// stop cancels every scheduled deletion
func (m *TempVoiceManager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// isNotFound reports whether err is a discord 404 response
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
