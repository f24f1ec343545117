package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	xpGainMin = 5
	xpGainMax = 15

	leaderboardSize  = 10
	rankBarCells     = 10
	embedColorGold   = 0xF1C40F
	embedColorBlue   = 0x3498DB
	rankBarFilled    = "🟩"
	rankBarEmpty     = "⬜"
	columnLevelXP    = "xp"
	columnLevelLevel = "level"
)

// LevelUser is a member's XP and level
type LevelUser struct {
	UserID string `gorm:"primaryKey;type:string" json:"user_id"`
	XP     int64  `gorm:"not null;default:0" json:"xp"`
	Level  int64  `gorm:"not null;default:1" json:"level"`

	// LastMessage is the unix time (ms) of the last message that
	// earned XP
	LastMessage int64 `json:"last_message"`
}

func (LevelUser) TableName() string {
	return "users"
}

// levelForXP returns the level for the given total XP:
// floor(sqrt(xp)/10)+1
func levelForXP(xp int64) int64 {
	if xp <= 0 {
		return 1
	}
	return int64(math.Sqrt(float64(xp))/10) + 1
}

// levelThreshold returns the XP the rank display treats as the start
// of level: (10*level)^2
func levelThreshold(level int64) int64 {
	return (level * 10) * (level * 10)
}

// rankProgress returns the XP into the current level, the XP between
// the current and next level, and the progress bar shown by the rank
// command
func rankProgress(xp int64, level int64) (current int64, needed int64, bar string) {
	current = xp - levelThreshold(level)
	needed = levelThreshold(level+1) - levelThreshold(level)

	progress := int(float64(current) / float64(needed) * rankBarCells)
	progress = max(0, min(progress, rankBarCells))
	bar = strings.Repeat(rankBarFilled, progress) + strings.Repeat(rankBarEmpty, rankBarCells-progress)
	return current, needed, bar
}

// Leveler awards XP for messages, at most once per cooldown per user
type Leveler struct {
	db       DBI
	rng      randomSource
	now      func() time.Time
	cooldown time.Duration

	mu       sync.Mutex
	lastGain map[string]time.Time
}

func newLeveler(db DBI, rng randomSource, now func() time.Time, cooldown time.Duration) *Leveler {
	return &Leveler{
		db:       db,
		rng:      rng,
		now:      now,
		cooldown: cooldown,
		lastGain: map[string]time.Time{},
	}
}

// xpGain is the result of awarding XP for a message
type xpGain struct {
	Gained    int64
	User      LevelUser
	LeveledUp bool
}

// onCooldown reports whether the user has gained XP within the
// cooldown. If not, the current time is recorded as their last gain.
func (l *Leveler) onCooldown(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastGain[userID]; ok && now.Sub(last) < l.cooldown {
		return true
	}
	l.lastGain[userID] = now
	return false
}

// Award grants a random 5-15 XP to the user, unless they're on
// cooldown, in which case a nil result is returned. New users start at
// level 1, and never level up on their first message.
func (l *Leveler) Award(ctx context.Context, userID string) (*xpGain, error) {
	now := l.now()
	if l.onCooldown(userID, now) {
		return nil, nil
	}

	gain := &xpGain{Gained: int64(randBetween(l.rng, xpGainMin, xpGainMax))}
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var user LevelUser
			err := tx.Where("user_id = ?", userID).Take(&user).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				user = LevelUser{
					UserID:      userID,
					XP:          gain.Gained,
					Level:       1,
					LastMessage: now.UnixMilli(),
				}
				gain.User = user
				return tx.Create(&user).Error
			case err != nil:
				return err
			}

			user.XP += gain.Gained
			newLevel := levelForXP(user.XP)
			gain.LeveledUp = newLevel > user.Level
			user.Level = newLevel
			user.LastMessage = now.UnixMilli()
			gain.User = user
			return tx.Model(&LevelUser{}).Where("user_id = ?", userID).Updates(
				map[string]any{
					columnLevelXP:    user.XP,
					columnLevelLevel: user.Level,
					"last_message":   user.LastMessage,
				},
			).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error awarding xp: %w", err)
	}
	return gain, nil
}

// Get returns the user's XP and level, or nil if they have none
func (l *Leveler) Get(ctx context.Context, userID string) (*LevelUser, error) {
	var users []LevelUser
	if err := l.db.DB().WithContext(ctx).Where(
		"user_id = ?",
		userID,
	).Limit(1).Find(&users).Error; err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// Top returns the top n users by level, then XP
func (l *Leveler) Top(ctx context.Context, n int) ([]LevelUser, error) {
	var users []LevelUser
	err := l.db.DB().WithContext(ctx).Order("level DESC").Order("xp DESC").Limit(n).Find(&users).Error
	return users, err
}

// awardMessageXP awards XP for msg, announcing level ups in the channel
// the message was sent in
func (p *PrimeBot) awardMessageXP(ctx context.Context, msg *discordgo.Message) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = p.logger
	}
	gain, err := p.leveling.Award(ctx, msg.Author.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error awarding xp", tint.Err(err))
		return
	}
	if gain == nil {
		return
	}
	logger.DebugContext(
		ctx,
		"awarded xp",
		"gained", gain.Gained,
		"xp", gain.User.XP,
		"level", gain.User.Level,
	)
	if !gain.LeveledUp {
		return
	}

	p.events.Publish(
		EventLevelUp, map[string]any{
			"user_id": msg.Author.ID,
			"name":    displayName(msg.Author, msg.Member),
			"level":   gain.User.Level,
		},
	)

	sent, err := p.sendMessage(
		ctx,
		msg.ChannelID,
		fmt.Sprintf(
			"🎉 **Level Up!** %s ist jetzt Level **%d**!",
			msg.Author.Mention(),
			gain.User.Level,
		),
	)
	if err != nil || sent == nil {
		return
	}
	if ttl := p.config.Leveling.LevelUpMessageTTL; ttl > 0 {
		p.deleteAfter(sent.ChannelID, sent.ID, ttl)
	}
}

// deleteAfter deletes the given message once d has elapsed
func (p *PrimeBot) deleteAfter(channelID string, messageID string, d time.Duration) {
	time.AfterFunc(
		d, func() {
			if err := p.discord.session.ChannelMessageDelete(channelID, messageID); err != nil {
				p.logger.Warn(
					"error deleting message",
					tint.Err(err),
					"channel_id", channelID,
					"message_id", messageID,
				)
			}
		},
	)
}

func (p *PrimeBot) cmdRank(ctx context.Context, cmd *commandContext) {
	target := cmd.msg.Author
	member := cmd.msg.Member
	if len(cmd.args) > 0 {
		u, err := p.resolveUser(cmd.msg, cmd.args[0])
		if err != nil {
			p.reply(ctx, cmd, p.usage(usageRank))
			return
		}
		target = u
		member = nil
	}

	user, err := p.leveling.Get(ctx, target.ID)
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading level", tint.Err(err))
		return
	}
	if user == nil {
		p.reply(ctx, cmd, fmt.Sprintf("%s hat noch kein XP gesammelt.", target.Mention()))
		return
	}

	name := displayName(target, member)
	if member == nil {
		name = p.memberName(cmd.msg.GuildID, target)
	}
	current, needed, bar := rankProgress(user.XP, user.Level)
	p.replyEmbed(
		ctx, cmd, &discordgo.MessageEmbed{
			Title: fmt.Sprintf("📊 Level von %s", name),
			Color: embedColorGold,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Level", Value: fmt.Sprintf("**%d**", user.Level), Inline: true},
				{
					Name:   "XP",
					Value:  fmt.Sprintf("**%d / %d** bis Level %d", current, needed, user.Level+1),
					Inline: true,
				},
				{Name: "Fortschritt", Value: bar},
			},
			Thumbnail: &discordgo.MessageEmbedThumbnail{URL: target.AvatarURL(discordAvatarSize)},
			Footer:    &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("User ID: %s", target.ID)},
		},
	)
}

func (p *PrimeBot) cmdLeaderboard(ctx context.Context, cmd *commandContext) {
	users, err := p.leveling.Top(ctx, leaderboardSize)
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading leaderboard", tint.Err(err))
		return
	}
	if len(users) == 0 {
		p.reply(ctx, cmd, "Noch keine User im Leaderboard.")
		return
	}

	var sb strings.Builder
	for i, u := range users {
		_, _ = fmt.Fprintf(
			&sb,
			"`%d.` **%s** — Level %d | %d XP\n",
			i+1,
			p.userName(cmd.msg.GuildID, u.UserID),
			u.Level,
			u.XP,
		)
	}
	p.replyEmbed(
		ctx, cmd, &discordgo.MessageEmbed{
			Title:       "🏆 Leaderboard",
			Color:       embedColorBlue,
			Description: sb.String(),
		},
	)
}

// userName returns the display name for the given user ID, or
// "User <id>" if the user can't be found
func (p *PrimeBot) userName(guildID string, userID string) string {
	if name, ok := p.lookupName(guildID, userID); ok {
		return name
	}
	return fmt.Sprintf("User %s", userID)
}

// lookupName returns the user's name in the guild, or their global name
// if they're not a member (or guildID is empty)
func (p *PrimeBot) lookupName(guildID string, userID string) (string, bool) {
	if p.discord.session == nil {
		return "", false
	}
	if guildID != "" {
		if m, err := p.discord.session.GuildMember(guildID, userID); err == nil && m != nil {
			if name := displayName(m.User, m); name != "" {
				return name, true
			}
		}
	}
	if u, err := p.discord.session.User(userID); err == nil && u != nil {
		if name := displayName(u, nil); name != "" {
			return name, true
		}
	}
	return "", false
}
