package primebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

const (
	commandBirthday    = "birthday"
	commandRank        = "rank"
	commandLeaderboard = "leaderboard"
	commandPrime       = "prime"
	commandDuel        = "duel"
	commandRoulette    = "roulette"
	commandSlots       = "slots"
)

// commandAliases maps every accepted command name to its group
var commandAliases = map[string]string{
	commandBirthday:    commandBirthday,
	commandRank:        commandRank,
	"level":            commandRank,
	"profile":          commandRank,
	commandLeaderboard: commandLeaderboard,
	"lb":               commandLeaderboard,
	"top":              commandLeaderboard,
	commandPrime:       commandPrime,
	commandDuel:        commandDuel,
	commandRoulette:    commandRoulette,
	commandSlots:       commandSlots,
}

// Usage lines. %[1]s is replaced by the command prefix.
const (
	usageBirthday     = "Verwende `%[1]sbirthday set <DD.MM.JJJJ>`, `%[1]sbirthday me` oder `%[1]sbirthday list`"
	usagePrime        = "Verwende `%[1]sprime convert`, `%[1]sprime bank` oder `%[1]sprime heist`"
	usageConvert      = "Verwende `%[1]sprime convert xp <menge>`"
	usageHeistJoin    = "Verwende `%[1]sprime heist join <amount>`"
	usageTwitch       = "Verwende `%[1]sprime twitch add <login> [#channel]`, `%[1]sprime twitch list` oder `%[1]sprime twitch remove <login>`"
	usageDuel         = "Verwende `%[1]sduel challenge @user <einsatz>`"
	usageRoulette     = "Verwende `%[1]sroulette bet <einsatz> <wette>`\nMögliche Wetten: Zahl (1-36), 'rot', 'schwarz', 'gerade', 'ungerade'"
	usageSlots        = "Verwende `%[1]sslots play <einsatz>`"
	usageRank         = "Verwende `%[1]srank [@user]`"
	msgOnlyIn         = "ℹ️ Nur im %s verfügbar!"
	msgEconomyOnlyIn  = "ℹ️ Economy-Befehle nur im %s verfügbar!"
	msgCommandOnlyIn  = "❌ Dieser Befehl ist nur im %s erlaubt!"
	msgMissingManage  = "❌ Dazu fehlt dir die Berechtigung **Server verwalten**."
	msgBetAtLeastOne  = "❌ Der Einsatz muss mindestens 1 Coin betragen!"
	msgNotEnoughCoins = "❌ Du hast nicht genug Coins!"
)

// commandContext is a parsed prefix command
type commandContext struct {
	msg *discordgo.Message

	// name is the group name, as typed (ex: "lb")
	name string

	// args are the fields following the current (sub)command
	args   []string
	logger *slog.Logger
}

func (c *commandContext) authorID() string {
	return c.msg.Author.ID
}

func (c *commandContext) authorMention() string {
	return c.msg.Author.Mention()
}

func (c *commandContext) authorName() string {
	return displayName(c.msg.Author, c.msg.Member)
}

// parseCommand splits content into a command group and its arguments.
// ok is false if content isn't a known command.
func parseCommand(prefix string, content string) (group string, name string, args []string, ok bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", "", nil, false
	}
	name = strings.ToLower(fields[0])
	group, ok = commandAliases[name]
	if !ok {
		return "", "", nil, false
	}
	return group, name, fields[1:], true
}

// handleMessage is the entrypoint for every message the bot sees.
// Messages from humans earn XP, then are routed to a command if they
// start with the command prefix.
func (p *PrimeBot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID == "" {
		return
	}
	if p.config.Discord.GuildID != "" && m.GuildID != p.config.Discord.GuildID {
		return
	}

	logger := p.logger.With(
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
			"author_id", m.Author.ID,
		),
	)
	ctx = WithLogger(ctx, logger)

	p.awardMessageXP(ctx, m.Message)

	group, name, args, ok := parseCommand(p.config.Prefix, m.Content)
	if !ok {
		return
	}
	if p.paused.Load() {
		logger.InfoContext(ctx, "paused, ignoring command", "command", name)
		return
	}
	logger.InfoContext(ctx, "handling command", "command", name, "args", args)

	cmd := &commandContext{msg: m.Message, name: name, args: args, logger: logger}
	switch group {
	case commandBirthday:
		p.runGroup(ctx, cmd, p.birthdayCommands())
	case commandRank:
		p.cmdRank(ctx, cmd)
	case commandLeaderboard:
		p.cmdLeaderboard(ctx, cmd)
	case commandPrime:
		p.runGroup(ctx, cmd, p.primeCommands())
	case commandDuel:
		p.runGroup(ctx, cmd, p.duelCommands())
	case commandRoulette:
		p.runGroup(ctx, cmd, p.rouletteCommands())
	case commandSlots:
		p.runGroup(ctx, cmd, p.slotsCommands())
	}
}

type subcommand struct {
	run func(ctx context.Context, cmd *commandContext)

	// anyChannel allows the subcommand outside the group's channel
	anyChannel bool
}

// commandGroup is a command with subcommands, optionally bound to
// a channel
type commandGroup struct {
	channelID string

	// wrongChannel is the reply when the bare group is used outside
	// of channelID. Empty means no reply.
	wrongChannel string
	usage        string

	// bare runs when no known subcommand was given. If nil, usage
	// is sent.
	bare func(ctx context.Context, cmd *commandContext)
	subs map[string]subcommand
}

func (p *PrimeBot) runGroup(ctx context.Context, cmd *commandContext, g commandGroup) {
	allowed := g.channelID == "" || cmd.msg.ChannelID == g.channelID

	var sub subcommand
	var found bool
	if len(cmd.args) > 0 {
		sub, found = g.subs[strings.ToLower(cmd.args[0])]
	}
	if !found {
		switch {
		case !allowed:
			if g.wrongChannel != "" {
				p.reply(ctx, cmd, g.wrongChannel)
			}
		case g.bare != nil:
			g.bare(ctx, cmd)
		default:
			p.reply(ctx, cmd, g.usage)
		}
		return
	}

	if !allowed && !sub.anyChannel {
		p.reply(ctx, cmd, fmt.Sprintf(msgCommandOnlyIn, channelMention(g.channelID)))
		return
	}
	cmd.args = cmd.args[1:]
	sub.run(ctx, cmd)
}

func (p *PrimeBot) usage(format string) string {
	return fmt.Sprintf(format, p.config.Prefix)
}

func (p *PrimeBot) birthdayCommands() commandGroup {
	ch := p.config.Channels.Birthday
	return commandGroup{
		channelID:    ch,
		wrongChannel: fmt.Sprintf(msgOnlyIn, channelMention(ch)),
		usage:        p.usage(usageBirthday),
		subs: map[string]subcommand{
			"set":  {run: p.cmdBirthdaySet},
			"me":   {run: p.cmdBirthdayMe},
			"list": {run: p.cmdBirthdayList},
		},
	}
}

func (p *PrimeBot) primeCommands() commandGroup {
	ch := p.config.Channels.Economy
	return commandGroup{
		channelID:    ch,
		wrongChannel: fmt.Sprintf(msgEconomyOnlyIn, channelMention(ch)),
		usage:        p.usage(usagePrime),
		subs: map[string]subcommand{
			"convert": {
				run: func(ctx context.Context, cmd *commandContext) {
					p.runGroup(
						ctx, cmd, commandGroup{
							usage: p.usage(usageConvert),
							subs: map[string]subcommand{
								"xp": {run: p.cmdConvertXP},
							},
						},
					)
				},
			},
			"bank": {run: p.cmdBank},
			"heist": {
				run: func(ctx context.Context, cmd *commandContext) {
					p.runGroup(
						ctx, cmd, commandGroup{
							usage: p.usage(usageHeistJoin),
							bare:  p.cmdHeistStatus,
							subs: map[string]subcommand{
								"join": {run: p.cmdHeistJoin},
							},
						},
					)
				},
			},
			"twitch": {
				anyChannel: true,
				run: func(ctx context.Context, cmd *commandContext) {
					p.runGroup(
						ctx, cmd, commandGroup{
							usage: p.usage(usageTwitch),
							subs: map[string]subcommand{
								"add":    {run: p.requireManageServer(p.cmdTwitchAdd)},
								"list":   {run: p.cmdTwitchList},
								"remove": {run: p.requireManageServer(p.cmdTwitchRemove)},
							},
						},
					)
				},
			},
		},
	}
}

func (p *PrimeBot) duelCommands() commandGroup {
	ch := p.config.Channels.Duel
	return commandGroup{
		channelID:    ch,
		wrongChannel: fmt.Sprintf(msgOnlyIn, channelMention(ch)),
		usage:        p.usage(usageDuel),
		subs: map[string]subcommand{
			"challenge": {run: p.cmdDuelChallenge},
		},
	}
}

func (p *PrimeBot) rouletteCommands() commandGroup {
	ch := p.config.Channels.Roulette
	return commandGroup{
		channelID:    ch,
		wrongChannel: fmt.Sprintf(msgOnlyIn, channelMention(ch)),
		usage:        p.usage(usageRoulette),
		subs: map[string]subcommand{
			"bet": {run: p.cmdRouletteBet},
		},
	}
}

func (p *PrimeBot) slotsCommands() commandGroup {
	ch := p.config.Channels.Slots
	return commandGroup{
		channelID:    ch,
		wrongChannel: fmt.Sprintf(msgOnlyIn, channelMention(ch)),
		usage:        p.usage(usageSlots),
		subs: map[string]subcommand{
			"play": {run: p.cmdSlotsPlay},
		},
	}
}

// requireManageServer wraps a subcommand so it only runs for members
// with the Manage Server (or Administrator) permission
func (p *PrimeBot) requireManageServer(
	next func(ctx context.Context, cmd *commandContext),
) func(ctx context.Context, cmd *commandContext) {
	return func(ctx context.Context, cmd *commandContext) {
		perms, err := p.discord.session.UserChannelPermissions(
			cmd.authorID(),
			cmd.msg.ChannelID,
		)
		if err != nil {
			cmd.logger.ErrorContext(ctx, "error checking permissions", tint.Err(err))
		}
		if err != nil || !hasPermission(perms, discordgo.PermissionManageServer) {
			p.reply(ctx, cmd, msgMissingManage)
			return
		}
		next(ctx, cmd)
	}
}

// reply sends content to the channel the command was sent in
func (p *PrimeBot) reply(ctx context.Context, cmd *commandContext, content string) *discordgo.Message {
	msg, err := p.sendMessage(ctx, cmd.msg.ChannelID, content)
	if err != nil {
		return nil
	}
	return msg
}

// replyEmbed sends embeds to the channel the command was sent in.
// More than one embed may be given, but not more than 10.
func (p *PrimeBot) replyEmbed(
	ctx context.Context,
	cmd *commandContext,
	embeds ...*discordgo.MessageEmbed,
) {
	_, _ = p.sendComplex(ctx, cmd.msg.ChannelID, &discordgo.MessageSend{Embeds: embeds})
}

func (p *PrimeBot) sendMessage(
	ctx context.Context,
	channelID string,
	content string,
) (*discordgo.Message, error) {
	msg, err := p.discord.session.ChannelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (p *PrimeBot) sendComplex(
	ctx context.Context,
	channelID string,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	data.Content = truncate(data.Content, discordMaxMessageLength)
	msg, err := p.discord.session.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

// maxAmount is the largest amount accepted in a command. The highest
// payout multiplier times maxAmount still fits in an int64.
const maxAmount = math.MaxInt64 / rouletteNumber

// parseAmount parses a coin or XP amount argument. Amounts beyond
// maxAmount in either direction are rejected.
func parseAmount(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n > maxAmount || n < -maxAmount {
		return 0, false
	}
	return n, true
}

// resolveUser returns the user referenced by a mention argument,
// preferring the message's resolved mentions over a REST lookup
func (p *PrimeBot) resolveUser(msg *discordgo.Message, arg string) (*discordgo.User, error) {
	id, ok := parseMention(arg, "@")
	if !ok {
		return nil, fmt.Errorf("not a user mention: %q", arg)
	}
	for _, u := range msg.Mentions {
		if u != nil && u.ID == id {
			return u, nil
		}
	}
	return p.discord.session.User(id)
}

// memberName returns a user's display name in the given guild, falling
// back to their global name
func (p *PrimeBot) memberName(guildID string, u *discordgo.User) string {
	if guildID != "" {
		if m, err := p.discord.session.GuildMember(guildID, u.ID); err == nil && m != nil {
			return displayName(u, m)
		}
	}
	return displayName(u, nil)
}
