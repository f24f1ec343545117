package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const (
	// guildMembersPageSize is the maximum page size for listing members
	guildMembersPageSize = 1000

	discordAvatarSize = "256"
)

// Discord manages the gateway session, and routes gateway events to the
// feature handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricMessagesHandled       atomic.Int64
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	p                           *PrimeBot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, errors.New("discord config is required")
	}
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session, with state tracking
// enabled so voice states and members can be looked up without
// REST calls.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.State.TrackVoice = true
	disc.State.TrackMembers = true
	disc.State.TrackChannels = true
	disc.State.TrackRoles = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.onReady(context.Background(), r)
	}
}

func (d *Discord) onReady(ctx context.Context, r *discordgo.Ready) {
	var sessionID, userID, username string
	if r != nil {
		sessionID = r.SessionID
		if r.User != nil {
			userID = r.User.ID
			username = userTag(r.User)
		}
	}
	d.logger.InfoContext(
		ctx,
		"Ready",
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	)
	d.p.channelLog.Success(
		ctx,
		fmt.Sprintf("Bot eingeloggt als %s (%s)", username, userID),
	)
	d.p.channelLog.Success(ctx, "Bot ist bereit!")
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.onConnect(context.Background())
	}
}

func (d *Discord) onConnect(ctx context.Context) {
	d.metricConnects.Add(1)
	d.connected.Store(true)

	d.logger.InfoContext(ctx, "Connected", "connects", d.metricConnects.Load())

	logChannel := d.p.config.Channels.Log
	if logChannel == "" || d.config.StartupMessage == "" {
		return
	}
	d.logger.InfoContext(ctx, "sending startup message", "channel_id", logChannel)
	if sendErr := d.channelMessageSend(
		logChannel,
		d.config.StartupMessage,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	); sendErr != nil {
		d.logger.ErrorContext(ctx, "unable to send startup message", tint.Err(sendErr))
	} else {
		d.logger.InfoContext(ctx, "sent startup message")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// handlerMessageCreate dispatches incoming messages to leveling and the
// command router. Each message is handled in its own goroutine, tracked
// by runtimeWG.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.metricMessagesHandled.Add(1)
		p := d.p
		p.runtimeWG.Add(1)
		go func() {
			defer p.runtimeWG.Done()
			defer p.handleRecover(context.Background(), "message_create")
			p.handleMessage(context.Background(), m)
		}()
	}
}

func (d *Discord) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	v *discordgo.VoiceStateUpdate,
) {
	return func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		p := d.p
		p.runtimeWG.Add(1)
		go func() {
			defer p.runtimeWG.Done()
			defer p.handleRecover(context.Background(), "voice_state_update")
			p.voice.handleVoiceStateUpdate(context.Background(), v)
		}()
	}
}

func (d *Discord) handlerGuildMemberRemove() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		p := d.p
		p.runtimeWG.Add(1)
		go func() {
			defer p.runtimeWG.Done()
			defer p.handleRecover(context.Background(), "guild_member_remove")
			p.handleMemberRemove(context.Background(), m)
		}()
	}
}

// addHandlers registers every gateway event handler, keeping the
// removal funcs for shutdown
func (d *Discord) addHandlers() {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate()),
		d.session.AddHandler(d.handlerVoiceStateUpdate()),
		d.session.AddHandler(d.handlerGuildMemberRemove()),
	)
}

func (d *Discord) removeHandlers() {
	for _, rm := range d.discordgoRemoveHandlerFuncs {
		rm()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
}

// guildMembers pages through every member of the given guild
func (d *Discord) guildMembers(guildID string) ([]*discordgo.Member, error) {
	var members []*discordgo.Member
	after := ""
	for {
		page, err := d.session.GuildMembers(guildID, after, guildMembersPageSize)
		if err != nil {
			return members, err
		}
		members = append(members, page...)
		if len(page) < guildMembersPageSize {
			return members, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return members, nil
		}
		after = last.User.ID
	}
}

// guilds returns the guilds the bot serves: every guild it's in, or only
// DiscordConfig.GuildID when that's set
func (d *Discord) guilds() []*discordgo.Guild {
	if d.session == nil {
		return nil
	}
	all := d.session.Guilds()
	if d.config.GuildID == "" {
		return all
	}
	for _, g := range all {
		if g.ID == d.config.GuildID {
			return []*discordgo.Guild{g}
		}
	}
	return nil
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, so a mock session can stand in for tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ChannelMessageSend(
		channelID string,
		content string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends content and/or embeds in one message
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelDelete(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)

	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildMembers(
		guildID string,
		after string,
		limit int,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	// GuildMemberMove moves a member into the given voice channel
	GuildMemberMove(
		guildID string,
		userID string,
		channelID *string,
		opts ...discordgo.RequestOption,
	) error

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		opts ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		opts ...discordgo.RequestOption,
	) error

	User(userID string, opts ...discordgo.RequestOption) (*discordgo.User, error)

	// UserChannelPermissions returns the permission bits the user has in
	// the given channel
	UserChannelPermissions(
		userID string,
		channelID string,
		opts ...discordgo.RequestOption,
	) (int64, error)

	// BotUser returns the bot's own user, once connected
	BotUser() *discordgo.User

	// Guilds returns the guilds the bot is currently in
	Guilds() []*discordgo.Guild

	// VoiceChannelMemberCount returns the number of members currently
	// connected to the given voice channel. ok is false when the guild
	// isn't in the state cache, so the count is unknown.
	VoiceChannelMemberCount(guildID string, channelID string) (count int, ok bool)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
			"embeds", len(data.Embeds),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, opts...)
	if err != nil {
		d.logger.Error("error deleting channel", tint.Err(err), "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.GuildChannelCreateComplex(guildID, data, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if m, err := d.session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, opts...)
}

func (d DiscordSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMove(guildID, userID, channelID, opts...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, opts...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, opts...)
}

func (d DiscordSession) User(
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, opts...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	opts ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, opts...)
}

func (d DiscordSession) BotUser() *discordgo.User {
	if d.session.State == nil {
		return nil
	}
	return d.session.State.User
}

func (d DiscordSession) Guilds() []*discordgo.Guild {
	if d.session.State == nil {
		return nil
	}
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	guilds := make([]*discordgo.Guild, len(d.session.State.Guilds))
	copy(guilds, d.session.State.Guilds)
	return guilds
}

func (d DiscordSession) VoiceChannelMemberCount(guildID string, channelID string) (int, bool) {
	if d.session.State == nil {
		return 0, false
	}
	g, err := d.session.State.Guild(guildID)
	if err != nil {
		return 0, false
	}
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	count := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			count++
		}
	}
	return count, true
}

// userTag returns name#discriminator for legacy accounts and the bare
// username otherwise
func userTag(u *discordgo.User) string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// displayName returns the name a member is shown as in the guild
func displayName(u *discordgo.User, m *discordgo.Member) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil && m != nil {
		u = m.User
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// hasPermission reports whether perms grants want, either directly or
// via Administrator
func hasPermission(perms int64, want int64) bool {
	if perms&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return perms&want == want
}
