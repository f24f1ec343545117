package primebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	twitchMaxLoginsPerRequest = 100
	twitchThumbnailSize       = "1280x720"
	twitchBaseURL             = "https://twitch.tv/"
	embedColorTwitch          = 0x9146FF
	twitchHeaderClientID      = "Client-ID"
)

// WatchedStreamer is a twitch channel a guild gets live alerts for
type WatchedStreamer struct {
	GuildID        string `gorm:"primaryKey;type:string" json:"guild_id"`
	StreamerLogin  string `gorm:"primaryKey;type:string" json:"streamer_login"`
	AlertChannelID string `gorm:"type:string;not null" json:"alert_channel_id"`
	AddedBy        string `gorm:"type:string" json:"added_by"`
	AddedAt        int64  `gorm:"autoCreateTime:milli" json:"added_at"`
}

func (WatchedStreamer) TableName() string {
	return "watched_streamers"
}

// twitchStream is a live stream, as returned by the helix streams endpoint
type twitchStream struct {
	ID           string    `json:"id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
}

type helixStreamsResponse struct {
	Data []twitchStream `json:"data"`
}

// twitchAPIError is returned for non-200 helix responses
type twitchAPIError struct {
	StatusCode int
}

func (e *twitchAPIError) Error() string {
	return fmt.Sprintf("twitch api returned status %d", e.StatusCode)
}

// TwitchClient looks up which of the given logins are live
type TwitchClient interface {
	Streams(ctx context.Context, logins []string) ([]twitchStream, error)
}

// helixClient is a [TwitchClient] for the twitch helix API. Requests are
// authenticated with an app access token (client credentials grant),
// which is fetched and refreshed as needed.
type helixClient struct {
	apiURL     string
	clientID   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// newHelixClient returns a client for cfg. If base is set, it's used for
// both token and API requests.
func newHelixClient(cfg TwitchConfig, base *http.Client) *helixClient {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.Background()
	if base != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, base)
	}
	return &helixClient{
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		clientID:   cfg.ClientID,
		httpClient: cc.Client(tokenCtx),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Streams returns the live streams for logins, querying them in batches
// of twitchMaxLoginsPerRequest
func (c *helixClient) Streams(ctx context.Context, logins []string) ([]twitchStream, error) {
	var streams []twitchStream
	for _, batch := range chunkItems(twitchMaxLoginsPerRequest, logins...) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		s, err := c.streams(ctx, batch)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s...)
	}
	return streams, nil
}

func (c *helixClient) streams(ctx context.Context, logins []string) ([]twitchStream, error) {
	q := url.Values{}
	for _, login := range logins {
		q.Add("user_login", login)
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.apiURL+"/streams?"+q.Encode(),
		nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set(twitchHeaderClientID, c.clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &twitchAPIError{StatusCode: resp.StatusCode}
	}
	var body helixStreamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("error decoding streams: %w", err)
	}
	return body.Data, nil
}

// twitchAlert is a watched streamer that just went live
type twitchAlert struct {
	Watch  WatchedStreamer
	Stream twitchStream
}

// TwitchWatcher tracks which watched streamers are live. A stream is
// announced once per stream ID, to every guild watching the streamer.
type TwitchWatcher struct {
	db     DBI
	client TwitchClient
	logger *slog.Logger

	mu sync.Mutex
	// announced maps a watch key to the stream ID last announced for it
	announced map[string]string
	live      map[string]twitchStream
}

func twitchWatchKey(w WatchedStreamer) string {
	return w.GuildID + "/" + w.StreamerLogin
}

func newTwitchWatcher(db DBI, client TwitchClient, logger *slog.Logger) *TwitchWatcher {
	return &TwitchWatcher{
		db:       db,
		client:   client,
		logger:   logger,
		announced: map[string]string{},
		live:      map[string]twitchStream{},
	}
}

func (w *TwitchWatcher) enabled() bool {
	return w.client != nil
}

// Add starts watching a streamer for a guild. ErrAlreadyWatched is
// returned if the guild already watches them.
func (w *TwitchWatcher) Add(ctx context.Context, watch WatchedStreamer) error {
	watch.StreamerLogin = strings.ToLower(watch.StreamerLogin)
	return w.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&watch)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrAlreadyWatched
			}
			return nil
		},
	)
}

// Remove stops watching a streamer. removed is false if the guild
// wasn't watching them.
func (w *TwitchWatcher) Remove(ctx context.Context, guildID string, login string) (removed bool, err error) {
	n, err := w.db.Delete(
		ctx,
		&WatchedStreamer{},
		"guild_id = ? AND streamer_login = ?",
		guildID,
		strings.ToLower(login),
	)
	return n > 0, err
}

// List returns the guild's watched streamers, by login
func (w *TwitchWatcher) List(ctx context.Context, guildID string) ([]WatchedStreamer, error) {
	var rows []WatchedStreamer
	err := w.db.DB().WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Order("streamer_login").Find(&rows).Error
	return rows, err
}

// Live returns the watched streams that were live at the last poll,
// most viewers first
func (w *TwitchWatcher) Live() []twitchStream {
	w.mu.Lock()
	defer w.mu.Unlock()
	streams := make([]twitchStream, 0, len(w.live))
	for _, s := range w.live {
		streams = append(streams, s)
	}
	slices.SortFunc(
		streams, func(a, b twitchStream) int {
			if a.ViewerCount != b.ViewerCount {
				return b.ViewerCount - a.ViewerCount
			}
			return strings.Compare(a.UserLogin, b.UserLogin)
		},
	)
	return streams
}

// Poll checks every watched streamer, and returns an alert for each
// (guild, streamer) pair whose current stream hasn't been announced yet.
// An alert keeps being returned until MarkAnnounced is called for it.
// Streamers that went offline are forgotten, so their next stream is
// announced again.
func (w *TwitchWatcher) Poll(ctx context.Context) ([]twitchAlert, error) {
	if !w.enabled() {
		return nil, nil
	}
	var rows []WatchedStreamer
	if err := w.db.DB().WithContext(ctx).Order("guild_id").Order("streamer_login").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error loading watched streamers: %w", err)
	}

	byLogin := map[string][]WatchedStreamer{}
	for _, row := range rows {
		byLogin[row.StreamerLogin] = append(byLogin[row.StreamerLogin], row)
	}
	if len(byLogin) == 0 {
		w.mu.Lock()
		clear(w.live)
		clear(w.announced)
		w.mu.Unlock()
		return nil, nil
	}
	logins := make([]string, 0, len(byLogin))
	for login := range byLogin {
		logins = append(logins, login)
	}
	slices.Sort(logins)

	streams, err := w.client.Streams(ctx, logins)
	if err != nil {
		return nil, err
	}
	current := make(map[string]twitchStream, len(streams))
	for _, s := range streams {
		current[strings.ToLower(s.UserLogin)] = s
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var alerts []twitchAlert
	liveWatches := make(map[string]bool, len(rows))
	for _, login := range logins {
		stream, live := current[login]
		if !live {
			continue
		}
		for _, watch := range byLogin[login] {
			key := twitchWatchKey(watch)
			liveWatches[key] = true
			if w.announced[key] == stream.ID {
				continue
			}
			alerts = append(alerts, twitchAlert{Watch: watch, Stream: stream})
		}
	}
	for key := range w.announced {
		if !liveWatches[key] {
			delete(w.announced, key)
		}
	}
	w.live = current
	return alerts, nil
}

// MarkAnnounced records that the alert's stream was announced, so Poll
// stops returning it
func (w *TwitchWatcher) MarkAnnounced(alert twitchAlert) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.announced[twitchWatchKey(alert.Watch)] = alert.Stream.ID
}

// twitchAlertEmbed builds the live announcement for a stream
func twitchAlertEmbed(s twitchStream, login string, now time.Time, botAvatarURL string) *discordgo.MessageEmbed {
	userName := s.UserName
	if userName == "" {
		userName = login
	}
	game := s.GameName
	if game == "" {
		game = "Unbekannt"
	}
	title := s.Title
	if title == "" {
		title = "Kein Titel"
	}
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("🔴 %s ist LIVE!", userName),
		Description: fmt.Sprintf(
			"**%s**\n\n🎮 **Spiel:** %s\n👥 **Zuschauer:** %d",
			title,
			game,
			s.ViewerCount,
		),
		URL:       twitchBaseURL + login,
		Color:     embedColorTwitch,
		Timestamp: now.UTC().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text:    "PRIME-Bot Twitch Alert",
			IconURL: botAvatarURL,
		},
	}
	if thumb := strings.ReplaceAll(s.ThumbnailURL, "{width}x{height}", twitchThumbnailSize); thumb != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: thumb}
	}
	return embed
}

// pollTwitch runs a poll and posts the resulting alerts
func (p *PrimeBot) pollTwitch(ctx context.Context) {
	alerts, err := p.twitch.Poll(ctx)
	if err != nil {
		var apiErr *twitchAPIError
		var tokenErr *oauth2.RetrieveError
		switch {
		case errors.As(err, &apiErr):
			p.channelLog.Error(ctx, fmt.Sprintf("Twitch API-Fehler: %d", apiErr.StatusCode))
		case errors.As(err, &tokenErr):
			p.channelLog.Error(ctx, fmt.Sprintf("Twitch Token-Fehler: %v", tokenErr))
		case ctx.Err() != nil:
		default:
			p.logger.ErrorContext(ctx, "error polling twitch", tint.Err(err))
		}
		return
	}
	if len(alerts) == 0 {
		return
	}

	visible := map[string]bool{}
	for _, g := range p.discord.guilds() {
		visible[g.ID] = true
	}
	var avatarURL string
	if u := p.discord.session.BotUser(); u != nil {
		avatarURL = u.AvatarURL("")
	}

	// alerts for guilds or channels that can't be seen yet stay pending
	// and are retried on the next poll
	for _, alert := range alerts {
		if !visible[alert.Watch.GuildID] {
			continue
		}
		if _, err := p.discord.session.Channel(alert.Watch.AlertChannelID); err != nil {
			p.logger.WarnContext(
				ctx,
				"twitch alert channel not found",
				tint.Err(err),
				"channel_id", alert.Watch.AlertChannelID,
			)
			continue
		}
		_, err := p.discord.session.ChannelMessageSendComplex(
			alert.Watch.AlertChannelID,
			&discordgo.MessageSend{
				Content: "@everyone 🎥 **LIVE-BENACHRICHTIGUNG**",
				Embeds: []*discordgo.MessageEmbed{
					twitchAlertEmbed(alert.Stream, alert.Watch.StreamerLogin, p.now(), avatarURL),
				},
			},
		)
		p.twitch.MarkAnnounced(alert)
		if err != nil {
			p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Senden der Twitch-Benachrichtigung: %v", err))
			continue
		}
		p.channelLog.Success(
			ctx,
			fmt.Sprintf(
				"Twitch-Benachrichtigung für %s in Guild %s gesendet.",
				alert.Watch.StreamerLogin,
				alert.Watch.GuildID,
			),
		)
		p.events.Publish(
			EventStreamLive, map[string]any{
				"guild_id":  alert.Watch.GuildID,
				"login":     alert.Watch.StreamerLogin,
				"user_name": alert.Stream.UserName,
				"title":     alert.Stream.Title,
				"game":      alert.Stream.GameName,
				"viewers":   alert.Stream.ViewerCount,
			},
		)
	}
}

// twitchPoller polls twitch every TwitchConfig.PollInterval until ctx
// is done
func (p *PrimeBot) twitchPoller(ctx context.Context) {
	if !p.twitch.enabled() {
		return
	}
	ticker := time.NewTicker(p.config.Twitch.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.paused.Load() {
				p.logger.DebugContext(ctx, "paused, skipping twitch poll")
				continue
			}
			p.runJob(ctx, jobTwitchPoll, p.pollTwitch)
		}
	}
}

func (p *PrimeBot) cmdTwitchAdd(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) == 0 {
		p.reply(ctx, cmd, p.usage(usageTwitch))
		return
	}
	login := cmd.args[0]
	alertChannelID := cmd.msg.ChannelID
	if len(cmd.args) > 1 {
		id, ok := parseMention(cmd.args[1], "#")
		if !ok {
			p.reply(ctx, cmd, p.usage(usageTwitch))
			return
		}
		alertChannelID = id
	}

	err := p.twitch.Add(
		ctx, WatchedStreamer{
			GuildID:        cmd.msg.GuildID,
			StreamerLogin:  login,
			AlertChannelID: alertChannelID,
			AddedBy:        cmd.authorID(),
		},
	)
	switch {
	case errors.Is(err, ErrAlreadyWatched):
		p.reply(ctx, cmd, fmt.Sprintf("❌ **%s** wird bereits überwacht!", login))
	case err != nil:
		cmd.logger.ErrorContext(ctx, "error adding streamer", tint.Err(err))
	default:
		p.reply(
			ctx,
			cmd,
			fmt.Sprintf(
				"✅ Twitch-Streamer **%s** wird ab jetzt überwacht! Benachrichtigungen in %s",
				login,
				channelMention(alertChannelID),
			),
		)
		p.channelLog.Success(
			ctx,
			fmt.Sprintf("%s hat %s zur Twitch-Überwachung hinzugefügt.", cmd.authorName(), login),
		)
	}
}

func (p *PrimeBot) cmdTwitchList(ctx context.Context, cmd *commandContext) {
	rows, err := p.twitch.List(ctx, cmd.msg.GuildID)
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error listing streamers", tint.Err(err))
		return
	}
	if len(rows) == 0 {
		p.reply(ctx, cmd, "ℹ️ Es werden aktuell keine Twitch-Streamer überwacht.")
		return
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(rows))
	for _, row := range rows {
		where := "Unbekannt"
		if ch, err := p.discord.session.Channel(row.AlertChannelID); err == nil && ch != nil {
			where = channelMention(ch.ID)
		}
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  row.StreamerLogin,
				Value: fmt.Sprintf("Benachrichtigungen in: %s", where),
			},
		)
	}
	var embeds []*discordgo.MessageEmbed
	for _, chunk := range chunkItems(discordMaxEmbedFields, fields...) {
		embeds = append(
			embeds, &discordgo.MessageEmbed{
				Title:  "📺 Überwachte Twitch-Streamer",
				Color:  embedColorTwitch,
				Fields: chunk,
			},
		)
	}
	for _, batch := range chunkItems(discordMaxEmbeds, embeds...) {
		p.replyEmbed(ctx, cmd, batch...)
	}
}

func (p *PrimeBot) cmdTwitchRemove(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) == 0 {
		p.reply(ctx, cmd, p.usage(usageTwitch))
		return
	}
	login := cmd.args[0]
	if _, err := p.twitch.Remove(ctx, cmd.msg.GuildID, login); err != nil {
		cmd.logger.ErrorContext(ctx, "error removing streamer", tint.Err(err))
		return
	}
	p.reply(ctx, cmd, fmt.Sprintf("✅ **%s** wird nicht mehr überwacht.", login))
	p.channelLog.Info(
		ctx,
		fmt.Sprintf("%s hat %s aus der Twitch-Überwachung entfernt.", cmd.authorName(), login),
	)
}
