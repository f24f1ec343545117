package primebot

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeTwitchClient returns its streams for every requested login
type fakeTwitchClient struct {
	mu      sync.Mutex
	streams []twitchStream
	err     error
	calls   [][]string
}

func (f *fakeTwitchClient) set(streams ...twitchStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = streams
}

func (f *fakeTwitchClient) Streams(_ context.Context, logins []string) ([]twitchStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, logins)
	if f.err != nil {
		return nil, f.err
	}
	var out []twitchStream
	for _, s := range f.streams {
		if slices.Contains(logins, s.UserLogin) {
			out = append(out, s)
		}
	}
	return out, nil
}

// newHelixTestServer serves a token endpoint and the helix streams
// endpoint. Streams requests must carry the issued token.
func newHelixTestServer(t *testing.T, streams []twitchStream) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var tokenRequests atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
			tokenRequests.Add(1)
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if r.PostForm.Get("client_id") != "cid" || r.PostForm.Get("client_secret") != "csecret" ||
				r.PostForm.Get("grant_type") != "client_credentials" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"app-token","token_type":"bearer","expires_in":3600}`))
		},
	)
	mux.HandleFunc(
		"/helix/streams", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer app-token" || r.Header.Get(twitchHeaderClientID) != "cid" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			logins := r.URL.Query()["user_login"]
			if slices.Contains(logins, "broken") {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			resp := helixStreamsResponse{Data: []twitchStream{}}
			for _, s := range streams {
				if slices.Contains(logins, s.UserLogin) {
					resp.Data = append(resp.Data, s)
				}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
		},
	)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenRequests
}

func testTwitchConfig(srv *httptest.Server) TwitchConfig {
	return TwitchConfig{
		ClientID:          "cid",
		ClientSecret:      "csecret",
		TokenURL:          srv.URL + "/oauth2/token",
		APIURL:            srv.URL + "/helix/",
		PollInterval:      DefaultTwitchPollInterval,
		RequestsPerSecond: 1000,
	}
}

func TestHelixClient_Streams(t *testing.T) {
	t.Parallel()
	srv, tokenRequests := newHelixTestServer(
		t, []twitchStream{
			{ID: "s1", UserLogin: "primegaming", UserName: "PrimeGaming", ViewerCount: 42},
		},
	)
	client := newHelixClient(testTwitchConfig(srv), srv.Client())
	ctx := context.Background()

	streams, err := client.Streams(ctx, []string{"primegaming", "offline"})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "s1", streams[0].ID)
	assert.Equal(t, 42, streams[0].ViewerCount)

	streams, err = client.Streams(ctx, []string{"offline"})
	require.NoError(t, err)
	assert.Empty(t, streams)

	// the token is reused until it expires
	assert.Equal(t, int64(1), tokenRequests.Load())

	_, err = client.Streams(ctx, []string{"broken"})
	var apiErr *twitchAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestHelixClient_Batches(t *testing.T) {
	t.Parallel()
	srv, _ := newHelixTestServer(t, nil)
	client := newHelixClient(testTwitchConfig(srv), srv.Client())

	var requests atomic.Int64
	base := client.httpClient.Transport
	client.httpClient.Transport = roundTripFunc(
		func(r *http.Request) (*http.Response, error) {
			requests.Add(1)
			return base.RoundTrip(r)
		},
	)

	logins := make([]string, 0, twitchMaxLoginsPerRequest+1)
	for i := range twitchMaxLoginsPerRequest + 1 {
		logins = append(logins, "streamer"+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	_, err := client.Streams(context.Background(), logins)
	require.NoError(t, err)
	assert.Equal(t, int64(2), requests.Load())
}

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestHelixClient_TokenError(t *testing.T) {
	t.Parallel()
	srv, _ := newHelixTestServer(t, nil)
	cfg := testTwitchConfig(srv)
	cfg.ClientSecret = "wrong"
	client := newHelixClient(cfg, srv.Client())

	_, err := client.Streams(context.Background(), []string{"primegaming"})
	var tokenErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, http.StatusUnauthorized, tokenErr.Response.StatusCode)
}

func TestTwitchWatcher_AddRemoveList(t *testing.T) {
	p, _ := newTestBot(t)
	ctx := context.Background()
	w := newTwitchWatcher(p.writeDB, &fakeTwitchClient{}, p.logger)

	require.NoError(t, w.Add(ctx, WatchedStreamer{GuildID: testGuildID, StreamerLogin: "Zeta", AlertChannelID: "1"}))
	require.NoError(t, w.Add(ctx, WatchedStreamer{GuildID: testGuildID, StreamerLogin: "alpha", AlertChannelID: "1"}))
	require.NoError(t, w.Add(ctx, WatchedStreamer{GuildID: "other", StreamerLogin: "alpha", AlertChannelID: "2"}))
	assert.ErrorIs(
		t,
		w.Add(ctx, WatchedStreamer{GuildID: testGuildID, StreamerLogin: "ZETA", AlertChannelID: "3"}),
		ErrAlreadyWatched,
	)

	rows, err := w.List(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha", rows[0].StreamerLogin)
	assert.Equal(t, "zeta", rows[1].StreamerLogin)
	assert.Equal(t, "1", rows[1].AlertChannelID)

	removed, err := w.Remove(ctx, testGuildID, "ZeTa")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = w.Remove(ctx, testGuildID, "zeta")
	require.NoError(t, err)
	assert.False(t, removed)

	rows, err = w.List(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestTwitchWatcher_Poll(t *testing.T) {
	p, _ := newTestBot(t)
	ctx := context.Background()
	client := &fakeTwitchClient{}
	w := newTwitchWatcher(p.writeDB, client, p.logger)

	alerts, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Empty(t, client.calls)

	require.NoError(t, w.Add(ctx, WatchedStreamer{GuildID: "a", StreamerLogin: "prime", AlertChannelID: "1"}))
	require.NoError(t, w.Add(ctx, WatchedStreamer{GuildID: "b", StreamerLogin: "prime", AlertChannelID: "2"}))
	require.NoError(t, w.Add(ctx, WatchedStreamer{GuildID: "a", StreamerLogin: "other", AlertChannelID: "1"}))

	client.set(
		twitchStream{ID: "s1", UserLogin: "prime", ViewerCount: 10},
		twitchStream{ID: "s2", UserLogin: "other", ViewerCount: 50},
	)
	alerts, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, []string{"other", "prime"}, client.calls[0])

	live := w.Live()
	require.Len(t, live, 2)
	assert.Equal(t, "other", live[0].UserLogin)
	assert.Equal(t, "prime", live[1].UserLogin)

	// alerts stay pending until they're marked as announced
	again, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	for _, alert := range alerts[:2] {
		w.MarkAnnounced(alert)
	}
	again, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, alerts[2], again[0])
	w.MarkAnnounced(again[0])

	// the same streams aren't announced twice
	alerts, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// going offline and back online is a new stream
	client.set(twitchStream{ID: "s2", UserLogin: "other", ViewerCount: 50})
	alerts, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Len(t, w.Live(), 1)

	client.set(
		twitchStream{ID: "s3", UserLogin: "prime"},
		twitchStream{ID: "s2", UserLogin: "other", ViewerCount: 50},
	)
	alerts, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "s3", alerts[0].Stream.ID)
	assert.Equal(t, "a", alerts[0].Watch.GuildID)
	assert.Equal(t, "b", alerts[1].Watch.GuildID)
	for _, alert := range alerts {
		w.MarkAnnounced(alert)
	}
	alerts, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	client.err = errors.New("boom")
	_, err = w.Poll(ctx)
	assert.Error(t, err)
}

func TestTwitchAlertEmbed(t *testing.T) {
	t.Parallel()
	embed := twitchAlertEmbed(
		twitchStream{
			UserName:     "PrimeGaming",
			GameName:     "Valorant",
			Title:        "Ranked",
			ViewerCount:  7,
			ThumbnailURL: "https://img/{width}x{height}.jpg",
		},
		"primegaming",
		testNow,
		"https://avatar",
	)
	assert.Equal(t, "🔴 PrimeGaming ist LIVE!", embed.Title)
	assert.Equal(t, "**Ranked**\n\n🎮 **Spiel:** Valorant\n👥 **Zuschauer:** 7", embed.Description)
	assert.Equal(t, "https://twitch.tv/primegaming", embed.URL)
	assert.Equal(t, "https://img/1280x720.jpg", embed.Image.URL)
	assert.Equal(t, "2024-05-15T12:00:00Z", embed.Timestamp)

	embed = twitchAlertEmbed(twitchStream{}, "primegaming", testNow, "")
	assert.Equal(t, "🔴 primegaming ist LIVE!", embed.Title)
	assert.Contains(t, embed.Description, "Kein Titel")
	assert.Contains(t, embed.Description, "Unbekannt")
	assert.Nil(t, embed.Image)
}

func TestPollTwitch(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()
	client := &fakeTwitchClient{}
	p.twitch = newTwitchWatcher(p.writeDB, client, p.logger)

	require.NoError(
		t,
		p.twitch.Add(ctx, WatchedStreamer{GuildID: testGuildID, StreamerLogin: "prime", AlertChannelID: testGeneralChannel}),
	)
	require.NoError(
		t,
		p.twitch.Add(ctx, WatchedStreamer{GuildID: testGuildID, StreamerLogin: "gone", AlertChannelID: "1999"}),
	)
	require.NoError(
		t,
		p.twitch.Add(ctx, WatchedStreamer{GuildID: "elsewhere", StreamerLogin: "prime", AlertChannelID: testGeneralChannel}),
	)
	client.set(
		twitchStream{ID: "s1", UserLogin: "prime", UserName: "Prime", Title: "Turnier"},
		twitchStream{ID: "s2", UserLogin: "gone"},
	)

	p.pollTwitch(ctx)
	msgs := sess.sent(testGeneralChannel)
	require.Len(t, msgs, 1)
	assert.Equal(t, "@everyone 🎥 **LIVE-BENACHRICHTIGUNG**", msgs[0].Content)
	require.Len(t, msgs[0].Embeds, 1)
	assert.Equal(t, "🔴 Prime ist LIVE!", msgs[0].Embeds[0].Title)
	assert.True(t, sess.hasContent(testLogChannel, "Twitch-Benachrichtigung für prime in Guild 4242 gesendet."))

	p.pollTwitch(ctx)
	assert.Len(t, sess.sent(testGeneralChannel), 1)

	client.err = &twitchAPIError{StatusCode: http.StatusServiceUnavailable}
	p.pollTwitch(ctx)
	assert.True(t, sess.hasContent(testLogChannel, "Twitch API-Fehler: 503"))
}

func TestPollTwitch_GuildBecomesVisible(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()
	client := &fakeTwitchClient{}
	p.twitch = newTwitchWatcher(p.writeDB, client, p.logger)
	p.config.Discord.GuildID = ""

	require.NoError(
		t,
		p.twitch.Add(ctx, WatchedStreamer{GuildID: "elsewhere", StreamerLogin: "prime", AlertChannelID: testGeneralChannel}),
	)
	client.set(twitchStream{ID: "s1", UserLogin: "prime", UserName: "Prime"})

	// the guild isn't in state yet, so nothing is sent
	p.pollTwitch(ctx)
	assert.Empty(t, sess.sent(testGeneralChannel))

	sess.addGuild("elsewhere", "Elsewhere")
	p.pollTwitch(ctx)
	msgs := sess.sent(testGeneralChannel)
	require.Len(t, msgs, 1)
	assert.Equal(t, "🔴 Prime ist LIVE!", msgs[0].Embeds[0].Title)
	assert.True(t, sess.hasContent(testLogChannel, "Twitch-Benachrichtigung für prime in Guild elsewhere gesendet."))

	p.pollTwitch(ctx)
	assert.Len(t, sess.sent(testGeneralChannel), 1)
}

func TestCmdTwitch(t *testing.T) {
	p, sess := newTestBot(t)
	p.twitch = newTwitchWatcher(p.writeDB, &fakeTwitchClient{}, p.logger)
	skipXP(p, testAlice, testBob)
	sess.setPermissions(testAlice.ID, 0x20)

	// twitch commands work outside the economy channel
	sendTestMessage(p, testBob, testGeneralChannel, ".prime twitch list")
	assert.Equal(t, "ℹ️ Es werden aktuell keine Twitch-Streamer überwacht.", sess.lastContent(testGeneralChannel))

	sendTestMessage(p, testBob, testGeneralChannel, ".prime twitch add prime")
	assert.Equal(t, msgMissingManage, sess.lastContent(testGeneralChannel))

	sendTestMessage(p, testAlice, testGeneralChannel, ".prime twitch add Prime <#1002>")
	assert.Equal(
		t,
		"✅ Twitch-Streamer **Prime** wird ab jetzt überwacht! Benachrichtigungen in <#1002>",
		sess.lastContent(testGeneralChannel),
	)
	assert.True(t, sess.hasContent(testLogChannel, "Ali hat Prime zur Twitch-Überwachung hinzugefügt."))

	sendTestMessage(p, testAlice, testGeneralChannel, ".prime twitch add prime")
	assert.Equal(t, "❌ **prime** wird bereits überwacht!", sess.lastContent(testGeneralChannel))

	sendTestMessage(p, testAlice, testGeneralChannel, ".prime twitch add other")
	sendTestMessage(p, testAlice, testGeneralChannel, ".prime twitch add lost #nowhere")
	assert.Equal(t, p.usage(usageTwitch), sess.lastContent(testGeneralChannel))

	sendTestMessage(p, testBob, testGeneralChannel, ".prime twitch list")
	embeds := sess.embeds(testGeneralChannel)
	require.Len(t, embeds, 1)
	require.Len(t, embeds[0].Fields, 2)
	assert.Equal(t, "other", embeds[0].Fields[0].Name)
	assert.Equal(t, "Benachrichtigungen in: <#1007>", embeds[0].Fields[0].Value)
	assert.Equal(t, "prime", embeds[0].Fields[1].Name)
	assert.Equal(t, "Benachrichtigungen in: <#1002>", embeds[0].Fields[1].Value)

	sendTestMessage(p, testBob, testGeneralChannel, ".prime twitch remove prime")
	assert.Equal(t, msgMissingManage, sess.lastContent(testGeneralChannel))

	sendTestMessage(p, testAlice, testGeneralChannel, ".prime twitch remove prime")
	assert.Equal(t, "✅ **prime** wird nicht mehr überwacht.", sess.lastContent(testGeneralChannel))

	rows, err := p.twitch.List(context.Background(), testGuildID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "other", rows[0].StreamerLogin)

	sendTestMessage(p, testAlice, testGeneralChannel, ".prime twitch")
	assert.Equal(t, p.usage(usageTwitch), sess.lastContent(testGeneralChannel))
}
