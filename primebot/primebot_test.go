package primebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testGuildID         = "4242"
	testGuildName       = "PRIME Gaming"
	testLogChannel      = "1001"
	testEconomyChannel  = "1002"
	testBirthdayChannel = "1003"
	testDuelChannel     = "1004"
	testRouletteChannel = "1005"
	testSlotsChannel    = "1006"
	testGeneralChannel  = "1007"
	testTriggerChannel  = "1008"
	testVoiceCategory   = "1009"
	testBirthdayRole    = "3001"
)

// testMember is a guild member every test bot starts with
type testMember struct {
	user *discordgo.User
	nick string
}

var (
	testAlice = &discordgo.User{ID: "100", Username: "alice", GlobalName: "Alice"}
	testBob   = &discordgo.User{ID: "200", Username: "bob", GlobalName: "Bob"}
	testCarol = &discordgo.User{ID: "300", Username: "carol"}

	testMembers = []testMember{
		{user: testAlice, nick: "Ali"},
		{user: testBob},
		{user: testCarol},
	}

	// testNow is the time test bots start at, a Wednesday
	testNow = time.Date(2024, time.May, 15, 12, 0, 0, 0, time.UTC)
)

func TestMain(m *testing.M) {
	defaultLogWriter = io.Discard
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
	setupPollInterval = 20 * time.Millisecond
	schedulerResolution = 20 * time.Millisecond
	os.Exit(m.Run())
}

// testClock is a settable clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRand returns queued values. IntN returns 0 and Float64 returns
// 0.99 once its queue is empty.
type fakeRand struct {
	mu     sync.Mutex
	ints   []int
	floats []float64
}

func (r *fakeRand) pushInts(v ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ints = append(r.ints, v...)
}

func (r *fakeRand) pushFloats(v ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.floats = append(r.floats, v...)
}

func (r *fakeRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	r.ints = r.ints[1:]
	return v % n
}

func (r *fakeRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.floats) == 0 {
		return 0.99
	}
	v := r.floats[0]
	r.floats = r.floats[1:]
	return v
}

func fakeRandOf(t testing.TB, p *PrimeBot) *fakeRand {
	t.Helper()
	r, ok := p.rng.(*fakeRand)
	require.True(t, ok, "bot wasn't created with newTestBot")
	return r
}

// newTestConfig returns a config using a temporary sqlite database and
// birthday file, with every channel set
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(dir, "test.sqlite3")
	cfg.Birthday.File = filepath.Join(dir, "birthdays.json")
	cfg.Discord.Token = "test-token"
	cfg.Discord.GuildID = testGuildID
	cfg.Channels = ChannelsConfig{
		Log:      testLogChannel,
		Birthday: testBirthdayChannel,
		Economy:  testEconomyChannel,
		Duel:     testDuelChannel,
		Roulette: testRouletteChannel,
		Slots:    testSlotsChannel,
	}
	cfg.Roles.Birthday = testBirthdayRole
	cfg.Leveling.LevelUpMessageTTL = 0
	cfg.Economy.DuelSuspense = 0
	cfg.Voice.TriggerChannelID = testTriggerChannel
	cfg.Voice.IdleTimeout = 20 * time.Millisecond
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "test-secret"
	cfg.StartupTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	return cfg
}

// newTestSession returns a mock session for the test guild, its members
// and channels
func newTestSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	sess := newMockDiscordSession(t)
	sess.addGuild(testGuildID, testGuildName)
	for _, m := range testMembers {
		sess.addMember(testGuildID, m.user, m.nick)
	}
	for _, id := range []string{
		testLogChannel,
		testEconomyChannel,
		testBirthdayChannel,
		testDuelChannel,
		testRouletteChannel,
		testSlotsChannel,
		testGeneralChannel,
	} {
		sess.addChannel(&discordgo.Channel{ID: id, GuildID: testGuildID, Name: "channel-" + id})
	}
	sess.addChannel(
		&discordgo.Channel{
			ID:       testTriggerChannel,
			GuildID:  testGuildID,
			Name:     "➕ Join to Create",
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: testVoiceCategory,
			Position: 3,
		},
	)
	return sess
}

// newTestBot returns an initialized bot (database open, runtime config
// loaded) using the mock session, a fake random source and a clock set
// to testNow. The gateway and background jobs aren't started.
func newTestBot(t testing.TB) (*PrimeBot, *mockDiscordSession) {
	t.Helper()
	p, sess, _ := newTestBotWithConfig(t, newTestConfig(t))
	return p, sess
}

func newTestBotWithClock(t testing.TB) (*PrimeBot, *mockDiscordSession, *testClock) {
	t.Helper()
	return newTestBotWithConfig(t, newTestConfig(t))
}

func newTestBotWithConfig(t testing.TB, cfg *Config) (*PrimeBot, *mockDiscordSession, *testClock) {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)

	sess := newTestSession(t)
	p.discord.session = sess
	clock := newTestClock(testNow)
	p.now = clock.Now
	p.rng = &fakeRand{}

	ctx := context.Background()
	require.NoError(t, p.initRun(ctx))
	p.startedAt = clock.Now()
	notifier, err := newDBNotifier(p)
	require.NoError(t, err)
	p.dbNotifier = notifier

	t.Cleanup(
		func() {
			p.voice.stop()
			p.events.close()
			p.runtimeWG.Wait()
			p.closeDB(ctx)
		},
	)
	return p, sess, clock
}

// setAdminCredentials stores admin credentials in the runtime config
func setAdminCredentials(t testing.TB, p *PrimeBot, username string, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	_, err = p.writeDB.Updates(
		context.Background(),
		p.runtimeConfig,
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hash,
		},
	)
	require.NoError(t, err)
	p.runtimeConfig.AdminUsername = username
	p.runtimeConfig.AdminPassword = hash
	p.pendingSetup.Store(false)
}

// sendTestMessage routes a guild message from user through the bot, as
// the gateway handler would
func sendTestMessage(p *PrimeBot, user *discordgo.User, channelID string, content string) {
	msg := &discordgo.Message{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		ChannelID: channelID,
		GuildID:   testGuildID,
		Author:    user,
		Content:   content,
	}
	for _, m := range testMembers {
		if m.user.ID == user.ID {
			msg.Member = &discordgo.Member{User: user, Nick: m.nick}
		}
	}
	for _, u := range []*discordgo.User{testAlice, testBob, testCarol} {
		if strings.Contains(content, "<@"+u.ID+">") {
			msg.Mentions = append(msg.Mentions, u)
		}
	}
	p.handleMessage(context.Background(), &discordgo.MessageCreate{Message: msg})
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestValidateConfig(t *testing.T) {
	cfg := newTestConfig(t)
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.ValidateConfig())

	cfg.Discord.Token = ""
	assert.Error(t, p.ValidateConfig())

	cfg.Discord.Token = "token"
	cfg.Timezone = "Mars/Olympus_Mons"
	assert.Error(t, p.ValidateConfig())

	cfg.Timezone = "Europe/Berlin"
	cfg.Economy.HeistSuccessChance = 1.5
	assert.Error(t, p.ValidateConfig())
}

func TestInitRun_PendingSetup(t *testing.T) {
	p, _ := newTestBot(t)
	assert.True(t, p.pendingSetup.Load())
	assert.True(t, p.initialized.Load())

	setAdminCredentials(t, p, "admin", "hunter22")
	assert.False(t, p.pendingSetup.Load())

	var stored RuntimeConfig
	require.NoError(t, p.db.Last(&stored).Error)
	assert.Equal(t, "admin", stored.AdminUsername)
}

func TestInitRun_SeedsHeistBank(t *testing.T) {
	p, _ := newTestBot(t)
	bank, err := p.heist.Bank(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultHeistStartBank), bank)
}

func TestPauseResume(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()
	p.discord.connected.Store(true)

	assert.True(t, p.Pause(ctx))
	assert.False(t, p.Pause(ctx))
	assert.True(t, p.paused.Load())
	assert.True(t, p.RuntimeConfig().Paused)
	assert.True(t, sess.hasContent(testLogChannel, "Bot pausiert."))

	sess.mu.Lock()
	require.NotEmpty(t, sess.statusUpdates)
	lastStatus := sess.statusUpdates[len(sess.statusUpdates)-1]
	sess.mu.Unlock()
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), lastStatus.Status)

	assert.True(t, p.Resume(ctx))
	assert.False(t, p.Resume(ctx))
	assert.False(t, p.paused.Load())
	assert.False(t, p.RuntimeConfig().Paused)
	assert.True(t, sess.hasContent(testLogChannel, "Bot fortgesetzt."))

	var stored RuntimeConfig
	require.NoError(t, p.db.Last(&stored).Error)
	assert.False(t, stored.Paused)
}

func TestPausedIgnoresCommandsButAwardsXP(t *testing.T) {
	p, sess := newTestBot(t)
	require.True(t, p.Pause(context.Background()))

	sendTestMessage(p, testAlice, testGeneralChannel, ".leaderboard")
	assert.Empty(t, sess.sent(testGeneralChannel))

	user, err := p.leveling.Get(context.Background(), testAlice.ID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, int64(xpGainMin), user.XP)
}

func TestUpdateRuntimeConfig(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()
	p.discord.connected.Store(true)

	status := "Heute: Turnier"
	level := DBLogLevelDebug
	updated, err := p.UpdateRuntimeConfig(
		ctx, RuntimeConfigUpdate{
			DiscordCustomStatus: &status,
			LogLevel:            &level,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, status, updated.DiscordCustomStatus)
	assert.Equal(t, DBLogLevelDebug, updated.LogLevel)
	assert.Equal(t, status, p.RuntimeConfig().DiscordCustomStatus)
	assert.Equal(t, "DEBUG", p.config.LogLevel.Level().String())

	sess.mu.Lock()
	require.NotEmpty(t, sess.statusUpdates)
	lastStatus := sess.statusUpdates[len(sess.statusUpdates)-1]
	sess.mu.Unlock()
	require.Len(t, lastStatus.Activities, 1)
	assert.Equal(t, status, lastStatus.Activities[0].Name)

	bad := DBLogLevel("LOUD")
	_, err = p.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{APILogLevel: &bad})
	require.Error(t, err)
	assert.Equal(t, DBLogLevelInfo, p.RuntimeConfig().APILogLevel)
}

func TestHandleRecover(t *testing.T) {
	p, sess := newTestBot(t)

	assert.NotPanics(
		t, func() {
			defer p.handleRecover(context.Background(), "test_handler")
			panic("kaboom")
		},
	)
	assert.True(t, sess.hasContent(testLogChannel, "Unerwarteter Fehler (test_handler): kaboom"))

	assert.NotPanics(
		t, func() {
			defer p.handleRecover(context.Background(), "test_handler")
			panic(errors.New("wrapped"))
		},
	)
	assert.True(t, sess.hasContent(testLogChannel, "Unerwarteter Fehler (test_handler): wrapped"))
}

func TestSendLogChannelWithoutSession(t *testing.T) {
	cfg := newTestConfig(t)
	p, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, p.sendLogChannel(testLogChannel, "hello"))
}

// startTestBot runs the bot until the test ends, returning once it
// signals it's ready
func startTestBot(t *testing.T, p *PrimeBot) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(ctx)
	}()
	return runErr
}

// seedAdmin creates the database for cfg, with admin credentials set, so
// Run doesn't wait on setup
func seedAdmin(t *testing.T, cfg *Config) {
	t.Helper()
	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	rc := DefaultRuntimeConfig()
	rc.AdminUsername = "admin"
	rc.AdminPassword = hash
	require.NoError(t, db.Create(&rc).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestRun_StartAndStop(t *testing.T) {
	cfg := newTestConfig(t)
	seedAdmin(t, cfg)

	p, err := New(cfg)
	require.NoError(t, err)
	sess := newTestSession(t)
	p.discord.session = sess

	runErr := startTestBot(t, p)
	select {
	case <-p.signalReady:
	case err = <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	sess.mu.Lock()
	assert.True(t, sess.opened)
	assert.Equal(t, cfg.Discord.GatewayIntents, sess.identify.Intents)
	assert.Equal(t, string(discordgo.StatusOnline), sess.identify.Presence.Status)
	assert.Equal(t, 6, sess.handlers)
	sess.mu.Unlock()
	assert.True(t, sess.hasContent(testLogChannel, "Dashboard läuft auf 127.0.0.1:"))

	resp, err := http.Get(fmt.Sprintf("http://%s%s", p.api.listener.Addr().String(), apiPathHealthCheck))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p.signalStop <- struct{}{}
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	sess.mu.Lock()
	assert.True(t, sess.closed)
	assert.Equal(t, 0, sess.handlers)
	sess.mu.Unlock()
}

func TestRun_WaitsOnSetup(t *testing.T) {
	cfg := newTestConfig(t)
	p, err := New(cfg)
	require.NoError(t, err)
	sess := newTestSession(t)
	p.discord.session = sess

	require.NoError(t, p.api.listen(context.Background()))
	addr := p.api.listener.Addr().String()
	runErr := startTestBot(t, p)

	require.Eventually(
		t, func() bool {
			return p.initialized.Load() && p.pendingSetup.Load()
		},
		10*time.Second,
		10*time.Millisecond,
	)
	sess.mu.Lock()
	assert.False(t, sess.opened)
	sess.mu.Unlock()

	body, err := json.Marshal(
		adminSetupPayload{
			Username:        "admin",
			Password:        "hunter22",
			ConfirmPassword: "hunter22",
		},
	)
	require.NoError(t, err)
	resp, err := http.Post(
		fmt.Sprintf("http://%s%s%s", addr, apiPrefix, apiPathSetup),
		"application/json",
		bytes.NewReader(body),
	)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case <-p.signalReady:
	case err = <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
	sess.mu.Lock()
	assert.True(t, sess.opened)
	sess.mu.Unlock()

	p.signalStop <- struct{}{}
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

// skipXP puts users on their XP cooldown, so their next messages don't
// draw from the bot's random source
func skipXP(p *PrimeBot, users ...*discordgo.User) {
	now := p.now()
	for _, u := range users {
		p.leveling.onCooldown(u.ID, now)
	}
}

// setXP stores a level row for the user
func setXP(t testing.TB, p *PrimeBot, userID string, xp int64, level int64) {
	t.Helper()
	require.NoError(
		t,
		p.writeDB.DB().WithContext(context.Background()).Save(
			&LevelUser{UserID: userID, XP: xp, Level: level},
		).Error,
	)
}

// setBalance credits the user up to the given balance
func setBalance(t testing.TB, p *PrimeBot, userID string, balance int64) {
	t.Helper()
	require.NoError(t, p.ledger.Credit(context.Background(), userID, balance))
}

func balance(t testing.TB, p *PrimeBot, userID string) int64 {
	t.Helper()
	bal, err := p.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}
