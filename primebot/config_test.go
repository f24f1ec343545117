package primebot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.LogLevel = "TRACE"
	require.Error(t, structValidator.Struct(cfg))
}

func TestDefaultConfig_Validate(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// the token has no default
	require.Error(t, structValidator.Struct(cfg))

	cfg.Discord.Token = "token"
	require.NoError(t, structValidator.Struct(cfg))

	cfg.Economy.HeistSuccessChance = 1.5
	require.Error(t, structValidator.Struct(cfg))
}

func TestConfig_Location(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, DefaultTimezone, cfg.location().String())

	cfg.Timezone = ""
	assert.Equal(t, time.UTC, cfg.location())

	cfg.Timezone = "Mars/Olympus_Mons"
	assert.Equal(t, time.UTC, cfg.location())
}

func TestTwitchConfig_Enabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.False(t, cfg.Twitch.enabled())

	cfg.Twitch.ClientID = "cid"
	assert.False(t, cfg.Twitch.enabled())

	cfg.Twitch.ClientSecret = "csecret"
	assert.True(t, cfg.Twitch.enabled())
}

func TestDefaultCORSConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultCORSConfig()
	require.NotEmpty(t, cfg.AllowMethods)
	cfg.AllowMethods[0] = "BREW"
	assert.NotEqual(t, "BREW", DefaultCORSAllowMethods[0])

	cfg.AllowOrigins = []string{"https://prime.example"}
	gc := cfg.GINConfig()
	assert.Equal(t, []string{"https://prime.example"}, gc.AllowOrigins)
	assert.Equal(t, cfg.MaxAge, gc.MaxAge)
}

func TestChannelMention(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<#1002>", channelMention("1002"))
}
