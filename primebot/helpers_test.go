package primebot

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple password", "password123"},
		{"Complex password", "C0mpl3x!P@ssw0rd"},
		{"Empty password", ""},
		{"Umlaut password", "Passwört€"},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := VerifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = VerifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	t.Parallel()
	for _, invalidHash := range []string{
		"not a valid hash",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64!$invalidbase64",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
	} {
		_, err := VerifyPassword(invalidHash, "anypassword")
		assert.Error(t, err, invalidHash)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	t.Parallel()
	hash1, err := HashPassword("samepassword")
	require.NoError(t, err)
	hash2, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestChunkItems(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		maxRowLength int
		items        []int
		expected     [][]int
	}{
		{
			name:         "exactly divisible",
			maxRowLength: 3,
			items:        []int{1, 2, 3, 4, 5, 6},
			expected:     [][]int{{1, 2, 3}, {4, 5, 6}},
		},
		{
			name:         "remainder",
			maxRowLength: 4,
			items:        []int{1, 2, 3, 4, 5},
			expected:     [][]int{{1, 2, 3, 4}, {5}},
		},
		{
			name:         "fewer items than a row",
			maxRowLength: 25,
			items:        []int{1, 2},
			expected:     [][]int{{1, 2}},
		},
		{
			name:         "empty",
			maxRowLength: 10,
			expected:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, chunkItems(tt.maxRowLength, tt.items...))
			},
		)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "Grü", truncate("Grüße", 3))
	assert.Empty(t, truncate("abc", 0))
}

func TestParseMention(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input  string
		prefix string
		want   string
		ok     bool
	}{
		{input: "<@100>", prefix: "@", want: "100", ok: true},
		{input: "<@!100>", prefix: "@", want: "100", ok: true},
		{input: " 100 ", prefix: "@", want: "100", ok: true},
		{input: "<#1002>", prefix: "#", want: "1002", ok: true},
		{input: "<#1002>", prefix: "@", ok: false},
		{input: "<@&3001>", prefix: "@", ok: false},
		{input: "<@>", prefix: "@", ok: false},
		{input: "alice", prefix: "@", ok: false},
		{input: "", prefix: "#", ok: false},
	}
	for _, tt := range tests {
		got, ok := parseMention(tt.input, tt.prefix)
		assert.Equal(t, tt.ok, ok, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestFormatCoins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0", formatCoins(0))
	assert.Equal(t, "999", formatCoins(999))
	assert.Equal(t, "1.000", formatCoins(1000))
	assert.Equal(t, "1.234.567", formatCoins(1234567))
	assert.Equal(t, "-2.500", formatCoins(-2500))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()
	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("Secret"))
}

func TestSleepContext(t *testing.T) {
	t.Parallel()
	assert.True(t, sleepContext(context.Background(), time.Millisecond))
	assert.True(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepContext(ctx, time.Hour))
	assert.False(t, sleepContext(ctx, 0))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.DiscardHandler)
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	assert.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	assert.True(t, ok)
	assert.NotNil(t, got)
}

func TestRandBetween(t *testing.T) {
	t.Parallel()
	r := &fakeRand{}
	r.pushInts(0, 4, 10)
	assert.Equal(t, 5, randBetween(r, 5, 15))
	assert.Equal(t, 9, randBetween(r, 5, 15))
	assert.Equal(t, 15, randBetween(r, 5, 15))

	locked := newLockedRand()
	for range 100 {
		n := randBetween(locked, 1, 20)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 20)
	}
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Port int `json:"port"`
	}
	type sample struct {
		Name     string   `json:"name"`
		Token    string   `json:"token" log:"[redacted]"`
		Empty    string   `json:"empty"`
		NoTag    int
		Inner    *inner   `json:"inner"`
		Missing  *inner   `json:"missing"`
		Skipped  string   `json:"-"`
		Tags     []string `json:"tags"`
		internal string
	}
	v := structToSlogValue(
		sample{
			Name:     "prime",
			Token:    "abc",
			NoTag:    3,
			Inner:    &inner{Port: 8080},
			Skipped:  "shown",
			internal: "x",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "prime", attrs["name"].String())
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, int64(3), attrs["NoTag"].Int64())
	assert.Equal(t, "shown", attrs["Skipped"].String())
	require.Equal(t, slog.KindGroup, attrs["inner"].Kind())
	assert.Equal(t, int64(8080), attrs["inner"].Group()[0].Value.Int64())

	for _, key := range []string{"empty", "missing", "tags", "internal"} {
		_, ok := attrs[key]
		assert.False(t, ok, key)
	}

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*sample)(nil)))
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.API.Secret = "cookie-secret"

	var b strings.Builder
	logger := slog.New(slog.NewTextHandler(&b, nil))
	logger.Info("config", "config", cfg)
	assert.NotContains(t, b.String(), "super-secret-token")
	assert.NotContains(t, b.String(), "cookie-secret")
	assert.Contains(t, b.String(), "[redacted]")

	b.Reset()
	rc := DefaultRuntimeConfig()
	rc.AdminPassword = "hash"
	logger.Info("runtime config", "runtime_config", rc)
	assert.NotContains(t, b.String(), "=hash")
}
