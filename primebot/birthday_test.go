package primebot

import (
	"context"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseBirthday(t *testing.T) {
	t.Parallel()
	today := date(2024, time.May, 15)
	tests := []struct {
		input   string
		want    time.Time
		invalid bool
	}{
		{input: "24.12.1995", want: date(1995, time.December, 24)},
		{input: "7.3.2000", want: date(2000, time.March, 7)},
		{input: " 29.02.2000 ", want: date(2000, time.February, 29)},
		{input: "15.05.2024", want: date(2024, time.May, 15)},
		{input: "16.05.2024", invalid: true},
		{input: "29.02.2001", invalid: true},
		{input: "31.04.1990", invalid: true},
		{input: "00.01.1990", invalid: true},
		{input: "01.13.1990", invalid: true},
		{input: "1995-12-24", invalid: true},
		{input: "24.12", invalid: true},
		{input: "a.b.c", invalid: true},
		{input: "", invalid: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				t.Parallel()
				got, err := parseBirthday(tc.input, today)
				if tc.invalid {
					assert.ErrorIs(t, err, ErrInvalidBirthday)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestAgeAndNextBirthday(t *testing.T) {
	t.Parallel()
	birth := date(1995, time.December, 24)
	assert.Equal(t, 28, ageOn(birth, date(2024, time.May, 15)))
	assert.Equal(t, 29, ageOn(birth, date(2024, time.December, 24)))
	assert.Equal(t, date(2024, time.December, 24), nextBirthday(birth, date(2024, time.May, 15)))
	assert.Equal(t, date(2025, time.December, 24), nextBirthday(birth, date(2024, time.December, 25)))
	assert.Equal(t, 223, daysUntil(birth, date(2024, time.May, 15)))
	assert.Equal(t, 0, daysUntil(birth, date(2024, time.December, 24)))

	leap := date(2000, time.February, 29)
	assert.Equal(t, date(2023, time.February, 28), nextBirthday(leap, date(2023, time.January, 1)))
	assert.Equal(t, date(2024, time.February, 29), nextBirthday(leap, date(2024, time.January, 1)))
	assert.Equal(t, 22, ageOn(leap, date(2023, time.February, 27)))
	assert.Equal(t, 23, ageOn(leap, date(2023, time.February, 28)))
}

func TestUpcomingBirthdays(t *testing.T) {
	t.Parallel()
	entries := map[string]BirthdayEntry{
		"1": {Name: "Eins", Date: "17.05.2000"},
		"2": {Name: "Zwei", Date: "15.05.1990"},
		"3": {Name: "Drei", Date: "30.06.1999"},
		"4": {Name: "Vier", Date: "21.05.1980"},
		"5": {Name: "Kaputt", Date: "gestern"},
	}
	upcoming := upcomingBirthdays(entries, date(2024, time.May, 15), birthdayPreviewDays)
	require.Len(t, upcoming, 3)
	assert.Equal(t, "2", upcoming[0].UserID)
	assert.Equal(t, 0, upcoming[0].DaysUntil)
	assert.Equal(t, "1", upcoming[1].UserID)
	assert.Equal(t, 2, upcoming[1].DaysUntil)
	assert.Equal(t, "4", upcoming[2].UserID)
	assert.Equal(t, 6, upcoming[2].DaysUntil)

	// the window wraps into the next year
	upcoming = upcomingBirthdays(
		map[string]BirthdayEntry{"1": {Date: "02.01.2001"}},
		date(2024, time.December, 30),
		birthdayPreviewDays,
	)
	require.Len(t, upcoming, 1)
	assert.Equal(t, 3, upcoming[0].DaysUntil)
}

func TestBirthdayCalendar(t *testing.T) {
	t.Parallel()
	calendar := birthdayCalendar(
		map[string]BirthdayEntry{
			"1": {Date: "24.12.1995"},
			"2": {Date: "01.01.2000"},
			"3": {Date: "05.12.1980"},
			"4": {Date: "24.12.1990"},
		},
	)
	ids := make([]string, 0, len(calendar))
	for _, e := range calendar {
		ids = append(ids, e.UserID)
	}
	assert.Equal(t, []string{"2", "3", "1", "4"}, ids)
}

func TestBirthdayStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "birthdays.json")
	store, err := newBirthdayStore(path)
	require.NoError(t, err)

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.Set("100", BirthdayEntry{Name: "Ali", Date: "24.12.1995"}))
	require.NoError(t, store.Set("200", BirthdayEntry{Name: "Bob", Date: "01.01.2000"}))
	require.NoError(t, store.Set("100", BirthdayEntry{Name: "Ali", Date: "25.12.1995"}))

	// a second store sees the same file
	reopened, err := newBirthdayStore(path)
	require.NoError(t, err)
	entries, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]BirthdayEntry{
			"100": {Name: "Ali", Date: "25.12.1995"},
			"200": {Name: "Bob", Date: "01.01.2000"},
		},
		entries,
	)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "25.12.1995", raw["100"]["date"])

	entry, ok, err := store.Remove("100")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Ali", entry.Name)
	_, ok, err = store.Remove("100")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err = store.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	tmpFiles, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmpFiles)
}

func TestBirthdayStore_InvalidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "birthdays.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	store, err := newBirthdayStore(path)
	require.NoError(t, err)
	_, err = store.Load()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunBirthdayRewards(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, p.birthdays.Set(testAlice.ID, BirthdayEntry{Name: "Ali", Date: "15.05.2006"}))
	require.NoError(t, p.birthdays.Set(testBob.ID, BirthdayEntry{Name: "Bob", Date: "15.05.1990"}))
	require.NoError(t, p.birthdays.Set(testCarol.ID, BirthdayEntry{Name: "carol", Date: "16.05.1990"}))
	require.NoError(t, p.birthdays.Set("555", BirthdayEntry{Name: "Weg", Date: "15.05.1990"}))

	p.runBirthdayRewards(ctx)

	assert.Equal(t, int64(birthdayCoins+birthdayBonusCoins), balance(t, p, testAlice.ID))
	assert.Equal(t, int64(birthdayCoins), balance(t, p, testBob.ID))
	assert.Equal(t, int64(0), balance(t, p, testCarol.ID))
	assert.Equal(t, int64(0), balance(t, p, "555"))

	msgs := sess.sent(testBirthdayChannel)
	require.Len(t, msgs, 1)
	assert.Equal(
		t,
		"🎉 **ALLES GUTE ZUM 18. GEBURTSTAG, <@100>!** 🎂\n"+
			"🎁 **+700 Coins** wurden dir gutgeschrieben!\n"+
			"👑 Du hast die **Geburtstags-Rolle** erhalten!\n\n"+
			"🎉 **ALLES GUTE ZUM 34. GEBURTSTAG, <@200>!** 🎂\n"+
			"🎁 **+200 Coins** wurden dir gutgeschrieben!\n"+
			"👑 Du hast die **Geburtstags-Rolle** erhalten!",
		msgs[0].Content,
	)
	assert.True(t, sess.hasContent(testLogChannel, "Ali erhält Bonus-Coins für 18. Geburtstag!"))
	assert.True(t, sess.hasContent(testLogChannel, "Gratulation an 2 User gesendet."))

	sess.mu.Lock()
	assert.ElementsMatch(
		t,
		[]roleChange{
			{GuildID: testGuildID, UserID: testAlice.ID, RoleID: testBirthdayRole},
			{GuildID: testGuildID, UserID: testBob.ID, RoleID: testBirthdayRole},
		},
		sess.roleAdds,
	)
	sess.mu.Unlock()

	var rewards []BirthdayReward
	require.NoError(t, p.db.Order("user_id").Find(&rewards).Error)
	require.Len(t, rewards, 2)
	assert.Equal(t, 2024, rewards[0].Year)
	assert.Equal(t, 18, rewards[0].Age)

	// running again the same day pays nothing
	p.runBirthdayRewards(ctx)
	assert.Equal(t, int64(birthdayCoins+birthdayBonusCoins), balance(t, p, testAlice.ID))
	assert.Len(t, sess.sent(testBirthdayChannel), 1)
}

func TestRunBirthdayRewards_NoneToday(t *testing.T) {
	p, sess := newTestBot(t)
	require.NoError(t, p.birthdays.Set(testAlice.ID, BirthdayEntry{Name: "Ali", Date: "16.05.2006"}))
	p.runBirthdayRewards(context.Background())
	assert.Empty(t, sess.sent(testBirthdayChannel))
}

func TestRunBirthdayPreview(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()

	p.runBirthdayPreview(ctx)
	assert.Equal(t, "ℹ️ **Diese Woche hat niemand Geburtstag.** 🎂", sess.lastContent(testBirthdayChannel))

	require.NoError(t, p.birthdays.Set(testAlice.ID, BirthdayEntry{Name: "Alice", Date: "17.05.2000"}))
	require.NoError(t, p.birthdays.Set(testBob.ID, BirthdayEntry{Name: "Bob", Date: "15.05.1990"}))
	require.NoError(t, p.birthdays.Set(testCarol.ID, BirthdayEntry{Name: "carol", Date: "30.06.1999"}))
	require.NoError(t, p.birthdays.Set("555", BirthdayEntry{Name: "Weg", Date: "18.05.1999"}))

	p.runBirthdayPreview(ctx)
	embeds := sess.embeds(testBirthdayChannel)
	require.Len(t, embeds, 1)
	assert.Equal(t, "📅 Geburtstage diese Woche", embeds[0].Title)
	require.Len(t, embeds[0].Fields, 3)
	assert.Equal(t, "15.05.1990 — Bob", embeds[0].Fields[0].Name)
	assert.Equal(t, "🎉 HEUTE!", embeds[0].Fields[0].Value)
	assert.Equal(t, "17.05.2000 — Ali", embeds[0].Fields[1].Name)
	assert.Equal(t, "in 2 Tagen", embeds[0].Fields[1].Value)
	assert.Equal(t, "18.05.1999 — Weg", embeds[0].Fields[2].Name)
	assert.True(t, sess.hasContent(testLogChannel, "Wöchentliche Geburtstagsvorschau gepostet."))
}

func TestRunBirthdayRoleCleanup(t *testing.T) {
	p, sess := newTestBot(t)
	sess.addMember(testGuildID, &discordgo.User{ID: "400", Username: "dave"}, "", testBirthdayRole, "77")

	p.runBirthdayRoleCleanup(context.Background())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.Equal(
		t,
		[]roleChange{{GuildID: testGuildID, UserID: "400", RoleID: testBirthdayRole}},
		sess.roleRemoves,
	)
	assert.Equal(t, []string{"77"}, sess.members[testGuildID]["400"].Roles)
}

func TestHandleMemberRemove(t *testing.T) {
	p, sess := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, p.birthdays.Set(testBob.ID, BirthdayEntry{Name: "Bob", Date: "01.01.2000"}))

	p.handleMemberRemove(
		ctx, &discordgo.GuildMemberRemove{
			Member: &discordgo.Member{GuildID: testGuildID, User: testBob},
		},
	)
	entries, err := p.birthdays.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, sess.hasContent(testLogChannel, "Bob (200) aus birthdays.json entfernt (Server verlassen)."))

	// members without a birthday, or of other guilds, are ignored
	count := len(sess.sent(testLogChannel))
	p.handleMemberRemove(
		ctx, &discordgo.GuildMemberRemove{
			Member: &discordgo.Member{GuildID: testGuildID, User: testCarol},
		},
	)
	require.NoError(t, p.birthdays.Set(testAlice.ID, BirthdayEntry{Name: "Ali", Date: "01.01.2000"}))
	p.handleMemberRemove(
		ctx, &discordgo.GuildMemberRemove{
			Member: &discordgo.Member{GuildID: "1", User: testAlice},
		},
	)
	assert.Len(t, sess.sent(testLogChannel), count)
	entries, err = p.birthdays.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCmdBirthday(t *testing.T) {
	p, sess := newTestBot(t)
	skipXP(p, testAlice)

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday me")
	assert.Equal(t, "❌ Du hast noch keinen Geburtstag eingetragen!", sess.lastContent(testBirthdayChannel))

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday list")
	assert.Equal(t, "ℹ️ Noch keine Geburtstage eingetragen.", sess.lastContent(testBirthdayChannel))

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday set 31.02.1995")
	assert.Equal(t, msgBirthdayInvalid, sess.lastContent(testBirthdayChannel))

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday set 24.12.1995")
	assert.Equal(
		t,
		"✅ <@100>, dein Geburtstag **24.12.1995** wurde gespeichert!",
		sess.lastContent(testBirthdayChannel),
	)
	assert.True(t, sess.hasContent(testLogChannel, "Ali hat Geburtstag auf 24.12.1995 gesetzt."))

	entries, err := p.birthdays.Load()
	require.NoError(t, err)
	assert.Equal(t, BirthdayEntry{Name: "Ali", Date: "24.12.1995"}, entries[testAlice.ID])

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday me")
	assert.Equal(
		t,
		"🎂 Dein Geburtstag ist am **24.12.1995** — noch **223 Tage** bis zum nächsten!\n Du bist **28 Jahre** alt.",
		sess.lastContent(testBirthdayChannel),
	)

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday set 15.5.2000")
	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday me")
	assert.Equal(
		t,
		"🎉 HEUTE IST DEIN GEBURTSTAG, <@100>! 🎂 Alles Gute!\n Du bist jetzt **24 Jahre** alt!",
		sess.lastContent(testBirthdayChannel),
	)

	require.NoError(t, p.birthdays.Set(testBob.ID, BirthdayEntry{Name: "Bob", Date: "01.01.2000"}))
	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday list")
	embeds := sess.embeds(testBirthdayChannel)
	require.Len(t, embeds, 1)
	assert.Equal(t, "🎂 Geburtstagskalender", embeds[0].Title)
	require.Len(t, embeds[0].Fields, 2)
	assert.Equal(t, "01.01.2000", embeds[0].Fields[0].Name)
	assert.Equal(t, "Bob", embeds[0].Fields[0].Value)
	assert.Equal(t, "15.05.2000", embeds[0].Fields[1].Name)
	assert.Equal(t, "Ali", embeds[0].Fields[1].Value)

	sendTestMessage(p, testAlice, testBirthdayChannel, ".birthday")
	assert.Equal(t, p.usage(usageBirthday), sess.lastContent(testBirthdayChannel))

	sendTestMessage(p, testAlice, testGeneralChannel, ".birthday")
	assert.Equal(t, "ℹ️ Nur im <#1003> verfügbar!", sess.lastContent(testGeneralChannel))
}
