package primebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	birthdayDateFormat   = "02.01.2006"
	birthdayCoins        = 200
	birthdayBonusCoins   = 500
	birthdayPreviewDays  = 6
	dashboardUpcomingMax = 7
	embedColorBirthday   = 0xFF69B4
	discordMaxEmbeds     = 10
	msgBirthdayInvalid   = "❌ Ungültiges Format! Verwende `DD.MM.JJJJ` (z. B. `24.12.1995`)"
)

// birthdayMilestones are the ages that earn birthdayBonusCoins on top
// of the regular reward
var birthdayMilestones = map[int]bool{
	18: true, 21: true, 30: true, 40: true, 50: true,
	60: true, 70: true, 80: true, 90: true, 100: true,
}

// BirthdayEntry is a stored birthday, keyed by user ID in the
// birthday file
type BirthdayEntry struct {
	// Name is the member's display name when the birthday was set
	Name string `json:"name"`

	// Date is the birth date, formatted DD.MM.YYYY
	Date string `json:"date"`
}

func (e BirthdayEntry) birthDate() (time.Time, error) {
	return time.Parse(birthdayDateFormat, e.Date)
}

// BirthdayStore persists birthdays to a JSON file. The file is rewritten
// in full on every change, through a temp file and rename.
type BirthdayStore struct {
	path string
	mu   sync.Mutex
}

// newBirthdayStore returns a store for path, creating an empty
// file if none exists
func newBirthdayStore(path string) (*BirthdayStore, error) {
	s := &BirthdayStore{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("error creating birthday directory: %w", err)
			}
		}
		if err := s.save(map[string]BirthdayEntry{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("error checking birthday file: %w", err)
	}
	return s, nil
}

func (s *BirthdayStore) Load() (map[string]BirthdayEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *BirthdayStore) load() (map[string]BirthdayEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("error reading birthday file: %w", err)
	}
	entries := map[string]BirthdayEntry{}
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error decoding birthday file: %w", err)
	}
	return entries, nil
}

func (s *BirthdayStore) save(entries map[string]BirthdayEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("error encoding birthdays: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err = tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing birthdays: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("error writing birthdays: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("error replacing birthday file: %w", err)
	}
	return nil
}

// Set stores (or replaces) the user's birthday
func (s *BirthdayStore) Set(userID string, entry BirthdayEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[userID] = entry
	return s.save(entries)
}

// Remove deletes the user's birthday, returning the removed entry.
// ok is false if the user had none.
func (s *BirthdayStore) Remove(userID string) (entry BirthdayEntry, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return entry, false, err
	}
	entry, ok = entries[userID]
	if !ok {
		return entry, false, nil
	}
	delete(entries, userID)
	return entry, true, s.save(entries)
}

// BirthdayReward records the birthday coins paid to a user in a year, so
// they're never paid twice
type BirthdayReward struct {
	UserID     string `gorm:"primaryKey;type:string" json:"user_id"`
	Year       int    `gorm:"primaryKey;autoIncrement:false" json:"year"`
	Age        int    `json:"age"`
	Coins      int64  `json:"coins"`
	RewardedAt int64  `gorm:"autoCreateTime:milli" json:"rewarded_at"`
}

func (BirthdayReward) TableName() string {
	return "birthday_rewards"
}

// dateOf returns the calendar date of t (in t's location), as
// midnight UTC
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// parseBirthday parses a DD.MM.YYYY birth date. Single-digit days and
// months are accepted. Dates that don't exist, or that are after today,
// are rejected with ErrInvalidBirthday.
func parseBirthday(s string, today time.Time) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return time.Time{}, ErrInvalidBirthday
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return time.Time{}, ErrInvalidBirthday
		}
		nums[i] = n
	}
	day, month, year := nums[0], nums[1], nums[2]
	if year < 1 || year > 9999 || month < 1 || month > 12 || day < 1 {
		return time.Time{}, ErrInvalidBirthday
	}
	birth := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if birth.Day() != day || int(birth.Month()) != month {
		return time.Time{}, ErrInvalidBirthday
	}
	if birth.After(dateOf(today)) {
		return time.Time{}, ErrInvalidBirthday
	}
	return birth, nil
}

// ageOn returns the age of someone born on birth, on the date today.
// Someone born on 29 February ages on 28 February outside of leap years.
func ageOn(birth time.Time, today time.Time) int {
	age := today.Year() - birth.Year()
	if dateOf(today).Before(birthdayIn(birth, today.Year())) {
		age--
	}
	return age
}

// birthdayIn returns the birthday's occurrence in year. 29 February falls
// on 28 February outside of leap years.
func birthdayIn(birth time.Time, year int) time.Time {
	day := birth.Day()
	if birth.Month() == time.February && day == 29 && !isLeapYear(year) {
		day = 28
	}
	return time.Date(year, birth.Month(), day, 0, 0, 0, 0, time.UTC)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// nextBirthday returns the next occurrence of the birthday on or
// after today
func nextBirthday(birth time.Time, today time.Time) time.Time {
	today = dateOf(today)
	next := birthdayIn(birth, today.Year())
	if next.Before(today) {
		next = birthdayIn(birth, today.Year()+1)
	}
	return next
}

// daysUntil returns the number of days from today until the next birthday
func daysUntil(birth time.Time, today time.Time) int {
	return int(nextBirthday(birth, today).Sub(dateOf(today)).Hours() / 24)
}

type upcomingBirthday struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Date      string    `json:"date"`
	Next      time.Time `json:"next"`
	DaysUntil int       `json:"days_until"`
}

// upcomingBirthdays returns the birthdays occurring within the next
// `days` days (0 being today), soonest first. Entries with an unreadable
// date are skipped.
func upcomingBirthdays(entries map[string]BirthdayEntry, today time.Time, days int) []upcomingBirthday {
	var upcoming []upcomingBirthday
	for userID, entry := range entries {
		birth, err := entry.birthDate()
		if err != nil {
			continue
		}
		d := daysUntil(birth, today)
		if d < 0 || d > days {
			continue
		}
		upcoming = append(
			upcoming, upcomingBirthday{
				UserID:    userID,
				Name:      entry.Name,
				Date:      entry.Date,
				Next:      nextBirthday(birth, today),
				DaysUntil: d,
			},
		)
	}
	slices.SortFunc(
		upcoming, func(a, b upcomingBirthday) int {
			if c := a.Next.Compare(b.Next); c != 0 {
				return c
			}
			return strings.Compare(a.UserID, b.UserID)
		},
	)
	return upcoming
}

type calendarEntry struct {
	UserID string
	BirthdayEntry
	birth time.Time
}

// birthdayCalendar returns the entries sorted by month and day
func birthdayCalendar(entries map[string]BirthdayEntry) []calendarEntry {
	calendar := make([]calendarEntry, 0, len(entries))
	for userID, entry := range entries {
		birth, _ := entry.birthDate()
		calendar = append(calendar, calendarEntry{UserID: userID, BirthdayEntry: entry, birth: birth})
	}
	slices.SortFunc(
		calendar, func(a, b calendarEntry) int {
			if a.birth.Month() != b.birth.Month() {
				return int(a.birth.Month()) - int(b.birth.Month())
			}
			if a.birth.Day() != b.birth.Day() {
				return a.birth.Day() - b.birth.Day()
			}
			return strings.Compare(a.UserID, b.UserID)
		},
	)
	return calendar
}

// today returns the current date in the configured timezone
func (p *PrimeBot) today() time.Time {
	return dateOf(p.now().In(p.loc))
}

// birthdayName returns the user's current name, or the name stored with
// their birthday if they can't be found
func (p *PrimeBot) birthdayName(guildID string, userID string, entry BirthdayEntry) string {
	if name, ok := p.lookupName(guildID, userID); ok {
		return name
	}
	return entry.Name
}

func (p *PrimeBot) cmdBirthdaySet(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) == 0 {
		p.reply(ctx, cmd, p.usage(usageBirthday))
		return
	}
	birth, err := parseBirthday(cmd.args[0], p.today())
	if err != nil {
		p.reply(ctx, cmd, msgBirthdayInvalid)
		return
	}

	date := birth.Format(birthdayDateFormat)
	if err := p.birthdays.Set(
		cmd.authorID(),
		BirthdayEntry{Name: cmd.authorName(), Date: date},
	); err != nil {
		p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Speichern des Geburtstags: %v", err))
		return
	}
	p.reply(
		ctx,
		cmd,
		fmt.Sprintf("✅ %s, dein Geburtstag **%s** wurde gespeichert!", cmd.authorMention(), date),
	)
	p.channelLog.Info(ctx, fmt.Sprintf("%s hat Geburtstag auf %s gesetzt.", cmd.authorName(), date))
}

func (p *PrimeBot) cmdBirthdayMe(ctx context.Context, cmd *commandContext) {
	entries, err := p.birthdays.Load()
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading birthdays", tint.Err(err))
		return
	}
	entry, ok := entries[cmd.authorID()]
	if !ok {
		p.reply(ctx, cmd, "❌ Du hast noch keinen Geburtstag eingetragen!")
		return
	}
	birth, err := entry.birthDate()
	if err != nil {
		cmd.logger.ErrorContext(ctx, "invalid stored birthday", tint.Err(err), "date", entry.Date)
		return
	}

	today := p.today()
	age := ageOn(birth, today)
	days := daysUntil(birth, today)
	if days == 0 {
		p.reply(
			ctx,
			cmd,
			fmt.Sprintf(
				"🎉 HEUTE IST DEIN GEBURTSTAG, %s! 🎂 Alles Gute!\n Du bist jetzt **%d Jahre** alt!",
				cmd.authorMention(),
				age,
			),
		)
		return
	}
	p.reply(
		ctx,
		cmd,
		fmt.Sprintf(
			"🎂 Dein Geburtstag ist am **%s** — noch **%d Tage** bis zum nächsten!\n Du bist **%d Jahre** alt.",
			entry.Date,
			days,
			age,
		),
	)
}

func (p *PrimeBot) cmdBirthdayList(ctx context.Context, cmd *commandContext) {
	entries, err := p.birthdays.Load()
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading birthdays", tint.Err(err))
		return
	}
	if len(entries) == 0 {
		p.reply(ctx, cmd, "ℹ️ Noch keine Geburtstage eingetragen.")
		return
	}

	calendar := birthdayCalendar(entries)
	fields := make([]*discordgo.MessageEmbedField, 0, len(calendar))
	for _, e := range calendar {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   e.Date,
				Value:  p.birthdayName(cmd.msg.GuildID, e.UserID, e.BirthdayEntry),
				Inline: true,
			},
		)
	}

	var embeds []*discordgo.MessageEmbed
	for _, chunk := range chunkItems(discordMaxEmbedFields, fields...) {
		embeds = append(
			embeds, &discordgo.MessageEmbed{
				Title:  "🎂 Geburtstagskalender",
				Color:  embedColorBirthday,
				Fields: chunk,
			},
		)
	}
	for _, batch := range chunkItems(discordMaxEmbeds, embeds...) {
		p.replyEmbed(ctx, cmd, batch...)
	}
}

// handleMemberRemove forgets the birthday of a member who left
func (p *PrimeBot) handleMemberRemove(ctx context.Context, m *discordgo.GuildMemberRemove) {
	if m == nil || m.Member == nil || m.User == nil {
		return
	}
	if p.config.Discord.GuildID != "" && m.GuildID != p.config.Discord.GuildID {
		return
	}
	entry, removed, err := p.birthdays.Remove(m.User.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "error removing birthday", tint.Err(err), "user_id", m.User.ID)
		return
	}
	if !removed {
		return
	}
	name := displayName(m.User, m.Member)
	if name == "" {
		name = entry.Name
	}
	p.channelLog.Info(
		ctx,
		fmt.Sprintf(
			"%s (%s) aus %s entfernt (Server verlassen).",
			name,
			m.User.ID,
			filepath.Base(p.config.Birthday.File),
		),
	)
}

// birthdayCelebrant is a member rewarded on their birthday
type birthdayCelebrant struct {
	userID string
	age    int
	coins  int64
}

// rewardBirthday records and pays the user's birthday reward for the
// year. paid is false if they were already rewarded this year.
func (p *PrimeBot) rewardBirthday(
	ctx context.Context,
	userID string,
	year int,
	age int,
	coins int64,
) (paid bool, err error) {
	err = p.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&BirthdayReward{UserID: userID, Year: year, Age: age, Coins: coins},
			)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return nil
			}
			paid = true
			return credit(tx, userID, coins)
		},
	)
	if err != nil {
		return false, err
	}
	return paid, nil
}

// runBirthdayRewards pays today's birthday rewards, hands out the
// birthday role and congratulates everyone in one message
func (p *PrimeBot) runBirthdayRewards(ctx context.Context) {
	entries, err := p.birthdays.Load()
	if err != nil {
		p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Laden der Geburtstage: %v", err))
		return
	}

	today := p.today()
	guilds := p.discord.guilds()
	var celebrants []birthdayCelebrant

	userIDs := make([]string, 0, len(entries))
	for userID := range entries {
		userIDs = append(userIDs, userID)
	}
	slices.Sort(userIDs)

	for _, userID := range userIDs {
		entry := entries[userID]
		birth, err := entry.birthDate()
		if err != nil || !nextBirthday(birth, today).Equal(today) {
			continue
		}

		var memberOf []*discordgo.Guild
		var member *discordgo.Member
		for _, g := range guilds {
			m, err := p.discord.session.GuildMember(g.ID, userID)
			if err != nil || m == nil {
				continue
			}
			memberOf = append(memberOf, g)
			if member == nil {
				member = m
			}
		}
		if member == nil {
			continue
		}

		name := displayName(member.User, member)
		if name == "" {
			name = entry.Name
		}
		age := ageOn(birth, today)
		coins := int64(birthdayCoins)
		if birthdayMilestones[age] {
			coins += birthdayBonusCoins
		}

		paid, err := p.rewardBirthday(ctx, userID, today.Year(), age, coins)
		if err != nil {
			p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Coins-Gutschreiben für %s: %v", name, err))
		} else if !paid {
			p.logger.InfoContext(ctx, "birthday already rewarded this year", "user_id", userID)
			continue
		}
		if paid && birthdayMilestones[age] {
			p.channelLog.Success(ctx, fmt.Sprintf("%s erhält Bonus-Coins für %d. Geburtstag!", name, age))
		}

		if roleID := p.config.Roles.Birthday; roleID != "" {
			for _, g := range memberOf {
				m, _ := p.discord.session.GuildMember(g.ID, userID)
				if m != nil && slices.Contains(m.Roles, roleID) {
					continue
				}
				if err := p.discord.session.GuildMemberRoleAdd(g.ID, userID, roleID); err != nil {
					p.channelLog.Error(
						ctx,
						fmt.Sprintf("Keine Rechte, Rolle in %s zu vergeben.", g.Name),
						tint.Err(err),
					)
				}
			}
		}

		celebrants = append(celebrants, birthdayCelebrant{userID: userID, age: age, coins: coins})
		p.events.Publish(
			EventBirthday, map[string]any{
				"user_id": userID,
				"name":    name,
				"age":     age,
				"coins":   coins,
			},
		)
	}

	if len(celebrants) == 0 {
		return
	}
	channelID := p.config.Channels.Birthday
	if channelID == "" {
		return
	}
	paragraphs := make([]string, 0, len(celebrants))
	for _, c := range celebrants {
		paragraphs = append(
			paragraphs,
			fmt.Sprintf(
				"🎉 **ALLES GUTE ZUM %d. GEBURTSTAG, <@%s>!** 🎂\n"+
					"🎁 **+%d Coins** wurden dir gutgeschrieben!\n"+
					"👑 Du hast die **Geburtstags-Rolle** erhalten!",
				c.age,
				c.userID,
				c.coins,
			),
		)
	}
	if _, err := p.sendMessage(ctx, channelID, strings.Join(paragraphs, "\n\n")); err != nil {
		return
	}
	p.channelLog.Success(ctx, fmt.Sprintf("Gratulation an %d User gesendet.", len(celebrants)))
}

// runBirthdayPreview posts the birthdays of the coming week
func (p *PrimeBot) runBirthdayPreview(ctx context.Context) {
	channelID := p.config.Channels.Birthday
	if channelID == "" {
		return
	}
	entries, err := p.birthdays.Load()
	if err != nil {
		p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Laden der Geburtstage: %v", err))
		return
	}

	upcoming := upcomingBirthdays(entries, p.today(), birthdayPreviewDays)
	if len(upcoming) == 0 {
		_, _ = p.sendMessage(ctx, channelID, "ℹ️ **Diese Woche hat niemand Geburtstag.** 🎂")
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       "📅 Geburtstage diese Woche",
		Color:       embedColorBirthday,
		Description: "Notiere dir die Termine — lass uns gemeinsam feiern! 🎉",
	}
	for _, u := range upcoming {
		when := "🎉 HEUTE!"
		if u.DaysUntil > 0 {
			when = fmt.Sprintf("in %d Tagen", u.DaysUntil)
		}
		name := p.birthdayName(p.config.Discord.GuildID, u.UserID, entries[u.UserID])
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%s — %s", u.Date, name),
				Value: when,
			},
		)
	}
	embed.Fields = embed.Fields[:min(len(embed.Fields), discordMaxEmbedFields)]
	if _, err := p.sendComplex(ctx, channelID, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}); err != nil {
		return
	}
	p.channelLog.Info(ctx, "Wöchentliche Geburtstagsvorschau gepostet.")
}

// runBirthdayRoleCleanup removes the birthday role from everyone
func (p *PrimeBot) runBirthdayRoleCleanup(ctx context.Context) {
	roleID := p.config.Roles.Birthday
	if roleID == "" {
		return
	}
	for _, g := range p.discord.guilds() {
		members, err := p.discord.guildMembers(g.ID)
		if err != nil {
			p.logger.ErrorContext(ctx, "error listing guild members", tint.Err(err), "guild_id", g.ID)
			continue
		}
		for _, m := range members {
			if m.User == nil || !slices.Contains(m.Roles, roleID) {
				continue
			}
			if err := p.discord.session.GuildMemberRoleRemove(g.ID, m.User.ID, roleID); err != nil {
				p.channelLog.Error(
					ctx,
					fmt.Sprintf(
						"Keine Rechte, Rolle von %s in %s zu entfernen.",
						displayName(m.User, m),
						g.Name,
					),
					tint.Err(err),
				)
			}
		}
	}
}
