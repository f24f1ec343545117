package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"math"
	"sync"
	"time"
)

const heistBankID = 1

// A round that fails to resolve is retried after heistRetryDelay,
// doubling with each failure up to heistMaxRetryDelay
const (
	heistRetryDelay    = 5 * time.Second
	heistMaxRetryDelay = 5 * time.Minute
)

type heistOutcome string

const (
	heistOutcomeEmpty   heistOutcome = "empty"
	heistOutcomeSuccess heistOutcome = "success"
	heistOutcomeFailure heistOutcome = "failure"
)

// heistEmptyMessages are posted when nobody joined a heist
var heistEmptyMessages = []string{
	"🕵️‍♂️ *Die Bankräuber kamen... aber niemand war da.*",
	"🏦 *Die PRIME-Bank schickte eine Rechnung für 'versuchten Überfall'.*",
	"🦹‍♂️ *Der Meisterdieb flüsterte: 'Wo ist die Crew?' — Stille.*",
}

// HeistBank is the pool a successful heist pays out. There is a
// single row, with ID heistBankID.
type HeistBank struct {
	ID      uint  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Balance int64 `gorm:"not null;default:0" json:"balance"`
}

func (HeistBank) TableName() string {
	return "heist_bank"
}

// HeistRound is a single heist, from its start until it's resolved
type HeistRound struct {
	ID string `gorm:"primaryKey;type:string" json:"id"`

	// StartedAt and Deadline are unix milliseconds. Joins are accepted
	// until Deadline.
	StartedAt int64 `gorm:"not null" json:"started_at"`
	Deadline  int64 `gorm:"not null;index" json:"deadline"`

	Pot        int64        `gorm:"not null;default:0" json:"pot"`
	Resolved   bool         `gorm:"not null;default:false;index" json:"resolved"`
	Outcome    heistOutcome `gorm:"type:string" json:"outcome,omitempty"`
	BankBefore int64        `json:"bank_before"`
	Payout     int64        `json:"payout"`
	ResolvedAt int64        `json:"resolved_at,omitempty"`

	Stakes []HeistStake `gorm:"foreignKey:RoundID;constraint:OnDelete:CASCADE" json:"stakes,omitempty"`
}

func (HeistRound) TableName() string {
	return "heist_rounds"
}

func (r HeistRound) deadline() time.Time {
	return time.UnixMilli(r.Deadline)
}

// HeistStake is a participant's total stake in a round
type HeistStake struct {
	RoundID  string `gorm:"primaryKey;type:string" json:"round_id"`
	UserID   string `gorm:"primaryKey;type:string" json:"user_id"`
	Amount   int64  `gorm:"not null" json:"amount"`
	JoinedAt int64  `gorm:"not null" json:"joined_at"`
}

func (HeistStake) TableName() string {
	return "heist_stakes"
}

// heistResult describes how a round was resolved
type heistResult struct {
	Round      HeistRound
	Outcome    heistOutcome
	BankBefore int64
	BankAfter  int64

	// Payouts is keyed by user ID, and is only set on success
	Payouts map[string]int64
}

// Heist runs the hourly bank heist. At most one round is active at
// a time.
type Heist struct {
	db            DBI
	rng           randomSource
	now           func() time.Time
	startBank     int64
	joinWindow    time.Duration
	successChance float64

	mu     sync.Mutex
	active *HeistRound

	// failures counts failed attempts to resolve the active round, which
	// isn't due again before retryAt
	failures int
	retryAt  time.Time
}

// heistResolveError is returned by Heist.Resolve when the round could
// not be settled. The round stays active.
type heistResolveError struct {
	Attempt int
	err     error
}

func (e *heistResolveError) Error() string {
	return fmt.Sprintf("error resolving heist (attempt %d): %v", e.Attempt, e.err)
}

func (e *heistResolveError) Unwrap() error {
	return e.err
}

// heistBackoff returns the delay before retrying after the given number
// of failed attempts
func heistBackoff(failures int) time.Duration {
	d := heistRetryDelay
	for i := 1; i < failures && d < heistMaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, heistMaxRetryDelay)
}

func newHeist(db DBI, rng randomSource, now func() time.Time, cfg EconomyConfig) *Heist {
	return &Heist{
		db:            db,
		rng:           rng,
		now:           now,
		startBank:     cfg.HeistStartBank,
		joinWindow:    cfg.HeistJoinWindow,
		successChance: cfg.HeistSuccessChance,
	}
}

// init seeds the bank, and picks up a round left unresolved by a
// previous process
func (h *Heist) init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	bank := HeistBank{ID: heistBankID, Balance: h.startBank}
	if err := h.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bank).Error
		},
	); err != nil {
		return fmt.Errorf("error seeding heist bank: %w", err)
	}

	var rounds []HeistRound
	if err := h.db.DB().WithContext(ctx).Where(
		"resolved = ?",
		false,
	).Order("started_at DESC").Limit(1).Find(&rounds).Error; err != nil {
		return fmt.Errorf("error loading heist rounds: %w", err)
	}
	if len(rounds) > 0 {
		h.active = &rounds[0]
	}
	return nil
}

func bankBalance(tx *gorm.DB) (int64, error) {
	var bank HeistBank
	if err := tx.Where("id = ?", heistBankID).Take(&bank).Error; err != nil {
		return 0, err
	}
	return bank.Balance, nil
}

func (h *Heist) Bank(ctx context.Context) (int64, error) {
	return bankBalance(h.db.DB().WithContext(ctx))
}

// Active returns the current round with its stakes, or nil if no round
// is active
func (h *Heist) Active(ctx context.Context) (*HeistRound, error) {
	h.mu.Lock()
	var id string
	if h.active != nil {
		id = h.active.ID
	}
	h.mu.Unlock()
	if id == "" {
		return nil, nil
	}

	var round HeistRound
	err := h.db.DB().WithContext(ctx).Preload(
		"Stakes", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at")
		},
	).Where("id = ?", id).Take(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// Due reports whether the active round's join window has closed
func (h *Heist) Due() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return false
	}
	now := h.now()
	return !now.Before(h.active.deadline()) && !now.Before(h.retryAt)
}

// Start opens a new round. It returns ErrHeistActive if one is
// already running.
func (h *Heist) Start(ctx context.Context) (*HeistRound, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		return nil, 0, ErrHeistActive
	}

	now := h.now()
	round := &HeistRound{
		ID:        uuid.NewString(),
		StartedAt: now.UnixMilli(),
		Deadline:  now.Add(h.joinWindow).UnixMilli(),
	}
	var bank int64
	err := h.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var err error
			if bank, err = bankBalance(tx); err != nil {
				return err
			}
			return tx.Create(round).Error
		},
	)
	if err != nil {
		return nil, 0, fmt.Errorf("error starting heist: %w", err)
	}
	h.active = round
	return round, bank, nil
}

// Join stakes amount coins in the active round, debiting them in the same
// transaction. Repeat joins add to the user's stake. The new pot
// is returned.
func (h *Heist) Join(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if h.active == nil || !now.Before(h.active.deadline()) {
		return 0, ErrHeistNotActive
	}
	roundID := h.active.ID

	var pot int64
	err := h.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := debit(tx, userID, amount); err != nil {
				return err
			}
			stake := HeistStake{
				RoundID:  roundID,
				UserID:   userID,
				Amount:   amount,
				JoinedAt: now.UnixMilli(),
			}
			if err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "round_id"}, {Name: "user_id"}},
					DoUpdates: clause.Assignments(
						map[string]any{"amount": gorm.Expr("heist_stakes.amount + ?", amount)},
					),
				},
			).Create(&stake).Error; err != nil {
				return err
			}
			if err := tx.Model(&HeistRound{}).Where("id = ?", roundID).Update(
				"pot",
				gorm.Expr("pot + ?", amount),
			).Error; err != nil {
				return err
			}
			return tx.Model(&HeistRound{}).Where("id = ?", roundID).Select("pot").Scan(&pot).Error
		},
	)
	if err != nil {
		return 0, err
	}
	h.active.Pot = pot
	return pot, nil
}

// Resolve settles the active round:
//   - nobody joined: the bank is unchanged
//   - success: the bank and pot are split between the participants
//     in proportion to their stakes, and the bank is emptied
//   - failure: the pot is added to the bank
func (h *Heist) Resolve(ctx context.Context) (*heistResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return nil, ErrHeistNotActive
	}
	roundID := h.active.ID
	success := h.rng.Float64() < h.successChance

	result := &heistResult{}
	err := h.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var round HeistRound
			if err := tx.Preload(
				"Stakes", func(db *gorm.DB) *gorm.DB {
					return db.Order("joined_at").Order("user_id")
				},
			).Where("id = ?", roundID).Take(&round).Error; err != nil {
				return err
			}
			bank, err := bankBalance(tx)
			if err != nil {
				return err
			}

			var pot int64
			for _, s := range round.Stakes {
				pot += s.Amount
			}
			result.BankBefore = bank
			result.BankAfter = bank

			switch {
			case len(round.Stakes) == 0:
				result.Outcome = heistOutcomeEmpty
			case success:
				result.Outcome = heistOutcomeSuccess
				total := bank + pot
				shares := splitPayout(round.Stakes, total)
				result.Payouts = make(map[string]int64, len(shares))
				for i, s := range round.Stakes {
					if err := credit(tx, s.UserID, shares[i]); err != nil {
						return err
					}
					result.Payouts[s.UserID] = shares[i]
				}
				round.Payout = total
				result.BankAfter = 0
			default:
				result.Outcome = heistOutcomeFailure
				result.BankAfter = bank + pot
			}

			if result.BankAfter != bank {
				if err := tx.Model(&HeistBank{}).Where(
					"id = ?",
					heistBankID,
				).Update("balance", result.BankAfter).Error; err != nil {
					return err
				}
			}

			round.Pot = pot
			round.Resolved = true
			round.Outcome = result.Outcome
			round.BankBefore = bank
			round.ResolvedAt = h.now().UnixMilli()
			if err := tx.Model(&HeistRound{}).Where("id = ?", roundID).Updates(
				map[string]any{
					"pot":         round.Pot,
					"resolved":    true,
					"outcome":     round.Outcome,
					"bank_before": round.BankBefore,
					"payout":      round.Payout,
					"resolved_at": round.ResolvedAt,
				},
			).Error; err != nil {
				return err
			}
			result.Round = round
			return nil
		},
	)
	if err != nil {
		h.failures++
		h.retryAt = h.now().Add(heistBackoff(h.failures))
		return nil, &heistResolveError{Attempt: h.failures, err: err}
	}
	h.active = nil
	h.failures = 0
	h.retryAt = time.Time{}
	return result, nil
}

// splitPayout divides total between stakes in proportion to their
// amounts, rounding down. What's left after rounding goes to the largest
// stake, the earliest one in stakes on a tie. The returned shares sum
// to total.
func splitPayout(stakes []HeistStake, total int64) []int64 {
	shares := make([]int64, len(stakes))
	if len(stakes) == 0 {
		return shares
	}
	var sum int64
	largest := 0
	for i, s := range stakes {
		sum += s.Amount
		if s.Amount > stakes[largest].Amount {
			largest = i
		}
	}
	if sum <= 0 {
		shares[largest] = total
		return shares
	}

	var paid int64
	for i, s := range stakes {
		shares[i] = proportion(total, s.Amount, sum)
		paid += shares[i]
	}
	shares[largest] += total - paid
	return shares
}

// proportion returns floor(total*part/whole), falling back to float
// math if the product would overflow
func proportion(total int64, part int64, whole int64) int64 {
	if part != 0 && total > math.MaxInt64/part {
		return int64(math.Floor(float64(total) * (float64(part) / float64(whole))))
	}
	return total * part / whole
}

// startHeist opens a heist round and announces it in the
// economy channel
func (p *PrimeBot) startHeist(ctx context.Context) error {
	channelID := p.config.Channels.Economy
	if channelID == "" {
		p.channelLog.Error(ctx, "Economy-Channel nicht gefunden!")
		return errors.New("economy channel not configured")
	}
	if _, err := p.discord.session.Channel(channelID); err != nil {
		p.channelLog.Error(ctx, "Economy-Channel nicht gefunden!", tint.Err(err))
		return fmt.Errorf("economy channel not found: %w", err)
	}

	round, bank, err := p.heist.Start(ctx)
	if errors.Is(err, ErrHeistActive) {
		_, _ = p.sendMessage(ctx, channelID, "⏳ Ein Heist läuft bereits — überspringe automatischen Start.")
		return err
	}
	if err != nil {
		p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Starten des Heists: %v", err))
		return err
	}

	minutes := int(math.Round(p.config.Economy.HeistJoinWindow.Minutes()))
	_, _ = p.sendMessage(
		ctx,
		channelID,
		fmt.Sprintf(
			"🚨 **AUTOMATISCHER BANKÜBERFALL!** Die PRIME-Bank wird **JETZT** überfallen!\n"+
				"💰 Bankinhalt: **%d Coins**\n"+
				"⏱️ Du hast **%d Minuten**, um mit `%sprime heist join <amount>` teilzunehmen!",
			bank,
			minutes,
			p.config.Prefix,
		),
	)
	p.channelLog.Info(ctx, "Automatischer Heist gestartet.", "round_id", round.ID)
	p.events.Publish(
		EventHeistStarted, map[string]any{
			"round_id": round.ID,
			"bank":     bank,
			"deadline": round.Deadline,
		},
	)
	return nil
}

// resolveHeist settles the active round and announces the outcome
func (p *PrimeBot) resolveHeist(ctx context.Context) {
	result, err := p.heist.Resolve(ctx)
	if errors.Is(err, ErrHeistNotActive) {
		return
	}
	if err != nil {
		// only a round's first failure is reported to the log channel
		var resolveErr *heistResolveError
		if errors.As(err, &resolveErr) && resolveErr.Attempt > 1 {
			p.logger.ErrorContext(ctx, "error resolving heist", tint.Err(err), "attempt", resolveErr.Attempt)
			return
		}
		p.channelLog.Error(ctx, fmt.Sprintf("Fehler beim Auflösen des Heists: %v", err))
		return
	}

	var content string
	switch result.Outcome {
	case heistOutcomeEmpty:
		content = heistEmptyMessages[p.rng.IntN(len(heistEmptyMessages))]
		p.channelLog.Warning(ctx, "Heist abgebrochen — keine Teilnehmer.", "round_id", result.Round.ID)
	case heistOutcomeSuccess:
		content = fmt.Sprintf(
			"🎉 **JACKPOT! DER ÜBERFALL WAR ERFOLGREICH!** 🎉\nDie Crew erbeutet **%d Coins**!",
			result.Round.Payout,
		)
		p.channelLog.Success(
			ctx,
			fmt.Sprintf("Heist erfolgreich: %d Coins an %d Teilnehmer ausgezahlt.", result.Round.Payout, len(result.Payouts)),
			"round_id", result.Round.ID,
		)
	case heistOutcomeFailure:
		content = "🚨 **POLIZEI! ALLE WURDEN GESCHNAPPT!** 💥\nEingesetzte Coins sind verloren!"
		p.channelLog.Info(
			ctx,
			fmt.Sprintf("Heist gescheitert: %d Coins gehen an die Bank.", result.Round.Pot),
			"round_id", result.Round.ID,
		)
	}
	if channelID := p.config.Channels.Economy; channelID != "" {
		_, _ = p.sendMessage(ctx, channelID, content)
	}
	p.events.Publish(
		EventHeistResolved, map[string]any{
			"round_id":   result.Round.ID,
			"outcome":    result.Outcome,
			"pot":        result.Round.Pot,
			"payout":     result.Round.Payout,
			"bank_after": result.BankAfter,
		},
	)
}

func (p *PrimeBot) cmdHeistJoin(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) == 0 {
		p.reply(ctx, cmd, p.usage(usageHeistJoin))
		return
	}
	amount, ok := parseAmount(cmd.args[0])
	if !ok {
		p.reply(ctx, cmd, p.usage(usageHeistJoin))
		return
	}

	pot, err := p.heist.Join(ctx, cmd.authorID(), amount)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		p.reply(ctx, cmd, msgBetAtLeastOne)
	case errors.Is(err, ErrHeistNotActive):
		p.reply(ctx, cmd, "❌ Gerade läuft kein Überfall.")
	case errors.Is(err, ErrInsufficientFunds):
		p.reply(ctx, cmd, msgNotEnoughCoins)
	case err != nil:
		cmd.logger.ErrorContext(ctx, "error joining heist", tint.Err(err))
	default:
		p.reply(
			ctx,
			cmd,
			fmt.Sprintf(
				"✅ %s steigt mit **%d Coins** in den Überfall ein! (Pot: **%d Coins**)",
				cmd.authorMention(),
				amount,
				pot,
			),
		)
		p.channelLog.Info(ctx, fmt.Sprintf("%s steigt mit %d Coins in den Heist ein.", cmd.authorName(), amount))
	}
}

func (p *PrimeBot) cmdHeistStatus(ctx context.Context, cmd *commandContext) {
	round, err := p.heist.Active(ctx)
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading heist", tint.Err(err))
		return
	}
	if round == nil {
		p.reply(ctx, cmd, "ℹ️ Gerade läuft kein Überfall.")
		return
	}
	bank, err := p.heist.Bank(ctx)
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading heist bank", tint.Err(err))
		return
	}

	remaining := round.deadline().Sub(p.now()).Truncate(time.Second)
	remainingText := "Anmeldung geschlossen"
	if remaining > 0 {
		remainingText = fmt.Sprintf("%d Min %02d Sek", int(remaining.Minutes()), int(remaining.Seconds())%60)
	}
	p.replyEmbed(
		ctx, cmd, &discordgo.MessageEmbed{
			Title: "🚨 Banküberfall läuft!",
			Color: embedColorRed,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "💰 Bankinhalt", Value: fmt.Sprintf("**%s Coins**", formatCoins(bank)), Inline: true},
				{Name: "🎯 Pot", Value: fmt.Sprintf("**%s Coins**", formatCoins(round.Pot)), Inline: true},
				{Name: "👥 Teilnehmer", Value: fmt.Sprintf("**%d**", len(round.Stakes)), Inline: true},
				{Name: "⏱️ Verbleibend", Value: remainingText},
			},
		},
	)
}
