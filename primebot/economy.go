package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// xpPerCoin is the exchange rate for `prime convert xp`
const xpPerCoin = 10

// CoinBalance is a member's coin balance
type CoinBalance struct {
	UserID  string `gorm:"primaryKey;type:string" json:"user_id"`
	Balance int64  `gorm:"not null;default:0" json:"balance"`
}

func (CoinBalance) TableName() string {
	return "coins"
}

// Ledger moves coins. Every operation runs in a single transaction, and
// no operation leaves a balance below zero.
type Ledger struct {
	db DBI
}

func newLedger(db DBI) *Ledger {
	return &Ledger{db: db}
}

// credit adds amount to the user's balance, creating it if needed
func credit(tx *gorm.DB, userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return tx.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(
				map[string]any{"balance": gorm.Expr("coins.balance + ?", amount)},
			),
		},
	).Create(&CoinBalance{UserID: userID, Balance: amount}).Error
}

// debit removes amount from the user's balance. The balance is left
// untouched, and an error wrapping ErrInsufficientFunds is returned,
// if it's lower than amount.
func debit(tx *gorm.DB, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	rv := tx.Model(&CoinBalance{}).Where(
		"user_id = ? AND balance >= ?",
		userID,
		amount,
	).Update("balance", gorm.Expr("balance - ?", amount))
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return &insufficientFundsError{UserID: userID}
	}
	return nil
}

func balanceOf(tx *gorm.DB, userID string) (int64, error) {
	var rows []CoinBalance
	if err := tx.Where("user_id = ?", userID).Limit(1).Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Balance, nil
}

// Balance returns the user's balance. Users without a row have 0.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return balanceOf(l.db.DB().WithContext(ctx), userID)
}

func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) error {
	return l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return credit(tx, userID, amount)
		},
	)
}

func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) error {
	return l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return debit(tx, userID, amount)
		},
	)
}

// DebitAll debits amount from every user, or from none of them. The
// returned error identifies the first user (in the given order) that
// was short of funds.
func (l *Ledger) DebitAll(ctx context.Context, amount int64, userIDs ...string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, id := range userIDs {
				bal, err := balanceOf(tx, id)
				if err != nil {
					return err
				}
				if bal < amount {
					return &insufficientFundsError{UserID: id}
				}
			}
			for _, id := range userIDs {
				if err := debit(tx, id, amount); err != nil {
					return err
				}
			}
			return nil
		},
	)
}

// ConvertXP exchanges xp of the user's XP for xp/10 coins. The full xp
// is deducted, the remainder below the exchange unit is lost. The user's
// level is not recalculated.
func (l *Ledger) ConvertXP(ctx context.Context, userID string, xp int64) (coins int64, err error) {
	if xp <= 0 {
		return 0, ErrInvalidAmount
	}
	err = l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var users []LevelUser
			if err := tx.Where("user_id = ?", userID).Limit(1).Find(&users).Error; err != nil {
				return err
			}
			if len(users) == 0 || users[0].XP < xp {
				return ErrNotEnoughXP
			}
			coins = xp / xpPerCoin
			if coins == 0 {
				return ErrBelowExchangeUnit
			}
			if err := tx.Model(&LevelUser{}).Where("user_id = ?", userID).Update(
				columnLevelXP,
				gorm.Expr("xp - ?", xp),
			).Error; err != nil {
				return err
			}
			return credit(tx, userID, coins)
		},
	)
	if err != nil {
		return 0, err
	}
	return coins, nil
}

// Top returns the n largest balances
func (l *Ledger) Top(ctx context.Context, n int) ([]CoinBalance, error) {
	var rows []CoinBalance
	err := l.db.DB().WithContext(ctx).Order("balance DESC").Order("user_id").Limit(n).Find(&rows).Error
	return rows, err
}

func (p *PrimeBot) cmdConvertXP(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) == 0 {
		p.reply(ctx, cmd, p.usage(usageConvert))
		return
	}
	amount, ok := parseAmount(cmd.args[0])
	if !ok {
		p.reply(ctx, cmd, p.usage(usageConvert))
		return
	}

	coins, err := p.ledger.ConvertXP(ctx, cmd.authorID(), amount)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		p.reply(ctx, cmd, "❌ Du musst mehr als 0 XP umwandeln!")
	case errors.Is(err, ErrNotEnoughXP):
		p.reply(ctx, cmd, "❌ Du hast nicht genug XP!")
	case errors.Is(err, ErrBelowExchangeUnit):
		p.reply(ctx, cmd, "❌ Du brauchst mindestens 10 XP für 1 Coin!")
	case err != nil:
		cmd.logger.ErrorContext(ctx, "error converting xp", tint.Err(err))
	default:
		p.reply(
			ctx,
			cmd,
			fmt.Sprintf("✅ Du hast **%d XP** in **%d Coins** umgewandelt!", amount, coins),
		)
		p.channelLog.Success(
			ctx,
			fmt.Sprintf("%s hat %d XP in %d Coins umgewandelt.", cmd.authorName(), amount, coins),
		)
	}
}

func (p *PrimeBot) cmdBank(ctx context.Context, cmd *commandContext) {
	balance, err := p.ledger.Balance(ctx, cmd.authorID())
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading balance", tint.Err(err))
		return
	}
	bank, err := p.heist.Bank(ctx)
	if err != nil {
		cmd.logger.ErrorContext(ctx, "error loading heist bank", tint.Err(err))
		return
	}
	p.replyEmbed(
		ctx, cmd, &discordgo.MessageEmbed{
			Title: "🏦 PRIME-Bank",
			Color: embedColorGold,
			Fields: []*discordgo.MessageEmbedField{
				{
					Name:   "Dein Kontostand",
					Value:  fmt.Sprintf("**%s Coins**", formatCoins(balance)),
					Inline: true,
				},
				{
					Name:   "Bankinhalt",
					Value:  fmt.Sprintf("**%s Coins**", formatCoins(bank)),
					Inline: true,
				},
			},
			Footer: &discordgo.MessageEmbedFooter{Text: cmd.authorName()},
		},
	)
}

// Wager debits bet from the user and credits payout, in one transaction.
// Nothing is credited if the debit fails.
func (l *Ledger) Wager(ctx context.Context, userID string, bet int64, payout int64) error {
	if bet <= 0 || payout < 0 {
		return ErrInvalidAmount
	}
	return l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := debit(tx, userID, bet); err != nil {
				return err
			}
			if payout == 0 {
				return nil
			}
			return credit(tx, userID, payout)
		},
	)
}
