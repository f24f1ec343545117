package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
)

const (
	embedColorGreen    = 0x00FF00
	embedColorRed      = 0xFF0000
	embedColorYellow   = 0xFFFF00
	embedColorDuel     = 0xFF4500
	embedColorRoulette = 0x228B22
	embedColorSlots    = 0x8A2BE2

	duelDieSides   = 20
	rouletteSlots  = 37
	rouletteNumber = 35
	evenMoney      = 2

	rouletteGreen = "grün"
	rouletteRed   = "rot"
	rouletteBlack = "schwarz"
	rouletteEven  = "gerade"
	rouletteOdd   = "ungerade"

	gameDuel     = "duel"
	gameRoulette = "roulette"
	gameSlots    = "slots"
)

var rouletteRedNumbers = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true,
	14: true, 16: true, 18: true, 19: true, 21: true, 23: true,
	25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

// slotSymbols are the faces of every reel
var slotSymbols = []string{"🍒", "🍋", "🍊", "🍇", "💎", "7️⃣"}

// rouletteColor returns the colour of a pocket. 0 is green.
func rouletteColor(n int) string {
	switch {
	case n == 0:
		return rouletteGreen
	case rouletteRedNumbers[n]:
		return rouletteRed
	default:
		return rouletteBlack
	}
}

// rouletteParity returns "gerade" for even non-zero pockets, and
// "ungerade" for everything else (including 0)
func rouletteParity(n int) string {
	if n != 0 && n%2 == 0 {
		return rouletteEven
	}
	return rouletteOdd
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// roulettePayout returns the coins won by wager on the given pocket:
// 35x for an exact number, 2x for a matching colour, 2x for a matching
// parity (never on 0), otherwise nothing
func roulettePayout(number int, wager string, bet int64) int64 {
	wager = strings.ToLower(wager)
	if isDigits(wager) {
		n, err := strconv.Atoi(wager)
		if err == nil && n == number {
			return bet * rouletteNumber
		}
		return 0
	}
	switch {
	case wager == rouletteColor(number):
		return bet * evenMoney
	case number != 0 && wager == rouletteParity(number):
		return bet * evenMoney
	}
	return 0
}

// slotsPayout returns the coins won by a spin: 10x for three 7s, 5x for
// three diamonds, 3x for any other triple and 2x for any pair
func slotsPayout(reels [3]string, bet int64) int64 {
	a, b, c := reels[0], reels[1], reels[2]
	switch {
	case a == b && b == c:
		switch a {
		case "7️⃣":
			return bet * 10
		case "💎":
			return bet * 5
		default:
			return bet * 3
		}
	case a == b || b == c || a == c:
		return bet * 2
	}
	return 0
}

func (p *PrimeBot) spinSlots() [3]string {
	var reels [3]string
	for i := range reels {
		reels[i] = slotSymbols[p.rng.IntN(len(slotSymbols))]
	}
	return reels
}

// addGameResult adds the win/loss field to embed, and sets its colour
func addGameResult(embed *discordgo.MessageEmbed, payout int64) {
	if payout > 0 {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "🎉 GEWINN!",
				Value: fmt.Sprintf("**+%d Coins**", payout),
			},
		)
		embed.Color = embedColorGreen
		return
	}
	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name:  "😞 VERLOREN",
			Value: "Versuch es beim nächsten Mal!",
		},
	)
	embed.Color = embedColorRed
}

// parseBet parses a bet argument, replying with usage if it isn't a
// number, or with msgBetAtLeastOne if it's not positive
func (p *PrimeBot) parseBet(ctx context.Context, cmd *commandContext, arg string, usage string) (int64, bool) {
	bet, ok := parseAmount(arg)
	if !ok {
		p.reply(ctx, cmd, p.usage(usage))
		return 0, false
	}
	if bet <= 0 {
		p.reply(ctx, cmd, msgBetAtLeastOne)
		return 0, false
	}
	return bet, true
}

func (p *PrimeBot) publishGameResult(game string, userID string, bet int64, payout int64) {
	p.events.Publish(
		EventGameResult, map[string]any{
			"game":    game,
			"user_id": userID,
			"bet":     bet,
			"payout":  payout,
		},
	)
}

func (p *PrimeBot) cmdRouletteBet(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) < 2 {
		p.reply(ctx, cmd, p.usage(usageRoulette))
		return
	}
	bet, ok := p.parseBet(ctx, cmd, cmd.args[0], usageRoulette)
	if !ok {
		return
	}
	wager := strings.ToLower(cmd.args[1])

	number := p.rng.IntN(rouletteSlots)
	payout := roulettePayout(number, wager, bet)
	err := p.ledger.Wager(ctx, cmd.authorID(), bet, payout)
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		p.reply(ctx, cmd, msgNotEnoughCoins)
		return
	case err != nil:
		cmd.logger.ErrorContext(ctx, "error settling roulette bet", tint.Err(err))
		return
	}

	embed := &discordgo.MessageEmbed{
		Title: "🎯 PRIME ROULETTE",
		Color: embedColorRoulette,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Gedreht wurde", Value: fmt.Sprintf("**%d** (%s)", number, rouletteColor(number))},
			{Name: "Deine Wette", Value: fmt.Sprintf("**%s**", wager)},
		},
	}
	addGameResult(embed, payout)
	if payout > 0 {
		p.channelLog.Success(
			ctx,
			fmt.Sprintf("%s hat %d Coins im Roulette gewonnen (Einsatz: %d).", cmd.authorName(), payout, bet),
		)
	} else {
		p.channelLog.Info(ctx, fmt.Sprintf("%s hat %d Coins im Roulette verloren.", cmd.authorName(), bet))
	}
	p.replyEmbed(ctx, cmd, embed)
	p.publishGameResult(gameRoulette, cmd.authorID(), bet, payout)
}

func (p *PrimeBot) cmdSlotsPlay(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) < 1 {
		p.reply(ctx, cmd, p.usage(usageSlots))
		return
	}
	bet, ok := p.parseBet(ctx, cmd, cmd.args[0], usageSlots)
	if !ok {
		return
	}

	reels := p.spinSlots()
	payout := slotsPayout(reels, bet)
	err := p.ledger.Wager(ctx, cmd.authorID(), bet, payout)
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		p.reply(ctx, cmd, msgNotEnoughCoins)
		return
	case err != nil:
		cmd.logger.ErrorContext(ctx, "error settling slots bet", tint.Err(err))
		return
	}

	embed := &discordgo.MessageEmbed{
		Title: "🎰 PRIME SLOTS",
		Color: embedColorSlots,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Dein Einsatz", Value: fmt.Sprintf("**%d** Coins", bet)},
			{Name: "Walzen", Value: fmt.Sprintf("**%s**", strings.Join(reels[:], " | "))},
		},
	}
	addGameResult(embed, payout)
	if payout > 0 {
		p.channelLog.Success(
			ctx,
			fmt.Sprintf("%s hat %d Coins im Slots gewonnen (Einsatz: %d).", cmd.authorName(), payout, bet),
		)
	} else {
		p.channelLog.Info(ctx, fmt.Sprintf("%s hat %d Coins im Slots verloren.", cmd.authorName(), bet))
	}
	p.replyEmbed(ctx, cmd, embed)
	p.publishGameResult(gameSlots, cmd.authorID(), bet, payout)
}

func (p *PrimeBot) cmdDuelChallenge(ctx context.Context, cmd *commandContext) {
	if len(cmd.args) < 2 {
		p.reply(ctx, cmd, p.usage(usageDuel))
		return
	}
	opponent, err := p.resolveUser(cmd.msg, cmd.args[0])
	if err != nil || opponent == nil {
		p.reply(ctx, cmd, p.usage(usageDuel))
		return
	}
	if opponent.Bot {
		p.reply(ctx, cmd, "❌ Du kannst nicht gegen einen Bot duellieren!")
		return
	}
	if opponent.ID == cmd.authorID() {
		p.reply(ctx, cmd, "❌ Du kannst nicht gegen dich selbst spielen!")
		return
	}
	bet, ok := p.parseBet(ctx, cmd, cmd.args[1], usageDuel)
	if !ok {
		return
	}

	challenger := cmd.msg.Author
	err = p.ledger.DebitAll(ctx, bet, challenger.ID, opponent.ID)
	var short *insufficientFundsError
	switch {
	case errors.As(err, &short):
		p.reply(ctx, cmd, fmt.Sprintf("❌ <@%s> hat nicht genug Coins!", short.UserID))
		return
	case err != nil:
		cmd.logger.ErrorContext(ctx, "error debiting duel stakes", tint.Err(err))
		return
	}

	p.reply(
		ctx,
		cmd,
		fmt.Sprintf(
			"🎲 %s fordert %s zu einem **Würfelduell** mit **%d Coins** Einsatz heraus!",
			challenger.Mention(),
			opponent.Mention(),
			bet,
		),
	)
	// stakes are already debited, so the duel is settled even if the bot
	// is shutting down
	sleepContext(ctx, p.config.Economy.DuelSuspense)
	ctx = context.WithoutCancel(ctx)
	p.reply(ctx, cmd, fmt.Sprintf("%s, du wurdest herausgefordert! Der Kampf beginnt...", opponent.Mention()))

	challengerRoll := randBetween(p.rng, 1, duelDieSides)
	opponentRoll := randBetween(p.rng, 1, duelDieSides)
	challengerName := cmd.authorName()
	opponentName := p.memberName(cmd.msg.GuildID, opponent)

	embed := &discordgo.MessageEmbed{
		Title: "🎲 WÜRFELDUELL",
		Color: embedColorDuel,
		Fields: []*discordgo.MessageEmbedField{
			{Name: challengerName, Value: fmt.Sprintf("🎲 **%d**", challengerRoll), Inline: true},
			{Name: opponentName, Value: fmt.Sprintf("🎲 **%d**", opponentRoll), Inline: true},
		},
	}

	if challengerRoll == opponentRoll {
		refund := bet / 2
		if refund > 0 {
			for _, id := range []string{challenger.ID, opponent.ID} {
				if err := p.ledger.Credit(ctx, id, refund); err != nil {
					cmd.logger.ErrorContext(ctx, "error refunding duel stake", tint.Err(err), "user_id", id)
				}
			}
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "⚔️ UNENTSCHIEDEN",
				Value: "Der Einsatz wird zur Hälfte zurückerstattet!",
			},
		)
		embed.Color = embedColorYellow
		p.channelLog.Info(
			ctx,
			fmt.Sprintf("Duell zwischen %s und %s endete unentschieden.", challengerName, opponentName),
		)
		p.replyEmbed(ctx, cmd, embed)
		p.publishGameResult(gameDuel, challenger.ID, bet, refund)
		return
	}

	winner, winnerName, loserName := challenger, challengerName, opponentName
	if opponentRoll > challengerRoll {
		winner, winnerName, loserName = opponent, opponentName, challengerName
	}
	pot := bet * 2
	if err := p.ledger.Credit(ctx, winner.ID, pot); err != nil {
		cmd.logger.ErrorContext(ctx, "error paying duel winner", tint.Err(err), "user_id", winner.ID)
	}
	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name:  "🏆 GEWINNER",
			Value: fmt.Sprintf("%s gewinnt **%d Coins**!", winner.Mention(), pot),
		},
	)
	embed.Color = embedColorGreen
	p.channelLog.Success(
		ctx,
		fmt.Sprintf("%s hat das Duell gegen %s gewonnen (%d Coins).", winnerName, loserName, pot),
	)
	p.replyEmbed(ctx, cmd, embed)
	p.publishGameResult(gameDuel, winner.ID, bet, pot)
}
