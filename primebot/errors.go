package primebot

import "errors"

var (
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive bets, stakes and
	// conversions
	ErrInvalidAmount = errors.New("amount must be greater than 0")

	ErrNotEnoughXP = errors.New("not enough XP")

	// ErrBelowExchangeUnit is returned when converting less XP than is
	// needed for a single coin
	ErrBelowExchangeUnit = errors.New("amount is below the exchange unit")

	ErrHeistNotActive = errors.New("no heist is active")
	ErrHeistActive    = errors.New("a heist is already active")

	ErrAlreadyWatched = errors.New("streamer is already watched")

	// ErrInvalidBirthday is returned for malformed, impossible or future
	// birth dates
	ErrInvalidBirthday = errors.New("invalid birthday")
)

// insufficientFundsError identifies which user was short of funds in a
// multi-party debit
type insufficientFundsError struct {
	UserID string
}

func (e *insufficientFundsError) Error() string {
	return "insufficient funds: " + e.UserID
}

func (e *insufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
