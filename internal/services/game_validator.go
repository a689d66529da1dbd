package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFallbackGameID is the synthetic game used when no valid selection survives
const DefaultFallbackGameID int64 = 1

// ValidGame is a (game, price) pair that passed validation
type ValidGame struct {
	GameID int64
	Price  decimal.Decimal
}

// GameValidationResult is the outcome of ValidateGameData
type GameValidationResult struct {
	IsValid    bool
	ValidGames []ValidGame
	Errors     []string
	Warnings   []string
}

// Total returns the sum of valid game prices
func (r GameValidationResult) Total() decimal.Decimal {
	total := decimal.Zero
	for _, g := range r.ValidGames {
		total = total.Add(g.Price)
	}
	return total
}

// ValidateGameData pairs gameIDs[i] with gamePrices[i].
// A pair with a non-positive id or a missing or non-positive price is an error.
// A sum that differs from expectedTotal by more than tolerance is only a warning,
// since the gateway has already captured the money.
func ValidateGameData(gameIDs []int64, gamePrices []decimal.NullDecimal, expectedTotal, tolerance decimal.Decimal) GameValidationResult {
	result := GameValidationResult{
		ValidGames: []ValidGame{},
	}

	if len(gameIDs) == 0 {
		result.Errors = append(result.Errors, "no games selected")
	}
	if len(gamePrices) > len(gameIDs) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d prices supplied for %d games, extra prices ignored", len(gamePrices), len(gameIDs)))
	}

	for i, gameID := range gameIDs {
		if gameID <= 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("game %d: invalid game id %d", i, gameID))
			continue
		}
		if i >= len(gamePrices) || !gamePrices[i].Valid {
			result.Errors = append(result.Errors, fmt.Sprintf("game %d: missing price for game id %d", i, gameID))
			continue
		}
		price := gamePrices[i].Decimal
		if !price.IsPositive() {
			result.Errors = append(result.Errors, fmt.Sprintf("game %d: invalid price %s for game id %d", i, price.String(), gameID))
			continue
		}
		result.ValidGames = append(result.ValidGames, ValidGame{GameID: gameID, Price: price})
	}

	if len(result.ValidGames) > 0 && expectedTotal.IsPositive() {
		sum := result.Total()
		if sum.Sub(expectedTotal).Abs().GreaterThan(tolerance) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("game prices sum to %s but expected total is %s", sum.StringFixed(2), expectedTotal.StringFixed(2)))
		}
	}

	result.IsValid = len(result.Errors) == 0 && len(result.ValidGames) > 0
	return result
}

// CreateFallbackGame returns a single synthetic game priced at the full total
func CreateFallbackGame(expectedTotal decimal.Decimal) ValidGame {
	return CreateFallbackGameWithID(DefaultFallbackGameID, expectedTotal)
}

// CreateFallbackGameWithID is CreateFallbackGame with a configured game id
func CreateFallbackGameWithID(gameID int64, expectedTotal decimal.Decimal) ValidGame {
	if gameID <= 0 {
		gameID = DefaultFallbackGameID
	}
	return ValidGame{GameID: gameID, Price: expectedTotal}
}
