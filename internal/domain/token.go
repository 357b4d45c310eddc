package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// MarketToken is a token document of the "tokens" collection.
// Prices are static documents; nothing here computes them.
type MarketToken struct {
	ID          string           `json:"id"` // Symbol, also the document key
	Name        string           `json:"name"`
	Price       decimal.Decimal  `json:"price"`
	Change      decimal.Decimal  `json:"change"` // 24h change (%)
	Image       string           `json:"image"`
	Description string           `json:"description"`
	Supply      *decimal.Decimal `json:"supply,omitempty"`
	MarketCap   *decimal.Decimal `json:"marketCap,omitempty"`
	Holders     *int64           `json:"holders,omitempty"`
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (t MarketToken) ChangeDirection() string {
	if t.Change.IsPositive() {
		return "positive"
	}
	if t.Change.IsNegative() {
		return "negative"
	}
	return "neutral"
}

// SortTokens orders tokens by symbol for consistent delivery
func SortTokens(tokens []MarketToken) {
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].ID < tokens[j].ID
	})
}

// PriceMap indexes token prices by symbol
func PriceMap(tokens []MarketToken) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(tokens))
	for _, t := range tokens {
		prices[t.ID] = t.Price
	}
	return prices
}

// StarterTokens is the fixed set written once into an empty market.
func StarterTokens() []MarketToken {
	supply := func(v int64) *decimal.Decimal {
		d := decimal.NewFromInt(v)
		return &d
	}
	holders := func(v int64) *int64 { return &v }

	return []MarketToken{
		{
			ID:          "BLYX",
			Name:        "Blyx",
			Price:       decimal.RequireFromString("0.05"),
			Change:      decimal.RequireFromString("12.5"),
			Image:       "Sprites/tokens/blyx.png",
			Description: "Native token of the Blyx market.",
			Supply:      supply(1_000_000_000),
			MarketCap:   supply(50_000_000),
			Holders:     holders(1200),
		},
		{
			ID:          "TON",
			Name:        "Toncoin",
			Price:       decimal.RequireFromString("5.42"),
			Change:      decimal.RequireFromString("-1.3"),
			Image:       "Sprites/tokens/ton.png",
			Description: "Native currency of The Open Network.",
		},
		{
			ID:          "NOT",
			Name:        "Notcoin",
			Price:       decimal.RequireFromString("0.0078"),
			Change:      decimal.RequireFromString("4.1"),
			Image:       "Sprites/tokens/not.png",
			Description: "Community token born from a tap game.",
		},
		{
			ID:          "DOGS",
			Name:        "Dogs",
			Price:       decimal.RequireFromString("0.00071"),
			Change:      decimal.RequireFromString("-2.6"),
			Image:       "Sprites/tokens/dogs.png",
			Description: "Telegram community memecoin.",
		},
		{
			ID:          "HMSTR",
			Name:        "Hamster Kombat",
			Price:       decimal.RequireFromString("0.0042"),
			Change:      decimal.Zero,
			Image:       "Sprites/tokens/hmstr.png",
			Description: "Token of the Hamster Kombat game.",
		},
	}
}
