package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Collection and local snapshot keys shared by the read layer and the stores
const (
	UsersCollection  = "users"
	TokensCollection = "tokens"

	// DefaultUsername replaces a missing platform username
	DefaultUsername = "Anon"
	// DefaultTradeRating is the rating every new profile starts with
	DefaultTradeRating = 100
)

// Identity is the identity descriptor supplied verbatim by the host platform.
// ID is the string form of the platform's numeric user id.
type Identity struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	PhotoURL  string `json:"photo_url"`
}

// Valid reports whether the identity can key a profile document
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ID) != ""
}

// PlatformFields are the profile fields owned by the host platform.
// They always win over stale stored copies.
type PlatformFields struct {
	Username      string
	UsernameLower string
	FirstName     string
	PhotoURL      string
}

// Platform computes the fresh platform patch for an identity
func (i Identity) Platform() PlatformFields {
	username := i.Username
	if username == "" {
		username = DefaultUsername
	}
	return PlatformFields{
		Username:      username,
		UsernameLower: strings.ToLower(username),
		FirstName:     i.FirstName,
		PhotoURL:      i.PhotoURL,
	}
}

// Patch returns the partial-update document for the platform fields
func (p PlatformFields) Patch(schema ProfileSchema) map[string]any {
	patch := map[string]any{
		"username":   p.Username,
		"first_name": p.FirstName,
		"photoUrl":   p.PhotoURL,
	}
	if schema.LowercaseUsername {
		patch["username_lower"] = p.UsernameLower
	}
	return patch
}

// ProfileSchema selects which optional profile fields are written.
// The zero value writes the minimal schema; DefaultProfileSchema is the richest.
type ProfileSchema struct {
	LowercaseUsername bool
	TradeStats        bool
	PrivacyConsent    bool
	InitialRating     int64
}

// DefaultProfileSchema returns the canonical schema with every optional field
func DefaultProfileSchema() ProfileSchema {
	return ProfileSchema{
		LowercaseUsername: true,
		TradeStats:        true,
		PrivacyConsent:    true,
		InitialRating:     DefaultTradeRating,
	}
}

// Holding is a single portfolio position
type Holding struct {
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
}

// Value returns amount * price
func (h Holding) Value(price decimal.Decimal) decimal.Decimal {
	return h.Amount.Mul(price)
}

// TradeRecord is one entry of the transaction log. Written by trading flows.
type TradeRecord struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"` // "BUY", "SELL"
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"createdAt"`
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// UserProfile is the remote user document
type UserProfile struct {
	// Platform identity
	ID            string `json:"id"`
	Username      string `json:"username"`
	UsernameLower string `json:"username_lower,omitempty"`
	FirstName     string `json:"first_name"`
	PhotoURL      string `json:"photoUrl"`

	// Economic state
	Balance      decimal.Decimal `json:"balance"`
	StarsBalance decimal.Decimal `json:"starsBalance"`
	TradesCount  int64           `json:"tradesCount"`
	TradeRating  int64           `json:"tradeRating"`

	Portfolio    map[string]Holding `json:"portfolio"`
	Transactions []TradeRecord      `json:"transactions"`

	CreatedAt       time.Time `json:"createdAt"`
	PrivacyAccepted bool      `json:"privacyAccepted"`
}

// NewProfile builds the record written on first access by an identity:
// zeroed economic fields, the initial rating and empty collections.
func NewProfile(id Identity, schema ProfileSchema, now time.Time) *UserProfile {
	p := &UserProfile{
		ID:           id.ID,
		Balance:      decimal.Zero,
		StarsBalance: decimal.Zero,
		Portfolio:    map[string]Holding{},
		Transactions: []TradeRecord{},
		CreatedAt:    now.UTC(),
	}
	if schema.TradeStats {
		p.TradeRating = schema.InitialRating
	}
	p.ApplyPlatform(id.Platform(), schema)
	return p
}

// ApplyPlatform overwrites the platform-owned fields. Economic fields are untouched.
func (u *UserProfile) ApplyPlatform(p PlatformFields, schema ProfileSchema) {
	u.Username = p.Username
	u.FirstName = p.FirstName
	u.PhotoURL = p.PhotoURL
	if schema.LowercaseUsername {
		u.UsernameLower = p.UsernameLower
	}
}

// Document returns the full document written when the profile is created
func (u *UserProfile) Document(schema ProfileSchema) map[string]any {
	portfolio := u.Portfolio
	if portfolio == nil {
		portfolio = map[string]Holding{}
	}
	transactions := u.Transactions
	if transactions == nil {
		transactions = []TradeRecord{}
	}

	doc := map[string]any{
		"id":           u.ID,
		"username":     u.Username,
		"first_name":   u.FirstName,
		"photoUrl":     u.PhotoURL,
		"balance":      u.Balance,
		"starsBalance": u.StarsBalance,
		"portfolio":    portfolio,
		"transactions": transactions,
		"createdAt":    u.CreatedAt,
	}
	if schema.LowercaseUsername {
		doc["username_lower"] = u.UsernameLower
	}
	if schema.TradeStats {
		doc["tradesCount"] = u.TradesCount
		doc["tradeRating"] = u.TradeRating
	}
	if schema.PrivacyConsent {
		doc["privacyAccepted"] = u.PrivacyAccepted
	}
	return doc
}

// PortfolioValue computes the quote value of all holdings.
// prices: map of symbol -> current token price.
// Holdings without a known price are skipped.
func (u *UserProfile) PortfolioValue(prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for symbol, holding := range u.Portfolio {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		total = total.Add(holding.Value(price))
	}
	return total
}
