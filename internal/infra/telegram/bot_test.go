package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"tg_market/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProfiles struct {
	profile *domain.UserProfile
	err     error
}

func (s stubProfiles) LoadProfile(ctx context.Context, id domain.Identity) (*domain.UserProfile, error) {
	return s.profile, s.err
}

type stubMarket struct {
	tokens []domain.MarketToken
	err    error
}

func (s stubMarket) LoadMarket(ctx context.Context) ([]domain.MarketToken, error) {
	return s.tokens, s.err
}

func testProfile() *domain.UserProfile {
	return &domain.UserProfile{
		ID:           "1",
		Username:     "ann_k",
		FirstName:    "Ann",
		Balance:      decimal.RequireFromString("1250.5"),
		StarsBalance: decimal.NewFromInt(7),
		Portfolio: map[string]domain.Holding{
			"TON": {Symbol: "TON", Amount: decimal.NewFromInt(2), AvgPrice: decimal.NewFromInt(5)},
		},
	}
}

func newTestBot(p ProfileLoader, m MarketLoader) *Bot {
	return &Bot{profiles: p, market: m, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestWelcomeText(t *testing.T) {
	assert.Equal(t, "Welcome, Ann!\nBalance: 1250.50\nOpen the market below to start trading.", WelcomeText(testProfile()))

	p := testProfile()
	p.FirstName = ""
	assert.Contains(t, WelcomeText(p), "Welcome, ann_k!")
}

func TestBalanceReply(t *testing.T) {
	b := newTestBot(stubProfiles{profile: testProfile()}, stubMarket{tokens: []domain.MarketToken{
		{ID: "TON", Price: decimal.RequireFromString("6.25")},
	}})

	text, err := b.balanceReply(context.Background(), domain.Identity{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "Balance: 1250.50\nStars: 7\nPortfolio value: 12.50\nPositions: 1", text)
}

func TestBalanceReply_MarketUnavailable(t *testing.T) {
	b := newTestBot(stubProfiles{profile: testProfile()}, stubMarket{err: errors.New("down")})

	text, err := b.balanceReply(context.Background(), domain.Identity{ID: "1"})
	require.NoError(t, err)
	assert.NotContains(t, text, "Portfolio value")
}

func TestStartReply_ProfileError(t *testing.T) {
	b := newTestBot(stubProfiles{err: errors.New("unreachable")}, stubMarket{})

	_, err := b.startReply(context.Background(), domain.Identity{ID: "1"})
	assert.Error(t, err)
}
