package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tg_market/internal/domain"

	"gopkg.in/telebot.v4"
)

const replyTimeout = 10 * time.Second

// ProfileLoader is the part of the read layer the bot uses
type ProfileLoader interface {
	LoadProfile(ctx context.Context, id domain.Identity) (*domain.UserProfile, error)
}

// MarketLoader provides current token prices for portfolio valuation
type MarketLoader interface {
	LoadMarket(ctx context.Context) ([]domain.MarketToken, error)
}

// BotConfig configures the companion bot
type BotConfig struct {
	Token     string
	WebAppURL string
}

// Bot is the companion Telegram bot that opens the mini-app
type Bot struct {
	bot       *telebot.Bot
	profiles  ProfileLoader
	market    MarketLoader
	webAppURL string
	logger    *slog.Logger
}

// NewBot connects to the Bot API and registers command handlers
func NewBot(cfg BotConfig, profiles ProfileLoader, market MarketLoader, logger *slog.Logger) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.Token,
		Poller: &telebot.LongPoller{Timeout: 5 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	b := &Bot{
		bot:       tb,
		profiles:  profiles,
		market:    market,
		webAppURL: cfg.WebAppURL,
		logger:    logger,
	}
	tb.Handle("/start", b.handleStart)
	tb.Handle("/balance", b.handleBalance)
	return b, nil
}

// Start polls for updates until Stop is called
func (b *Bot) Start() {
	b.logger.Info("Starting Telegram bot", slog.String("username", b.bot.Me.Username))
	b.bot.Start()
}

// Stop ends polling
func (b *Bot) Stop() {
	b.bot.Stop()
}

func (b *Bot) handleStart(c telebot.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	text, err := b.startReply(ctx, FromSender(c.Sender()))
	if err != nil {
		return c.Send("Sorry, your profile is unavailable right now. Try again later.")
	}

	menu := &telebot.ReplyMarkup{}
	menu.Inline(menu.Row(menu.WebApp("Open market", &telebot.WebApp{URL: b.webAppURL})))
	return c.Send(text, menu)
}

func (b *Bot) handleBalance(c telebot.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	text, err := b.balanceReply(ctx, FromSender(c.Sender()))
	if err != nil {
		return c.Send("Sorry, your balance is unavailable right now. Try again later.")
	}
	return c.Send(text)
}

func (b *Bot) startReply(ctx context.Context, id domain.Identity) (string, error) {
	profile, err := b.profiles.LoadProfile(ctx, id)
	if err != nil {
		b.logger.Warn("Bot failed to load profile", slog.String("user", id.ID), slog.Any("error", err))
		return "", err
	}
	return WelcomeText(profile), nil
}

func (b *Bot) balanceReply(ctx context.Context, id domain.Identity) (string, error) {
	profile, err := b.profiles.LoadProfile(ctx, id)
	if err != nil {
		b.logger.Warn("Bot failed to load profile", slog.String("user", id.ID), slog.Any("error", err))
		return "", err
	}

	tokens, err := b.market.LoadMarket(ctx)
	if err != nil {
		// Reply without valuation
		b.logger.Warn("Bot failed to load market", slog.Any("error", err))
		tokens = nil
	}
	return BalanceText(profile, tokens), nil
}

// WelcomeText is the /start reply
func WelcomeText(p *domain.UserProfile) string {
	name := p.FirstName
	if name == "" {
		name = p.Username
	}
	return fmt.Sprintf("Welcome, %s!\nBalance: %s\nOpen the market below to start trading.", name, p.Balance.StringFixed(2))
}

// BalanceText is the /balance reply
func BalanceText(p *domain.UserProfile, tokens []domain.MarketToken) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: %s\n", p.Balance.StringFixed(2))
	fmt.Fprintf(&sb, "Stars: %s\n", p.StarsBalance.StringFixed(0))
	if len(tokens) > 0 {
		value := p.PortfolioValue(domain.PriceMap(tokens))
		fmt.Fprintf(&sb, "Portfolio value: %s\n", value.StringFixed(2))
	}
	fmt.Fprintf(&sb, "Positions: %d", len(p.Portfolio))
	return sb.String()
}
