package domain

import (
	"strings"
	"time"
)

// SlideDuration is how long each promo slide stays on screen
const SlideDuration = 5 * time.Second

// PromoSlide is one entry of the rotating promotional banner
type PromoSlide struct {
	Title           string `json:"title"`
	ButtonText      string `json:"buttonText"`
	ButtonLink      string `json:"buttonLink"`
	BackgroundImage string `json:"backgroundImage"`
	IconImage       string `json:"iconImage"`
}

// IsExternal reports whether the button leaves the mini-app
func (s PromoSlide) IsExternal() bool {
	return strings.HasPrefix(s.ButtonLink, "https://") || strings.HasPrefix(s.ButtonLink, "http://")
}

// DefaultSlides is the static promotional feed
func DefaultSlides() []PromoSlide {
	return []PromoSlide{
		{
			Title:           "Join our Telegram & get 5 Blyx!",
			ButtonText:      "Join",
			ButtonLink:      "https://t.me/BitlyNews",
			BackgroundImage: "Sprites/WaveBg.png",
			IconImage:       "Sprites/news1.png",
		},
		{
			Title:           "Find the Next Gem! Trade Tokens",
			ButtonText:      "Trade",
			ButtonLink:      "markets.html",
			BackgroundImage: "Sprites/WaveBg.png",
			IconImage:       "Sprites/news2.png",
		},
		{
			Title:           "Invite Friends & Earn Together",
			ButtonText:      "Invite",
			ButtonLink:      "crypto_info.html",
			BackgroundImage: "Sprites/WaveBg.png",
			IconImage:       "Sprites/news3.png",
		},
	}
}

// SlideIndexAt returns the slide shown after elapsed time of rotation.
// Returns -1 when there is nothing to show.
func SlideIndexAt(elapsed, perSlide time.Duration, count int) int {
	if count <= 0 {
		return -1
	}
	if perSlide <= 0 || elapsed < 0 {
		return 0
	}
	return int((elapsed / perSlide) % time.Duration(count))
}
