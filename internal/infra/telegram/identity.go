package telegram

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"tg_market/internal/domain"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/telebot.v4"
)

var json = jsoniter.Config{UseNumber: true}.Froze()

// webAppUser is the "user" object of Telegram WebApp init data
type webAppUser struct {
	ID        jsoniter.Number `json:"id"`
	Username  string          `json:"username"`
	FirstName string          `json:"first_name"`
	PhotoURL  string          `json:"photo_url"`
}

// ParseInitData extracts the identity from url-encoded WebApp init data.
// The hash is not verified: the host platform is trusted verbatim.
func ParseInitData(raw string) (domain.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty init data", domain.ErrInvalidIdentity)
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return domain.Identity{}, fmt.Errorf("%w: init data has no user", domain.ErrInvalidIdentity)
	}

	var u webAppUser
	if err := json.UnmarshalFromString(userJSON, &u); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
	}

	id := domain.Identity{
		ID:        u.ID.String(),
		Username:  u.Username,
		FirstName: u.FirstName,
		PhotoURL:  u.PhotoURL,
	}
	if !id.Valid() {
		return domain.Identity{}, fmt.Errorf("%w: user has no id", domain.ErrInvalidIdentity)
	}
	return id, nil
}

// FromSender converts the sender of a bot update
func FromSender(u *telebot.User) domain.Identity {
	if u == nil {
		return domain.Identity{}
	}
	return domain.Identity{
		ID:        strconv.FormatInt(u.ID, 10),
		Username:  u.Username,
		FirstName: u.FirstName,
	}
}

// Resolver turns init data into an identity, using Fallback outside Telegram
type Resolver struct {
	Fallback domain.Identity
}

// Resolve returns the platform identity and true, or the fallback and false
func (r Resolver) Resolve(initData string) (domain.Identity, bool) {
	id, err := ParseInitData(initData)
	if err != nil {
		return r.Fallback, false
	}
	return id, true
}
