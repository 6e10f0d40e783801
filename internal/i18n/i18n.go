// Package i18n translates semantic message codes into localized text.
// Catalogs are YAML files embedded at build time; unknown codes pass
// through unchanged so clients always receive something renderable.
package i18n

import (
	"embed"
	"fmt"
	"log"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Semantic codes used across handlers. The catalog maps them to text.
const (
	WrongData          = "WRONG_DATA"
	LimitReached       = "LIMIT_REACHED"
	UnknownError       = "UNKNOWN_ERROR"
	PleaseLoginAccount = "PLEASE_LOGIN_ACCOUNT"
	PleaseLoginUser    = "PLEASE_LOGIN_USER"
	OnlyGuest          = "ONLY_GUEST"

	AuthAccountNotFound = "AUTH_ACCOUNT_NOT_FOUND"
	AuthWrongPassword   = "AUTH_WRONG_PASSWORD"
	AuthUserNotFound    = "AUTH_USER_NOT_FOUND"
	AuthNameTaken       = "AUTH_NAME_TAKEN"
	AuthWeakPassword    = "AUTH_WEAK_PASSWORD"
	AuthWrongToken      = "AUTH_WRONG_TOKEN"

	MoveBlocked = "MOVE_BLOCKED"
	MoveTooFast = "MOVE_TOO_FAST"
)

// Catalog is one loaded locale.
type Catalog struct {
	locale   string
	messages map[string]string
}

// Load reads the embedded catalog for a locale ("en", "sl").
func Load(locale string) (*Catalog, error) {
	raw, err := localeFS.ReadFile("locales/" + locale + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("i18n: unknown locale %q: %w", locale, err)
	}
	messages := make(map[string]string)
	if err := yaml.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("i18n: parse %s catalog: %w", locale, err)
	}
	log.Printf("[i18n] loaded %s catalog, %d messages", locale, len(messages))
	return &Catalog{locale: locale, messages: messages}, nil
}

// MustLoad is Load that panics; used from startup wiring.
func MustLoad(locale string) *Catalog {
	c, err := Load(locale)
	if err != nil {
		panic(err)
	}
	return c
}

// Locale returns the catalog's locale identifier.
func (c *Catalog) Locale() string { return c.locale }

// T translates a code. Unknown codes return the code itself.
func (c *Catalog) T(code string) string {
	if text, ok := c.messages[code]; ok {
		return text
	}
	return code
}
