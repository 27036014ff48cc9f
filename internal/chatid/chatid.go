package chatid

import (
	"errors"
	"strings"
)

// ChatID is a canonical chat identifier: "<digits>@c.us" for individual
// chats, "<id>@g.us" for groups.
type ChatID string

const (
	UserSuffix  = "@c.us"
	GroupSuffix = "@g.us"

	DefaultCountryCode = "62"
	trunkPrefix        = '0'
)

var ErrInvalidNumber = errors.New("invalid number")

// Normalizer maps user supplied phone numbers to chat ids.
type Normalizer struct {
	CountryCode string
}

var defaultNormalizer = Normalizer{CountryCode: DefaultCountryCode}

// Normalize uses the default country code.
func Normalize(input string) (ChatID, error) {
	return defaultNormalizer.Normalize(input)
}

// Normalize returns group ids unchanged. Anything else is reduced to its
// digits, a leading trunk "0" is swapped for the country code and the
// individual-chat suffix is appended.
func (n Normalizer) Normalize(input string) (ChatID, error) {
	input = strings.TrimSpace(input)
	if strings.HasSuffix(input, GroupSuffix) {
		return ChatID(input), nil
	}

	digits := onlyDigits(input)
	if digits == "" {
		return "", ErrInvalidNumber
	}

	cc := n.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}
	if digits[0] == trunkPrefix {
		digits = cc + digits[1:]
	}

	return ChatID(digits + UserSuffix), nil
}

// DisplayForm strips the domain suffix for logs and webhook payloads.
func DisplayForm(id ChatID) string {
	s := string(id)
	if v, ok := strings.CutSuffix(s, UserSuffix); ok {
		return v
	}
	if v, ok := strings.CutSuffix(s, GroupSuffix); ok {
		return v
	}
	return s
}

func IsGroup(id ChatID) bool {
	return strings.HasSuffix(string(id), GroupSuffix)
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
