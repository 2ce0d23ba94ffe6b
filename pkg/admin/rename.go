package admin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	minLoginLength = 3
	maxLoginLength = 60
)

var (
	ErrLoginTooShort    = fmt.Errorf("login name must be at least %d characters", minLoginLength)
	ErrLoginTooLong     = fmt.Errorf("login name must be at most %d characters", maxLoginLength)
	ErrLoginCharacters  = errors.New("login name may only contain lowercase letters, digits and _ . @ -")
	ErrLoginReserved    = errors.New("login name is reserved")
	ErrLoginUnchanged   = errors.New("new login name is the same as the current one")
	ErrLoginUnavailable = errors.New("login name is already in use")
)

var loginPattern = regexp.MustCompile(`^[a-z0-9_.@-]+$`)

var reservedLogins = map[string]bool{
	"admin":         true,
	"administrator": true,
	"root":          true,
	"system":        true,
}

// NormalizeLogin lowercases and validates a requested login name
func NormalizeLogin(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case len(name) < minLoginLength:
		return "", ErrLoginTooShort
	case len(name) > maxLoginLength:
		return "", ErrLoginTooLong
	case !loginPattern.MatchString(name):
		return "", ErrLoginCharacters
	case reservedLogins[name]:
		return "", ErrLoginReserved
	}
	return name, nil
}

// validationError reports whether err is a rename input error
func validationError(err error) bool {
	for _, target := range []error{ErrLoginTooShort, ErrLoginTooLong, ErrLoginCharacters, ErrLoginReserved, ErrLoginUnchanged} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
