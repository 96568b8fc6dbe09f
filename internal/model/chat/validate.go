package chat

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

const (
	MaxSessionIDLength = 64
	MaxUsernameLength  = 32
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateSessionID checks a caller-supplied session id before it reaches the network.
func ValidateSessionID(id string) error {
	if id == "" {
		return apperr.Validation("session id is required")
	}
	if len(id) > MaxSessionIDLength {
		return apperr.Validation("session id longer than %d characters", MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return apperr.Validation("session id may only contain letters, digits and '-'")
	}
	return nil
}

// ValidateClientID applies the session id rules to a caller-supplied client id.
func ValidateClientID(id string) error {
	if id == "" || len(id) > MaxSessionIDLength || !sessionIDPattern.MatchString(id) {
		return apperr.Validation("invalid client id")
	}
	return nil
}

// NormalizeUsername trims name and validates it.
func NormalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("username is required")
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", apperr.Validation("username longer than %d characters", MaxUsernameLength)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "", apperr.Validation("username contains non-printable characters")
		}
	}
	return name, nil
}

// ValidateUsername is NormalizeUsername without the result.
func ValidateUsername(name string) error {
	_, err := NormalizeUsername(name)
	return err
}

// DefaultUsername derives a stable name from the client id.
func DefaultUsername(clientID string) string {
	prefix := clientID
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return "user-" + prefix
}
