package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

const MaxDisplayNameRunes = 50

// ValidateEmail validates an optional email address. Empty is allowed.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateDisplayName validates the name shown to other participants.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if err := ValidateStringLength(name, 1, MaxDisplayNameRunes, "display name"); err != nil {
		return err
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}

// ValidateURL validates an http(s) or ws(s) endpoint.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a stun: or turn: URL as accepted by ICE agents.
func ValidateICEURL(urlStr string) error {
	scheme, rest, ok := strings.Cut(urlStr, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE URL %q", urlStr)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE URL scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
	host, _, _ := strings.Cut(rest, "?")
	if strings.HasPrefix(host, "//") {
		return fmt.Errorf("ICE URL %q must not contain //", urlStr)
	}
	return nil
}

// ValidateUDPAddress validates a host:port a media source listens on.
func ValidateUDPAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return fmt.Errorf("invalid UDP address %q: %w", addr, err)
	}
	return nil
}

// ValidateMaxPeers validates a mesh participant ceiling.
func ValidateMaxPeers(maxPeers int) error {
	if maxPeers < 2 {
		return fmt.Errorf("max peers must be at least 2")
	}
	if maxPeers > 16 {
		return fmt.Errorf("max peers is too high for a full mesh (max 16)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
