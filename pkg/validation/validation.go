package validation

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes bounds a text message accepted by the admin API.
const MaxMessageBytes = 64 << 10

// StatusRegex validates the free-form presence status of a node.
var StatusRegex = regexp.MustCompile(`^[a-zA-Z0-9 _.-]*$`)

// ValidatePeerAddress parses a peer address. Peers are reached over
// IPv4 only.
func ValidatePeerAddress(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, fmt.Errorf("address is required")
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q", s)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("address %s is not IPv4", addr)
	}
	if addr.IsUnspecified() || addr.IsMulticast() {
		return netip.Addr{}, fmt.Errorf("address %s is not a unicast host", addr)
	}
	return addr, nil
}

// ValidateMessageText validates an outgoing text message
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is required")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message is too long (max %d bytes)", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateNodeName validates the display name a node advertises
func ValidateNodeName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("node name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("node name is too long (max 100 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("node name contains invalid characters")
	}
	return nil
}

func ValidateStatus(status string) error {
	if len(status) > 50 {
		return fmt.Errorf("status is too long (max 50 characters)")
	}
	if !StatusRegex.MatchString(status) {
		return fmt.Errorf("status contains invalid characters")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
