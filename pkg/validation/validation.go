package validation

import (
	"errors"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	phonePattern    = regexp.MustCompile(`^[1-9][0-9]{5,15}$`)
	instancePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// NormalizePhone keeps the digits of a phone number or WhatsApp address ("+55 11 9999-9999", "5511999999999@s.whatsapp.net").
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if at := strings.IndexByte(phone, '@'); at >= 0 {
		phone = phone[:at]
	}
	if colon := strings.IndexByte(phone, ':'); colon >= 0 {
		phone = phone[:colon]
	}
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone ensures international format (no leading 0, digits only, length 6-16).
func ValidatePhone(phone string) error {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return errors.New("phone number cannot be empty")
	}
	digits := NormalizePhone(trimmed)
	if strings.HasPrefix(digits, "0") {
		return errors.New("phone number must be in international format without leading 0")
	}
	if !phonePattern.MatchString(digits) {
		return errors.New("phone number must be digits only and at least 6 characters")
	}
	return nil
}

// ValidateGatewayURL accepts absolute http(s) URLs.
func ValidateGatewayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return errors.New("url must be valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	return nil
}

func ValidateInstanceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("instance name cannot be empty")
	}
	if !instancePattern.MatchString(name) {
		return errors.New("instance name may only contain letters, digits, '.', '_' and '-'")
	}
	return nil
}

// ValidateRelayURL only allows public HTTPS targets for outbound event delivery.
func ValidateRelayURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return errors.New("only HTTPS URLs are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("url host is required")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.New("private/local network URLs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return errors.New("private/local network URLs are not allowed")
		}
	}
	return nil
}
